package adapter

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
)

// Lua runs a scripted module on pooled Lua VMs. The script defines a
// global handle(request) that returns a response table; the source is
// compiled once and instantiated per call from the proto.
type Lua struct {
	name    string
	proto   *lua.FunctionProto
	pool    luaStatePool
	timeout time.Duration
	health  *healthTracker
}

// NewLua compiles the module script and prepares the VM pool.
func NewLua(name string, cfg config.LuaAdapterConfig, timeout time.Duration, unhealthyAfter int) (*Lua, error) {
	source := cfg.Script
	if source == "" && cfg.ScriptFile != "" {
		data, err := os.ReadFile(cfg.ScriptFile)
		if err != nil {
			return nil, err
		}
		source = string(data)
	}
	proto, err := compileScript(source, name)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Lua{
		name:    name,
		proto:   proto,
		pool:    newLuaStatePool(),
		timeout: timeout,
		health:  newHealthTracker(unhealthyAfter),
	}, nil
}

// compileScript parses and compiles Lua source into a FunctionProto.
func compileScript(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

func (a *Lua) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *Lua) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	L := a.pool.get()
	defer a.pool.put(L)

	L.SetContext(ctx)
	defer L.RemoveContext()

	// Run the chunk to (re)define handle, then call it.
	fn := L.NewFunctionFromProto(a.proto)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return nil, a.scriptError(ctx, err)
	}
	handler := L.GetGlobal("handle")
	if handler.Type() != lua.LTFunction {
		return nil, errors.ErrUnknownFunction.WithDetailf("script %s defines no handle function", a.name)
	}

	if err := L.CallByParam(lua.P{Fn: handler, NRet: 1, Protect: true}, requestToLua(L, req)); err != nil {
		return nil, a.scriptError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, errors.ErrAdapterClient.WithDetailf("script %s returned %s, want table", a.name, ret.Type())
	}

	// Round-trip through JSON so target strings and objects decode the
	// same way they do on the wire.
	data, err := json.Marshal(luaToGo(tbl))
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	resp, err := event.DecodeResponse(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	return resp, nil
}

func (a *Lua) scriptError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.ErrAdapterTimeout, err)
	}
	return errors.Wrap(errors.ErrAdapterClient, err)
}

func (a *Lua) Health() HealthStatus { return a.health.status() }

// requestToLua builds the request table handed to handle().
func requestToLua(L *lua.LState, req *event.ExecuteRequest) *lua.LTable {
	data, _ := json.Marshal(req)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return goToLua(L, m).(*lua.LTable)
}

// luaToGo converts a Lua value to its JSON-shaped Go equivalent.
func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		// Sequential integer keys from 1 mean an array.
		if maxn := t.MaxN(); maxn > 0 {
			arr := make([]any, 0, maxn)
			for i := 1; i <= maxn; i++ {
				arr = append(arr, luaToGo(t.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				m[string(ks)] = luaToGo(val)
			}
		})
		return m
	default:
		return v.String()
	}
}

// goToLua converts a JSON-shaped Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, val := range t {
			L.SetField(tbl, k, goToLua(L, val))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaStatePool hands out Lua VMs with only the safe libraries opened.
type luaStatePool struct {
	pool *sync.Pool
}

func newLuaStatePool() luaStatePool {
	return luaStatePool{pool: &sync.Pool{
		New: func() any {
			L := lua.NewState(lua.Options{SkipOpenLibs: true})
			// No io, os, or debug: scripts transform data, nothing else.
			lua.OpenBase(L)
			lua.OpenString(L)
			lua.OpenTable(L)
			lua.OpenMath(L)
			registerJSON(L)
			registerLog(L)
			return L
		},
	}}
}

func (p luaStatePool) get() *lua.LState  { return p.pool.Get().(*lua.LState) }
func (p luaStatePool) put(L *lua.LState) { p.pool.Put(L) }

// registerJSON exposes json.encode / json.decode to scripts.
func registerJSON(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "encode", L.NewFunction(func(L *lua.LState) int {
		data, err := json.Marshal(luaToGo(L.CheckAny(1)))
		if err != nil {
			L.ArgError(1, "json encode: "+err.Error())
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	L.SetField(mod, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.ArgError(1, "json decode: "+err.Error())
			return 0
		}
		L.Push(goToLua(L, v))
		return 1
	}))
	L.SetGlobal("json", mod)
}

// registerLog exposes structured logging to scripts.
func registerLog(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "info", L.NewFunction(func(L *lua.LState) int {
		logging.Info("lua module log", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetField(mod, "warn", L.NewFunction(func(L *lua.LState) int {
		logging.Warn("lua module log", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetField(mod, "error", L.NewFunction(func(L *lua.LState) int {
		logging.Error("lua module log", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetGlobal("log", mod)
}
