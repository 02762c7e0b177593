package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

// grpcMethod is the single unary method every gRPC module implements.
// The payload is a structpb.Struct mirroring the JSON schema field for
// field, so modules in any language can skip codegen.
const grpcMethod = "/relaybot.module.v1.Module/Execute"

// GRPC invokes a module over a shared client connection. The envelope
// travels as bearer metadata, never inside the payload.
type GRPC struct {
	name     string
	endpoint string
	timeout  time.Duration
	resolver *EndpointResolver
	health   *healthTracker

	mu   sync.Mutex
	addr string
	conn *grpc.ClientConn
}

// NewGRPC builds the adapter. The connection is established lazily so
// a module that is down at boot does not block startup.
func NewGRPC(name, endpoint string, timeout time.Duration, resolver *EndpointResolver, unhealthyAfter int) *GRPC {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPC{
		name:     name,
		endpoint: endpoint,
		timeout:  timeout,
		resolver: resolver,
		health:   newHealthTracker(unhealthyAfter),
	}
}

func (a *GRPC) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *GRPC) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	conn, err := a.clientConn(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := requestStruct(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if req.Envelope != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+req.Envelope)
	}

	var reply structpb.Struct
	if err := conn.Invoke(ctx, grpcMethod, payload, &reply); err != nil {
		return nil, classifyGRPC(err)
	}

	data, err := json.Marshal(reply.AsMap())
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	resp, err := event.DecodeResponse(data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	return resp, nil
}

// clientConn returns the shared connection, re-dialing when discovery
// moved the endpoint. grpc.NewClient does not connect eagerly, so no
// I/O happens under the mutex.
func (a *GRPC) clientConn(ctx context.Context) (*grpc.ClientConn, error) {
	addr, err := a.resolver.Resolve(ctx, a.endpoint, "")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && a.addr == addr {
		return a.conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn, a.addr = conn, addr
	return conn, nil
}

func (a *GRPC) Health() HealthStatus { return a.health.status() }

// Close releases the client connection.
func (a *GRPC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// requestStruct converts the request to the wire struct by way of its
// canonical JSON form, so both transports stay field-identical.
func requestStruct(req *event.ExecuteRequest) (*structpb.Struct, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// classifyGRPC maps status codes to the error taxonomy.
func classifyGRPC(err error) error {
	switch status.Code(err) {
	case codes.Unavailable:
		return errors.Wrap(errors.ErrNetwork, err)
	case codes.ResourceExhausted:
		return errors.Wrap(errors.ErrAdapterThrottled, err)
	case codes.DeadlineExceeded:
		return errors.Wrap(errors.ErrAdapterTimeout, err)
	case codes.Unimplemented, codes.NotFound:
		return errors.Wrap(errors.ErrUnknownFunction, err)
	case codes.Unauthenticated:
		return errors.Wrap(errors.ErrSignatureMismatch, err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition:
		return errors.Wrap(errors.ErrAdapterClient, err)
	default:
		return errors.Wrap(errors.ErrAdapterServer, err)
	}
}
