package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

// OpenWhisk invokes an action through the blocking REST API, so the
// body that comes back is the action result itself.
type OpenWhisk struct {
	name     string
	url      string
	authUser string
	authPass string
	timeout  time.Duration
	client   *http.Client
	health   *healthTracker
}

// NewOpenWhisk builds the adapter. AuthKey is the platform's
// "uuid:key" pair used for basic auth.
func NewOpenWhisk(name string, cfg config.OpenWhiskConfig, timeout time.Duration, unhealthyAfter int) (*OpenWhisk, error) {
	if cfg.APIHost == "" || cfg.Action == "" {
		return nil, errors.ErrAdapterClient.WithDetailf("module %s: openwhisk api_host and action are required", name)
	}
	user, pass, ok := strings.Cut(cfg.AuthKey, ":")
	if !ok {
		return nil, errors.ErrAdapterClient.WithDetailf("module %s: openwhisk auth_key must be uuid:key", name)
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "_"
	}
	host := strings.TrimSuffix(cfg.APIHost, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenWhisk{
		name: name,
		url: fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s?blocking=true&result=true",
			host, url.PathEscape(namespace), url.PathEscape(cfg.Action)),
		authUser: user,
		authPass: pass,
		timeout:  timeout,
		client:   &http.Client{Timeout: webhookHardCap},
		health:   newHealthTracker(unhealthyAfter),
	}, nil
}

func (a *OpenWhisk) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *OpenWhisk) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderRequestID, req.RequestID)
	httpReq.SetBasicAuth(a.authUser, a.authPass)
	if req.Envelope != "" {
		httpReq.Header.Set(HeaderEnvelope, req.Envelope)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrAdapterTimeout, err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}

	// Whisk reports an action-level failure as a 502 whose body holds
	// the error field. That is the action misbehaving, not the
	// platform, so it must not look transient.
	if httpResp.StatusCode == http.StatusBadGateway {
		if msg := gjson.GetBytes(body, "error"); msg.Exists() {
			return nil, errors.ErrAdapterClient.WithDetailf("action error: %s", msg.String())
		}
	}
	if err := classifyStatus(httpResp.StatusCode); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (a *OpenWhisk) Health() HealthStatus { return a.health.status() }
