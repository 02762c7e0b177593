package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

const gcpDefaultScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPFunction invokes a Google Cloud Function over HTTPS. Google
// credentials own the Authorization header, so the scope envelope
// rides in HeaderEnvelope instead.
type GCPFunction struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
	health  *healthTracker
}

// NewGCPFunction builds the adapter with tokens from the application
// default credential chain. Audience narrows the minted token to the
// function; empty falls back to the broad cloud-platform scope.
func NewGCPFunction(name string, cfg config.GCPAdapterConfig, timeout time.Duration, unhealthyAfter int) (*GCPFunction, error) {
	if cfg.URL == "" {
		return nil, errors.ErrAdapterClient.WithDetailf("module %s: gcp url is required", name)
	}
	scope := cfg.Audience
	if scope == "" {
		scope = gcpDefaultScope
	}
	ts, err := google.DefaultTokenSource(context.Background(), scope)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	return newGCPFunctionWith(name, cfg.URL, ts, timeout, unhealthyAfter), nil
}

// newGCPFunctionWith lets tests substitute a static token source.
func newGCPFunctionWith(name, url string, ts oauth2.TokenSource, timeout time.Duration, unhealthyAfter int) *GCPFunction {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := oauth2.NewClient(context.Background(), ts)
	client.Timeout = webhookHardCap
	return &GCPFunction{
		name:    name,
		url:     url,
		timeout: timeout,
		client:  client,
		health:  newHealthTracker(unhealthyAfter),
	}
}

func (a *GCPFunction) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *GCPFunction) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
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
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
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
	if err := classifyStatus(httpResp.StatusCode); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (a *GCPFunction) Health() HealthStatus { return a.health.status() }
