package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

// Signature headers on outbound module calls. The signature covers the
// exact request body with HMAC-SHA256, hex encoded.
const (
	HeaderSignature = "X-Router-Signature"
	HeaderTimestamp = "X-Router-Timestamp"
	HeaderRequestID = "X-Router-Request-ID"

	// HeaderEnvelope carries the scope envelope on transports whose
	// Authorization header is owned by the platform's own credentials.
	HeaderEnvelope = "X-Router-Envelope"
)

const (
	webhookHardCap   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// Webhook POSTs the execute payload to an HTTP module.
type Webhook struct {
	name     string
	endpoint string
	secret   string
	timeout  time.Duration
	client   *http.Client
	resolver *EndpointResolver
	health   *healthTracker
}

// NewWebhook builds the adapter. secret may be empty, which disables
// signing; resolver handles consul:// endpoints and may be nil for
// fixed ones.
func NewWebhook(name, endpoint, secret string, timeout time.Duration, resolver *EndpointResolver, unhealthyAfter int) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if timeout > webhookHardCap {
		timeout = webhookHardCap
	}
	return &Webhook{
		name:     name,
		endpoint: endpoint,
		secret:   secret,
		timeout:  timeout,
		client:   &http.Client{Timeout: webhookHardCap},
		resolver: resolver,
		health:   newHealthTracker(unhealthyAfter),
	}
}

func (a *Webhook) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *Webhook) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	endpoint, err := a.resolver.Resolve(ctx, a.endpoint, "http")
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderRequestID, req.RequestID)
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if a.secret != "" {
		httpReq.Header.Set(HeaderSignature, "sha256="+Sign(a.secret, payload))
	}
	if req.Envelope != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Envelope)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.ErrAdapterTimeout, err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))

	if err := classifyStatus(httpResp.StatusCode); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (a *Webhook) Health() HealthStatus { return a.health.status() }

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a sha256=<hex> header value against payload.
func VerifySignature(secret string, payload []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(want, mac.Sum(nil))
}

// classifyStatus maps an HTTP status to the error taxonomy. 408 and
// 429 stay retryable, the rest of 4xx is permanent, 5xx transient.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout:
		return errors.ErrAdapterTimeout.WithDetailf("status %d", status)
	case status == http.StatusTooManyRequests:
		return errors.ErrAdapterThrottled.WithDetailf("status %d", status)
	case status == http.StatusNotFound:
		return errors.ErrUnknownFunction.WithDetailf("status %d", status)
	case status >= 400 && status < 500:
		return errors.ErrAdapterClient.WithDetailf("status %d", status)
	default:
		return errors.ErrAdapterServer.WithDetailf("status %d", status)
	}
}

// decodeBody parses a 2xx response. An empty body is a bare success;
// anything else must be the JSON response shape.
func decodeBody(body []byte) (*event.ExecuteResponse, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &event.ExecuteResponse{Success: true}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.ErrAdapterClient.WithDetail("response is not valid JSON")
	}
	resp, err := event.DecodeResponse(body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	return resp, nil
}
