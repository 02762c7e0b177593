package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/sjson"

	"github.com/relaybot/router/internal/adapter"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// webhookBridge POSTs deliveries to a community's delivery endpoint.
// The payload is the module response annotated with the delivery
// coordinates, signed the same way module calls are.
type webhookBridge struct {
	url    string
	secret string
	client *http.Client
}

func newWebhookBridge(oc config.OutboundConfig) (*webhookBridge, error) {
	if oc.URL == "" {
		return nil, fmt.Errorf("egress: binding %s: url is required", oc.Name)
	}
	return &webhookBridge{
		url:    oc.URL,
		secret: oc.Secret,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (w *webhookBridge) Send(ctx context.Context, d *Delivery) error {
	payload, err := deliveryPayload(d)
	if err != nil {
		return errors.Wrap(errors.ErrAdapterClient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.ErrAdapterClient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adapter.HeaderRequestID, d.RequestID)
	req.Header.Set(adapter.HeaderTimestamp, strconv.FormatInt(d.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(adapter.HeaderSignature, "sha256="+adapter.Sign(w.secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrAdapterTimeout, err)
		}
		return errors.Wrap(errors.ErrNetwork, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyDeliveryStatus(resp.StatusCode)
}

// deliveryPayload starts from the response body and annotates the
// delivery coordinates around it, so a platform adapter reads one
// document.
func deliveryPayload(d *Delivery) ([]byte, error) {
	body, err := json.Marshal(d.Response)
	if err != nil {
		return nil, err
	}
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"request_id", d.RequestID},
		{"event_id", d.EventID},
		{"correlation_id", d.CorrelationID},
		{"community", d.Community},
		{"route_id", d.RouteID},
		{"platform", d.Platform},
		{"entity", d.Entity},
		{"message", d.Message},
		{"timestamp", d.Timestamp.Format(time.RFC3339)},
	} {
		if s, ok := kv.value.(string); ok && s == "" {
			continue
		}
		body, err = sjson.SetBytes(body, kv.path, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// classifyDeliveryStatus maps a delivery endpoint's answer onto the
// error taxonomy: 408/429/5xx retryable, the rest of 4xx permanent.
func classifyDeliveryStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout:
		return errors.ErrAdapterTimeout.WithDetailf("status %d", status)
	case status == http.StatusTooManyRequests:
		return errors.ErrAdapterThrottled.WithDetailf("status %d", status)
	case status >= 400 && status < 500:
		return errors.ErrAdapterClient.WithDetailf("status %d", status)
	default:
		return errors.ErrAdapterServer.WithDetailf("status %d", status)
	}
}
