package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"diaryd/internal/config"
	"diaryd/internal/event"
)

// HTTPTarget POSTs event envelopes to a downstream endpoint. The event
// ID doubles as an idempotency key so receivers can drop duplicates
// after an ambiguous timeout.
//
// The client carries no transport-level retries: ordering and backoff
// belong to the worker, which must observe every failure.
type HTTPTarget struct {
	name   string
	url    string
	client *resty.Client
}

// NewHTTPTarget builds a target from its config entry.
func NewHTTPTarget(cfg *config.TargetConfig, timeout time.Duration) *HTTPTarget {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.BearerToken != "" {
		client.SetAuthToken(cfg.BearerToken)
	}
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	return &HTTPTarget{
		name:   cfg.Name,
		url:    cfg.URL,
		client: client,
	}
}

// Name returns the configured target name.
func (t *HTTPTarget) Name() string { return t.name }

// Deliver POSTs one event. Any status outside 2xx is a failed attempt.
func (t *HTTPTarget) Deliver(ctx context.Context, e *event.Event) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", e.EventID.String()).
		SetBody(NewEnvelope(e)).
		Post(t.url)
	if err != nil {
		return &event.DeliveryError{
			Target:   t.name,
			TenantID: e.TenantID,
			Sequence: e.Sequence,
			Err:      err,
		}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &event.DeliveryError{
			Target:   t.name,
			TenantID: e.TenantID,
			Sequence: e.Sequence,
			Err:      fmt.Errorf("endpoint returned %d", resp.StatusCode()),
		}
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTarget) Close() {
	t.client.GetClient().CloseIdleConnections()
}
