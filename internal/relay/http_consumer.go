package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/substratehq/chronicle/internal/model"
)

// HTTPConsumer delivers events to an out-of-process lens over HTTP. The
// endpoint accepts one envelope per POST and signals the outcome through the
// status code: 2xx acknowledges, 4xx rejects permanently (except 408 and 429,
// which are treated as transient), anything else is a transient failure.
type HTTPConsumer struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPConsumer creates a consumer that posts envelopes to endpoint.
// The attempt timeout comes from the relay's per-delivery context, so the
// client itself carries none.
func NewHTTPConsumer(name, endpoint string) *HTTPConsumer {
	return &HTTPConsumer{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Name implements Consumer.
func (c *HTTPConsumer) Name() string { return c.name }

// Deliver implements Consumer.
func (c *HTTPConsumer) Deliver(ctx context.Context, env model.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return Permanent(fmt.Errorf("marshal envelope %s: %w", env.EventID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", c.endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("consumer %s busy: status %d", c.name, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("consumer %s rejected event: status %d", c.name, resp.StatusCode))
	default:
		return fmt.Errorf("consumer %s unavailable: status %d", c.name, resp.StatusCode)
	}
}
