package chronicle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Chronicle server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Chronicle event log API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chronicle: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// AppendOptions carry the optional headers for Append.
type AppendOptions struct {
	// IdempotencyKey makes the append safe to retry: a second submission
	// with the same key on the same (tenant, branch) returns a conflict
	// identifying the original event instead of appending a duplicate.
	IdempotencyKey string

	// CorrelationID threads a caller-chosen tracing handle through the
	// server's logs and response metadata.
	CorrelationID string
}

// Append submits one event for durable, ordered storage. Nil opts means no
// idempotency key and a server-assigned correlation id.
func (c *Client) Append(ctx context.Context, req AppendRequest, opts *AppendOptions) (*AppendResult, error) {
	headers := map[string]string{}
	if opts != nil {
		if opts.IdempotencyKey != "" {
			headers["Idempotency-Key"] = opts.IdempotencyKey
		}
		if opts.CorrelationID != "" {
			headers["Correlation-Id"] = opts.CorrelationID
		}
	}

	var resp AppendResult
	if err := c.post(ctx, "/v1/events", req, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List retrieves one ascending page of events for a (tenant, branch). Pass
// the returned NextAfterGlobalSeq as opts.AfterGlobalSeq to resume.
func (c *Client) List(ctx context.Context, tenantID uuid.UUID, opts *ListOptions) (*EventPage, error) {
	params := url.Values{}
	params.Set("tenant_id", tenantID.String())
	if opts != nil {
		if opts.Branch != "" {
			params.Set("branch", opts.Branch)
		}
		if opts.Kind != "" {
			params.Set("kind", opts.Kind)
		}
		if opts.AfterGlobalSeq > 0 {
			params.Set("after_global_seq", strconv.FormatInt(opts.AfterGlobalSeq, 10))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	var resp EventPage
	if err := c.get(ctx, "/v1/events?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get retrieves a single event by its identity.
func (c *Client) Get(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	var resp Event
	if err := c.get(ctx, "/v1/events/"+eventID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Consumers retrieves the health surface for all projection consumers,
// optionally scoped to one tenant (uuid.Nil means all tenants).
func (c *Client) Consumers(ctx context.Context, tenantID uuid.UUID) ([]ConsumerStatus, error) {
	path := "/v1/consumers"
	if tenantID != uuid.Nil {
		path += "?tenant_id=" + tenantID.String()
	}
	var resp []ConsumerStatus
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeadLetters retrieves parked deliveries, optionally scoped to one tenant
// (uuid.Nil means all tenants).
func (c *Client) DeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]DeadLetter, error) {
	params := url.Values{}
	if tenantID != uuid.Nil {
		params.Set("tenant_id", tenantID.String())
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/outbox/deadletters"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []DeadLetter
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReplayDeadLetter requeues one parked delivery for automatic delivery.
func (c *Client) ReplayDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	var resp DeadLetter
	if err := c.post(ctx, "/v1/outbox/deadletters/"+strconv.FormatInt(id, 10)+"/replay", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, headers map[string]string, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chronicle: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chronicle: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chronicle: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chronicle: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chronicle: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("chronicle: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
