// Package client is the Go SDK for the endpointd admin surface.
//
//	cli, err := client.New("http://127.0.0.1:9451")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cli.Pause(ctx, "app#mod#OrdersMDB"); err != nil {
//	    log.Fatal(err)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultHTTPTimeout bounds every SDK request unless overridden.
const DefaultHTTPTimeout = 30 * time.Second

// Client talks to one endpointd server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout overrides the per-request timeout. Delivery calls in
// dowork mode wait for the whole script, so callers submitting long
// scripts should raise it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// New creates a client targeting baseURL. A base URL without a scheme
// assumes http.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL:     trimmed,
		httpClient:  &http.Client{},
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError describes an error response from endpointd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("endpointd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("endpointd: status %d", e.Status)
}

// ErrorCode returns the server error code of err, or "" when err is not an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}

// ListEndpoints returns every registered endpoint.
func (c *Client) ListEndpoints(ctx context.Context) ([]api.EndpointStatus, error) {
	var resp api.EndpointListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/endpoints", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Endpoints, nil
}

// EndpointStatus returns the status of name.
func (c *Client) EndpointStatus(ctx context.Context, name string) (*api.EndpointStatus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("endpointd: endpoint name is required")
	}
	var resp api.EndpointStatus
	if err := c.do(ctx, http.MethodGet, "/v1/endpoints/status?name="+url.QueryEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsPaused reports whether delivery to name is suspended.
func (c *Client) IsPaused(ctx context.Context, name string) (bool, error) {
	st, err := c.EndpointStatus(ctx, name)
	if err != nil {
		return false, err
	}
	return st.Paused, nil
}

// Pause suspends delivery to name. Pausing a paused endpoint is not an error.
func (c *Client) Pause(ctx context.Context, name string) error {
	_, err := c.toggle(ctx, "/v1/endpoints/pause", name)
	return err
}

// Resume allows delivery to name. Resuming an active endpoint is not an error.
func (c *Client) Resume(ctx context.Context, name string) error {
	_, err := c.toggle(ctx, "/v1/endpoints/resume", name)
	return err
}

func (c *Client) toggle(ctx context.Context, path, name string) (*api.EndpointToggleResponse, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("endpointd: endpoint name is required")
	}
	var resp api.EndpointToggleResponse
	if err := c.do(ctx, http.MethodPost, path, api.EndpointToggleRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deliver submits a delivery. A delivery that ran but failed (protocol
// violation, listener failure) returns a response carrying both the result
// and the failure in Error.
func (c *Client) Deliver(ctx context.Context, req api.DeliverRequest) (*api.DeliverResponse, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, fmt.Errorf("endpointd: endpoint is required")
	}
	var resp api.DeliverResponse
	if err := c.do(ctx, http.MethodPost, "/v1/deliver", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Result fetches the observation record of a delivery.
func (c *Client) Result(ctx context.Context, deliveryID string) (*api.DeliveryResult, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return nil, fmt.Errorf("endpointd: delivery_id is required")
	}
	var resp api.DeliveryResult
	if err := c.do(ctx, http.MethodGet, "/v1/results?delivery_id="+url.QueryEscape(deliveryID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReleaseResult drops the observation record of a delivery.
func (c *Client) ReleaseResult(ctx context.Context, deliveryID string) (bool, error) {
	var resp api.ReleaseResultResponse
	if err := c.do(ctx, http.MethodPost, "/v1/results/release", api.ReleaseResultRequest{DeliveryID: deliveryID}, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

// TxnPrepare asks the engine to prepare an imported transaction.
func (c *Client) TxnPrepare(ctx context.Context, xid string) (*api.TxnResponse, error) {
	return c.txn(ctx, "/v1/txn/prepare", api.TxnRequest{Xid: xid})
}

// TxnCommit commits an imported transaction.
func (c *Client) TxnCommit(ctx context.Context, xid string, onePhase bool) (*api.TxnResponse, error) {
	return c.txn(ctx, "/v1/txn/commit", api.TxnRequest{Xid: xid, OnePhase: onePhase})
}

// TxnRollback rolls back an imported transaction.
func (c *Client) TxnRollback(ctx context.Context, xid string) (*api.TxnResponse, error) {
	return c.txn(ctx, "/v1/txn/rollback", api.TxnRequest{Xid: xid})
}

// TxnForget drops the record of a completed imported transaction.
func (c *Client) TxnForget(ctx context.Context, xid string) (*api.TxnResponse, error) {
	return c.txn(ctx, "/v1/txn/forget", api.TxnRequest{Xid: xid})
}

// TxnRecover lists prepared imported transactions.
func (c *Client) TxnRecover(ctx context.Context) (*api.TxnRecoverResponse, error) {
	var resp api.TxnRecoverResponse
	if err := c.do(ctx, http.MethodGet, "/v1/txn/recover", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) txn(ctx context.Context, path string, req api.TxnRequest) (*api.TxnResponse, error) {
	req.Xid = strings.TrimSpace(req.Xid)
	if req.Xid == "" {
		return nil, fmt.Errorf("endpointd: xid is required")
	}
	var resp api.TxnResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	c.logger.Trace("client.http.start", "method", method, "path", path)
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Warn("client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logger.Trace("client.http.success", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}
