// Package client talks to a running capledger API.
package client

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

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/dilution"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/waterfall"
	"github.com/vadiminshakov/capledger/pkg/retrier"
	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Kind, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError
}

// Client is an HTTP client for the ledger API. Network failures and 5xx answers are
// retried with backoff; 4xx answers are returned immediately.
type Client struct {
	base    string
	http    *http.Client
	retrier *retrier.Retrier
	l       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRetrier replaces the default backoff.
func WithRetrier(r *retrier.Retrier) Option {
	return func(cl *Client) { cl.retrier = r }
}

// WithLogger sets the logger used to report retried attempts.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.l = l }
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		retrier: retrier.New(
			retrier.WithInitialInterval(200*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
			retrier.WithMaxRetries(4),
		),
		l: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State fetches the reconstructed state at cutoff. Use ledger.Latest for the newest.
func (c *Client) State(ctx context.Context, cutoff uint64) (*domain.LedgerState, error) {
	var state domain.LedgerState
	if err := c.do(ctx, http.MethodGet, "/state", cutoff, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CapTable fetches the cap table at cutoff.
func (c *Client) CapTable(ctx context.Context, cutoff uint64) (*ledger.CapTable, error) {
	var table ledger.CapTable
	if err := c.do(ctx, http.MethodGet, "/captable", cutoff, nil, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// Events fetches the history up to cutoff.
func (c *Client) Events(ctx context.Context, cutoff uint64) ([]domain.Event, error) {
	var resp struct {
		Events []domain.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/events", cutoff, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Append submits a batch. Give events idempotency keys when the call may be repeated:
// a retried batch that did land the first time is rejected as a duplicate.
func (c *Client) Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error) {
	var resp struct {
		Events []domain.Event `json:"events"`
	}
	body := map[string]any{"events": batch}
	if err := c.do(ctx, http.MethodPost, "/events", ledger.Latest, body, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Waterfall distributes exitCents over the cap table at cutoff.
func (c *Client) Waterfall(ctx context.Context, cutoff uint64, exitCents int64) (*waterfall.Result, error) {
	var res waterfall.Result
	body := map[string]int64{"exit_amount_cents": exitCents}
	if err := c.do(ctx, http.MethodPost, "/waterfall", cutoff, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Scenarios runs the waterfall for several exit amounts.
func (c *Client) Scenarios(ctx context.Context, cutoff uint64, exits []int64) ([]*waterfall.Result, error) {
	var res []*waterfall.Result
	body := map[string][]int64{"exit_amounts_cents": exits}
	if err := c.do(ctx, http.MethodPost, "/waterfall/scenarios", cutoff, body, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Dilution projects hypothetical rounds on the cap table at cutoff.
func (c *Client) Dilution(ctx context.Context, cutoff uint64, req dilution.Request) (*dilution.Result, error) {
	var res dilution.Result
	if err := c.do(ctx, http.MethodPost, "/dilution", cutoff, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// transportError is a failure to exchange a request with the server at all.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var tErr *transportError
	return errors.As(err, &tErr)
}

func (c *Client) endpoint(path string, cutoff uint64) string {
	q := url.Values{}
	if cutoff != ledger.Latest {
		q.Set("cutoff", strconv.FormatUint(cutoff, 10))
	}
	if len(q) == 0 {
		return c.base + path
	}
	return c.base + path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, cutoff uint64, body, dst any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	target := c.endpoint(path, cutoff)

	attempt := 0
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, method, target, payload, dst)
		if err == nil {
			return nil
		}

		if !retryable(ctx, err) {
			return retrier.Permanent(err)
		}
		c.l.Warn("api request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	})
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte, dst any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: errors.Wrapf(err, "%s %s", method, target)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
