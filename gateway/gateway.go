// Package gateway talks to the hosted backend's REST and RPC endpoints.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/ratelimit"
)

var (
	identRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

	errDecode = errors.New("decode response")
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op      string
	Code    string
	Message string
	Status  int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
}

// IsUnauthorized reports whether err was caused by a rejected credential.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, errDecode)
}

// errorBody is the PostgREST error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Config holds client configuration.
type Config struct {
	HTTPClient   *http.Client
	Limiter      ratelimit.Limiter
	Logger       *slog.Logger
	BaseURL      string // project URL, e.g. https://xyz.supabase.co
	APIKey       string // anon or service key, sent as "apikey"
	AccessToken  string // bearer token; defaults to APIKey
	ReadAttempts uint   // attempts for table reads; 1 disables retry
}

// Client is a handle on the remote data gateway. It is safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	limiter      ratelimit.Limiter
	logger       *slog.Logger
	baseURL      string
	apiKey       string
	token        string
	readAttempts uint
}

// New creates a gateway client.
func New(cfg *Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	lim := cfg.Limiter
	if lim == nil {
		lim = ratelimit.NewUnlimited()
	}
	attempts := cfg.ReadAttempts
	if attempts == 0 {
		attempts = 1
	}
	token := cfg.AccessToken
	if token == "" {
		token = cfg.APIKey
	}
	return &Client{
		httpClient:   hc,
		limiter:      lim,
		logger:       cfg.Logger,
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       cfg.APIKey,
		token:        token,
		readAttempts: attempts,
	}
}

// WithAccessToken returns a client acting on behalf of the token's user.
// The returned client shares the HTTP transport and rate limiter.
func (c *Client) WithAccessToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Query reads rows of table matching q into out (a pointer to a slice).
func (c *Client) Query(ctx context.Context, table string, q Query, out any) error {
	if !identRegex.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	path := "/rest/v1/" + table + "?" + q.Values().Encode()
	op := "query " + table

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = c.do(ctx, op, http.MethodGet, path, nil, nil, out)
			return lastErr
		},
		retry.Attempts(c.readAttempts),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying gateway read after error", "op", op, "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Insert writes one row into table and decodes the stored row into out (may be nil).
// Inserts are never retried.
func (c *Client) Insert(ctx context.Context, table string, row, out any) error {
	if !identRegex.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	var rows []json.RawMessage
	hdr := http.Header{"Prefer": []string{"return=representation"}}
	if err := c.do(ctx, "insert "+table, http.MethodPost, "/rest/v1/"+table, row, hdr, &rows); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert %s: no row returned", table)
	}
	if err := json.Unmarshal(rows[0], out); err != nil {
		return fmt.Errorf("insert %s: decode row: %w", table, err)
	}
	return nil
}

// Call invokes a remote procedure with JSON args and decodes its result into out (may be nil).
func (c *Client) Call(ctx context.Context, fn string, args, out any) error {
	if !identRegex.MatchString(fn) {
		return fmt.Errorf("invalid procedure name %q", fn)
	}
	if args == nil {
		args = map[string]any{}
	}
	return c.do(ctx, "rpc "+fn, http.MethodPost, "/rest/v1/rpc/"+fn, args, nil, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, hdr http.Header, out any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.limiter.Take()

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Gateway request failed", "op", op, "duration_ms", duration.Milliseconds(), "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Gateway request completed",
		"op", op,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); readErr == nil {
			_ = json.Unmarshal(data, &eb)
		}
		return &StatusError{Op: op, Status: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: %w: %w", op, errDecode, err)
	}
	return nil
}
