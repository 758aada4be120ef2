// Package jmap implements transport.Remote against a JMAP server
// (RFC 8620) for contacts, calendars and tasks.
package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/harmony/internal/transport"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
)

// Config holds the connection parameters of one account.
type Config struct {
	// SessionURL is the JMAP session resource, usually
	// https://host/.well-known/jmap.
	SessionURL string `json:"session_url"`

	// Token is sent as a bearer token.
	Token string `json:"token"`
}

// Client talks to one JMAP account. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu      sync.Mutex
	session *Session
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetry sets the retry budget and backoff bounds for 429 and 5xx answers.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = base
		c.maxDelay = max
	}
}

// New constructs a Client. The session is discovered lazily.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Session is the subset of the JMAP session resource the client needs.
type Session struct {
	APIURL          string                     `json:"apiUrl"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

// accountFor returns the primary account id for a capability.
func (s *Session) accountFor(capability string) (string, bool) {
	id, ok := s.PrimaryAccounts[capability]
	return id, ok && id != ""
}

// Session returns the cached session, discovering it on first use.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	var s Session
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.SessionURL, nil, &s, retryAny); err != nil {
		return nil, fmt.Errorf("jmap session: %w", err)
	}
	if s.APIURL == "" {
		return nil, fmt.Errorf("jmap session: missing apiUrl")
	}
	c.session = &s
	return c.session, nil
}

type request struct {
	Using       []string     `json:"using"`
	MethodCalls []invocation `json:"methodCalls"`
}

type response struct {
	MethodResponses []invocation `json:"methodResponses"`
}

// invocation is the [name, arguments, callId] triple.
type invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (i invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

func (i *invocation) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("invocation: want 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &i.Name); err != nil {
		return err
	}
	i.Args = raw[1]
	return json.Unmarshal(raw[2], &i.CallID)
}

// MethodError is a JMAP method-level error response.
type MethodError struct {
	Method      string `json:"-"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jmap %s: %s: %s", e.Method, e.Type, e.Description)
	}
	return fmt.Sprintf("jmap %s: %s", e.Method, e.Type)
}

// retryMode says when a failed request may be sent again.
type retryMode int

const (
	// retryAny repeats on network errors, 429 and 5xx.
	retryAny retryMode = iota

	// retryRefused repeats only on 429 and 503, where the server did not
	// process the request. Used for object creation.
	retryRefused
)

func (m retryMode) retryStatus(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		return true
	}
	return m == retryAny && code >= 500
}

// call issues one method call and decodes its arguments into out.
func (c *Client) call(ctx context.Context, capability, method string, args any, out any) error {
	return c.invoke(ctx, capability, method, args, out, retryAny)
}

// callOnce is call for requests that would have an effect twice if a
// processed request were repeated.
func (c *Client) callOnce(ctx context.Context, capability, method string, args any, out any) error {
	return c.invoke(ctx, capability, method, args, out, retryRefused)
}

func (c *Client) invoke(ctx context.Context, capability, method string, args any, out any, mode retryMode) error {
	s, err := c.Session(ctx)
	if err != nil {
		return err
	}

	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req := request{
		Using:       []string{"urn:ietf:params:jmap:core", capability},
		MethodCalls: []invocation{{Name: method, Args: b, CallID: "c0"}},
	}

	var resp response
	if err := c.doJSON(ctx, http.MethodPost, s.APIURL, req, &resp, mode); err != nil {
		return err
	}
	if len(resp.MethodResponses) == 0 {
		return fmt.Errorf("jmap %s: empty response", method)
	}

	r := resp.MethodResponses[0]
	if r.Name == "error" {
		me := &MethodError{Method: method}
		_ = json.Unmarshal(r.Args, me)
		return me
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Args, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// HTTPError is a non-2xx answer that was not retried.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jmap http %d: %s", e.StatusCode, e.Body)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, out any, mode retryMode) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if mode == retryAny && ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return transport.Classify(ctx, waitErr)
				}
				continue
			}
			return transport.Classify(ctx, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return transport.Classify(ctx, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: http %d", transport.ErrRejected, resp.StatusCode)
		case mode.retryStatus(resp.StatusCode) && attempt < c.maxRetries:
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return transport.Classify(ctx, waitErr)
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if d := time.Until(ts); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
