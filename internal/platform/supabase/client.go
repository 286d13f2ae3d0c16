// Package supabase reaches a Supabase project through its REST (PostgREST),
// auth (GoTrue) and realtime (Phoenix channels) endpoints.
package supabase

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
	"sync"
	"time"

	"github.com/supabase-community/gotrue-go"

	"loftyeyes/internal/platform"
)

type Config struct {
	URL               string
	AnonKey           string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxReconnectDelay time.Duration
	HTTPClient        *http.Client
}

type Backend struct {
	cfg         Config
	transport   http.RoundTripper
	restURL     string
	auth        gotrue.Client
	realtimeURL string
}

var _ platform.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if raw == "" {
		return nil, errors.New("supabase url is required")
	}
	if strings.TrimSpace(cfg.AnonKey) == "" {
		return nil, errors.New("supabase anon key is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported supabase url scheme %q", base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 10 * time.Second
	}
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		transport = cfg.HTTPClient.Transport
	}
	return &Backend{
		cfg:         cfg,
		transport:   transport,
		restURL:     raw + "/rest/v1",
		auth:        gotrue.New("", cfg.AnonKey).WithCustomGoTrueURL(raw + "/auth/v1"),
		realtimeURL: realtimeURL(base, cfg.AnonKey),
	}, nil
}

func realtimeURL(base *url.URL, apiKey string) string {
	wsURL := *base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/realtime/v1/websocket"
	query := url.Values{}
	query.Set("apikey", apiKey)
	query.Set("vsn", "1.0.0")
	wsURL.RawQuery = query.Encode()
	return wsURL.String()
}

// Connect returns a client acting as the session's user. The realtime socket
// is dialed lazily on the first subscription.
func (b *Backend) Connect(session platform.Session) (platform.Client, error) {
	if !session.Valid() {
		return nil, platform.ErrUnauthorized
	}
	client := &Client{backend: b, token: session.AccessToken}
	client.socket = newSocket(b.realtimeURL, b.cfg.HeartbeatInterval, b.cfg.MaxReconnectDelay, client.AccessToken)
	return client, nil
}

type Client struct {
	backend *Backend
	socket  *socket

	mu    sync.RWMutex
	token string
}

var _ platform.Client = (*Client)(nil)

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.socket.pushAccessToken(token)
}

func (c *Client) Subscribe(ctx context.Context, sub platform.Subscription, handler func(platform.ChangeEvent)) (platform.Channel, error) {
	return c.socket.subscribe(ctx, sub, handler)
}

func (c *Client) Close() error {
	return c.socket.close()
}

// APIError is a non-2xx answer from any of the project's HTTP endpoints.
type APIError struct {
	Status  int
	Code    string
	Message string
	Hint    string
}

func (e *APIError) Error() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("supabase: status %d", e.Status))
	if e.Code != "" {
		builder.WriteString(" (" + e.Code + ")")
	}
	if e.Message != "" {
		builder.WriteString(": " + e.Message)
	}
	if e.Hint != "" {
		builder.WriteString(" hint: " + e.Hint)
	}
	return builder.String()
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return platform.ErrUnauthorized
	case http.StatusNotFound:
		return platform.ErrNotFound
	}
	return nil
}

// errorBody covers the PostgREST and GoTrue error shapes.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Hint             string          `json:"hint"`
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Hint = parsed.Hint
	var code string
	if err := json.Unmarshal(parsed.Code, &code); err == nil {
		apiErr.Code = code
	}
	for _, candidate := range []string{parsed.ErrorCode, parsed.Error} {
		if apiErr.Code == "" && candidate != "" {
			apiErr.Code = candidate
		}
	}
	for _, candidate := range []string{parsed.Message, parsed.Msg, parsed.ErrorDescription, parsed.Error} {
		if candidate != "" {
			apiErr.Message = candidate
			break
		}
	}
	return apiErr
}

// exchange binds one library call to a context and keeps the status and
// error body of the response, which the libraries only report as text.
type exchange struct {
	ctx    context.Context
	base   http.RoundTripper
	status int
	body   []byte
}

func (b *Backend) exchange(ctx context.Context) (*exchange, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	return &exchange{ctx: ctx, base: b.transport}, cancel
}

func (e *exchange) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := e.base.RoundTrip(req.WithContext(e.ctx))
	if err != nil {
		return nil, err
	}
	e.status = resp.StatusCode
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read error response: %w", err)
		}
		e.body = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}

// fail replaces a library error with the server's answer when there was one.
func (e *exchange) fail(err error) error {
	if e.status >= 400 {
		return decodeAPIError(e.status, e.body)
	}
	if ctxErr := e.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
