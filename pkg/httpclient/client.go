// Package httpclient executes authenticated JSON requests against external
// services with a per-call timeout, and translates every failure into the
// errdefs taxonomy. It never retries on its own: several callers perform
// non-idempotent operations, so retrying is left to them (see Retry).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout applies when neither the request nor the client sets one
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of a response body is read
const maxBodyBytes = 10 << 20

// Request describes one outbound call. URL may be absolute or a path
// relative to the client's base URL.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
	Timeout     time.Duration
}

// JSONRequest builds a Request whose body is v encoded as JSON.
func JSONRequest(method, url string, v any) (Request, error) {
	req := Request{Method: method, URL: url}
	if v == nil {
		return req, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return req, errors.Wrap(err, "failed to encode request body")
	}
	req.Body = body
	req.ContentType = "application/json"
	return req, nil
}

// Response is a successful (2xx) answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Data is the decoded JSON body; an empty body decodes to an empty map.
	Data any
}

// Map returns Data as a JSON object, or an empty map when it is not one.
func (r *Response) Map() map[string]any {
	if m, ok := r.Data.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Decode unmarshals the raw body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Client executes requests for one named service.
type Client struct {
	service    string
	baseURL    string
	auth       auth.Authenticator
	httpClient *http.Client
	timeout    time.Duration
	header     http.Header
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL sets the prefix for relative request URLs
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAuth sets the authentication strategy
func WithAuth(a auth.Authenticator) Option {
	return func(c *Client) {
		if a != nil {
			c.auth = a
		}
	}
}

// WithTimeout sets the default per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a header sent on every request
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

// New creates a client for the named service
func New(service string, opts ...Option) *Client {
	c := &Client{
		service: service,
		auth:    auth.None{},
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: DefaultTimeout,
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the service name used in errors and logs
func (c *Client) Service() string {
	return c.service
}

// Execute performs req and returns the decoded response. Failures are
// reported as errdefs errors: NotConfigured from the auth strategy,
// TimeoutError when the budget runs out, TransportError for connection
// failures and UpstreamError for non-2xx answers or undecodable bodies.
// A 401 answer resets the auth strategy when it implements auth.Resetter, so
// the next call starts with fresh credentials.
//
// The outbound call is detached from ctx cancellation; only its own timeout
// abandons it. ctx still carries the logger and trace.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := telemetry.WithSpan(ctx, "http."+c.service, func(ctx context.Context) error {
		var err error
		resp, err = c.execute(ctx, req)
		return err
	}, attribute.String("http.method", req.Method), attribute.String("service", c.service))
	return resp, err
}

func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	op := req.Method + " " + req.URL

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, c.resolve(req.URL), body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s request", c.service)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	if err := c.auth.Authenticate(callCtx, httpReq); err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.G(ctx).WithError(err).WithFields(map[string]any{
			"service":  c.service,
			"method":   req.Method,
			"duration": time.Since(start),
		}).Warn("outbound request failed")
		if callCtx.Err() != nil {
			return nil, &errdefs.TimeoutError{Service: c.service, Op: op, Err: err}
		}
		return nil, errdefs.FromTransport(c.service, op, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &errdefs.TimeoutError{Service: c.service, Op: op, Err: err}
		}
		return nil, errdefs.FromTransport(c.service, op, err)
	}

	telemetry.SetAttributes(ctx, attribute.Int("http.status_code", httpResp.StatusCode))
	logger.G(ctx).WithFields(map[string]any{
		"service":  c.service,
		"method":   req.Method,
		"status":   httpResp.StatusCode,
		"duration": time.Since(start),
	}).Debug("outbound request completed")

	if httpResp.StatusCode == http.StatusUnauthorized {
		if r, ok := c.auth.(auth.Resetter); ok {
			logger.G(ctx).WithField("service", c.service).Info("credentials rejected, discarding cached token")
			r.Reset()
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &errdefs.UpstreamError{
			Service:    c.service,
			StatusCode: httpResp.StatusCode,
			Body:       string(raw),
		}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       raw,
		Data:       map[string]any{},
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, &errdefs.UpstreamError{
				Service:    c.service,
				StatusCode: httpResp.StatusCode,
				Body:       "invalid JSON response: " + string(raw),
			}
		}
		resp.Data = data
	}
	return resp, nil
}

func (c *Client) resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") || c.baseURL == "" {
		return url
	}
	return c.baseURL + "/" + strings.TrimLeft(url, "/")
}
