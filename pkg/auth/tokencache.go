// Package auth holds the credentials the gateway attaches to outbound calls:
// per-service OAuth2 client-credentials token caches and static API keys.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	// SafetyMargin is subtracted from a token's expiry when deciding whether
	// it can still be used.
	SafetyMargin = 60 * time.Second

	// DefaultFetchTimeout bounds a single client-credentials exchange.
	DefaultFetchTimeout = 30 * time.Second

	// defaultLifetime applies when the token endpoint omits expires_in.
	defaultLifetime = time.Hour

	// TenantPlaceholder in a token endpoint is replaced by the tenant id.
	TenantPlaceholder = "{tenant}"
)

// ServiceConfig describes one OAuth2-protected service.
type ServiceConfig struct {
	Name          string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	TenantID      string
	Scope         string
}

// Validate reports missing credentials as a NotConfigured error.
func (c ServiceConfig) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if c.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if c.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return errdefs.NotConfigured(c.Name, missing...)
	}
	return nil
}

// Configured reports whether every required credential is present.
func (c ServiceConfig) Configured() bool {
	return c.Validate() == nil
}

// TokenURL returns the token endpoint with the tenant substituted.
func (c ServiceConfig) TokenURL() string {
	return strings.ReplaceAll(c.TokenEndpoint, TenantPlaceholder, c.TenantID)
}

// ServiceToken is a cached access token and its absolute expiry.
type ServiceToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token may be used at now, i.e. now is strictly
// before ExpiresAt minus SafetyMargin.
func (t *ServiceToken) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-SafetyMargin))
}

// TokenCache holds the access token of one service and renews it on demand.
// Concurrent callers that find the token absent or expired share a single
// exchange. A failed exchange leaves the previous state untouched.
type TokenCache struct {
	config       ServiceConfig
	httpClient   *http.Client
	fetchTimeout time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	token *ServiceToken
	group singleflight.Group
}

// TokenCacheOption configures a TokenCache
type TokenCacheOption func(*TokenCache)

// WithHTTPClient sets the client used for the token exchange
func WithHTTPClient(client *http.Client) TokenCacheOption {
	return func(c *TokenCache) {
		c.httpClient = client
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout
func WithFetchTimeout(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

// NewTokenCache creates an empty cache for the given service
func NewTokenCache(config ServiceConfig, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		config:       config,
		httpClient:   http.DefaultClient,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the configured service name
func (c *TokenCache) Service() string {
	return c.config.Name
}

// Configured reports whether the service has all required credentials
func (c *TokenCache) Configured() bool {
	return c.config.Configured()
}

// Token returns a valid access token, fetching a new one when the cached
// token is absent or inside the safety margin. The exchange itself runs under
// its own fetch timeout; a caller whose ctx ends first stops waiting with a
// TimeoutError while the exchange may still complete for later callers.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if err := c.config.Validate(); err != nil {
		return "", err
	}

	if tok := c.cached(); tok.Valid(c.now()) {
		return tok.AccessToken, nil
	}

	ch := c.group.DoChan(c.config.Name, func() (any, error) {
		if tok := c.cached(); tok.Valid(c.now()) {
			return tok, nil
		}
		fresh, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = fresh
		c.mu.Unlock()
		return fresh, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*ServiceToken).AccessToken, nil
	case <-ctx.Done():
		return "", &errdefs.TimeoutError{Service: c.config.Name, Op: "token exchange", Err: ctx.Err()}
	}
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) cached() *ServiceToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *TokenCache) fetch(ctx context.Context) (*ServiceToken, error) {
	cc := clientcredentials.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		TokenURL:     c.config.TokenURL(),
		Scopes:       strings.Fields(c.config.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()
	fetchCtx = context.WithValue(fetchCtx, oauth2.HTTPClient, c.httpClient)

	issuedAt := c.now()
	tok, err := cc.Token(fetchCtx)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("service", c.config.Name).Warn("token exchange failed")
		return nil, c.classify(fetchCtx, err)
	}

	lifetime := defaultLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry)
	}

	logger.G(ctx).WithFields(map[string]any{
		"service":  c.config.Name,
		"lifetime": lifetime.Round(time.Second).String(),
	}).Debug("fetched service token")

	return &ServiceToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   issuedAt.Add(lifetime),
	}, nil
}

func (c *TokenCache) classify(ctx context.Context, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &errdefs.UpstreamError{
			Service:    c.config.Name,
			StatusCode: status,
			Body:       string(retrieveErr.Body),
		}
	}
	if ctx.Err() != nil {
		return &errdefs.TimeoutError{Service: c.config.Name, Op: "token exchange", Err: err}
	}
	return errdefs.FromTransport(c.config.Name, "token exchange", err)
}
