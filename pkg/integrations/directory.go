package integrations

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
)

// Directory reads and updates user records in Microsoft Graph
type Directory struct {
	client  *httpclient.Client
	tokens  *auth.TokenCache
	baseURL string
	retry   httpclient.RetryPolicy
}

// NewDirectory creates a directory client from the graph service settings
func NewDirectory(cfg config.ServiceConfig, opts ...httpclient.Option) *Directory {
	client, tokens := oauthClient(DirectoryService, cfg, opts...)
	return &Directory{
		client:  client,
		tokens:  tokens,
		baseURL: cfg.BaseURL,
		retry:   httpclient.DefaultRetryPolicy,
	}
}

// Configured reports whether credentials and a base URL are present
func (d *Directory) Configured() bool {
	return d.baseURL != "" && d.tokens.Configured()
}

// GetUser fetches a user by id or user principal name. Reads are retried on
// transient failures.
func (d *Directory) GetUser(ctx context.Context, id string) (map[string]any, error) {
	if err := d.check(id); err != nil {
		return nil, err
	}
	return httpclient.Retry(ctx, d.retry, func(ctx context.Context) (map[string]any, error) {
		resp, err := d.client.Execute(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    "/users/" + url.PathEscape(id),
		})
		if err != nil {
			return nil, err
		}
		return resp.Map(), nil
	})
}

// UpdateUser patches the given fields on a user. It is not retried.
func (d *Directory) UpdateUser(ctx context.Context, id string, fields map[string]any) error {
	if err := d.check(id); err != nil {
		return err
	}
	if len(fields) == 0 {
		return errdefs.Invalid("fields", "at least one field is required")
	}
	req, err := httpclient.JSONRequest(http.MethodPatch, "/users/"+url.PathEscape(id), fields)
	if err != nil {
		return err
	}
	_, err = d.client.Execute(ctx, req)
	return err
}

func (d *Directory) check(id string) error {
	if d.baseURL == "" {
		return errdefs.NotConfigured(DirectoryService, "base_url")
	}
	if strings.TrimSpace(id) == "" {
		return errdefs.Invalid("id", "is required")
	}
	return nil
}
