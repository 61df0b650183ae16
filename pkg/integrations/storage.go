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

const defaultContentType = "application/octet-stream"

// DocumentStore uploads client documents to a drive, one folder per client
type DocumentStore struct {
	client  *httpclient.Client
	tokens  *auth.TokenCache
	baseURL string
	folder  string
}

// NewDocumentStore creates a store from the storage service settings
func NewDocumentStore(cfg config.ServiceConfig, opts ...httpclient.Option) *DocumentStore {
	client, tokens := oauthClient(StorageService, cfg, opts...)
	return &DocumentStore{
		client:  client,
		tokens:  tokens,
		baseURL: cfg.BaseURL,
		folder:  strings.Trim(cfg.Folder, "/"),
	}
}

// Configured reports whether credentials and a base URL are present
func (s *DocumentStore) Configured() bool {
	return s.baseURL != "" && s.tokens.Configured()
}

// Upload stores content as <folder>/<clientID>/<filename> and returns the
// drive item metadata. Uploads are not retried.
func (s *DocumentStore) Upload(ctx context.Context, clientID, filename string, content []byte, contentType string) (map[string]any, error) {
	if s.baseURL == "" {
		return nil, errdefs.NotConfigured(StorageService, "base_url")
	}
	if err := validSegment("client", clientID); err != nil {
		return nil, err
	}
	if err := validSegment("filename", filename); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	resp, err := s.client.Execute(ctx, httpclient.Request{
		Method:      http.MethodPut,
		URL:         s.itemPath(clientID, filename),
		Body:        content,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}
	return resp.Map(), nil
}

func (s *DocumentStore) itemPath(clientID, filename string) string {
	parts := make([]string, 0, 3)
	if s.folder != "" {
		for _, p := range strings.Split(s.folder, "/") {
			parts = append(parts, url.PathEscape(p))
		}
	}
	parts = append(parts, url.PathEscape(clientID), url.PathEscape(filename))
	return "/root:/" + strings.Join(parts, "/") + ":/content"
}

func validSegment(field, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return errdefs.Invalid(field, "is required")
	case value == "." || value == "..":
		return errdefs.Invalid(field, "must not be a relative path element")
	case strings.ContainsAny(value, `/\:`):
		return errdefs.Invalid(field, "must not contain path separators")
	}
	return nil
}
