// Package integrations holds the per-service clients (directory, document
// storage, telephony, accounting, speech). Each is a thin layer over one generic
// httpclient.Client parameterized by its auth strategy.
package integrations

import (
	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
)

// Service names used in errors, logs and the health report
const (
	DirectoryService  = "microsoft_graph"
	StorageService    = "document_storage"
	TelephonyService  = "dialpad"
	AccountingService = "accounting"
	SpeechService     = "azure_speech"
)

// oauthClient builds a client that authenticates with a bearer token from
// a TokenCache dedicated to this service.
func oauthClient(name string, cfg config.ServiceConfig, opts ...httpclient.Option) (*httpclient.Client, *auth.TokenCache) {
	tokens := auth.NewTokenCache(auth.ServiceConfig{
		Name:          name,
		TokenEndpoint: cfg.TokenEndpoint,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		TenantID:      cfg.TenantID,
		Scope:         cfg.Scope,
	})
	base := []httpclient.Option{
		httpclient.WithBaseURL(cfg.BaseURL),
		httpclient.WithAuth(auth.Bearer{Source: tokens}),
		httpclient.WithTimeout(cfg.Timeout),
	}
	return httpclient.New(name, append(base, opts...)...), tokens
}

// keyClient builds a client that sends a static API key as a bearer header.
func keyClient(name string, cfg config.ServiceConfig, opts ...httpclient.Option) (*httpclient.Client, auth.StaticKey) {
	key := auth.BearerKey(name, cfg.APIKey)
	base := []httpclient.Option{
		httpclient.WithBaseURL(cfg.BaseURL),
		httpclient.WithAuth(key),
		httpclient.WithTimeout(cfg.Timeout),
	}
	return httpclient.New(name, append(base, opts...)...), key
}
