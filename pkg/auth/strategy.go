package auth

import (
	"context"
	"net/http"

	"github.com/trifecta-ai/trifecta/pkg/errdefs"
)

// Authenticator attaches credentials to an outbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// TokenSource yields bearer tokens; *TokenCache implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Resetter is implemented by authenticators holding credentials that can be
// discarded after the upstream rejects them.
type Resetter interface {
	Reset()
}

// Bearer sends "Authorization: Bearer <token>" using a token source.
type Bearer struct {
	Source TokenSource
}

// Authenticate implements Authenticator
func (b Bearer) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := b.Source.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Reset drops the cached token when the source supports it.
func (b Bearer) Reset() {
	if inv, ok := b.Source.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
}

// StaticKey sends a fixed API key in a header, optionally with a prefix such
// as "Bearer ".
type StaticKey struct {
	Service string
	Header  string
	Prefix  string
	Key     string
}

// BearerKey is a StaticKey sent as "Authorization: Bearer <key>".
func BearerKey(service, key string) StaticKey {
	return StaticKey{Service: service, Header: "Authorization", Prefix: "Bearer ", Key: key}
}

// HeaderKey is a StaticKey sent verbatim in the named header.
func HeaderKey(service, header, key string) StaticKey {
	return StaticKey{Service: service, Header: header, Key: key}
}

// Authenticate implements Authenticator
func (k StaticKey) Authenticate(_ context.Context, req *http.Request) error {
	if k.Key == "" {
		return errdefs.NotConfigured(k.Service, "api_key")
	}
	req.Header.Set(k.Header, k.Prefix+k.Key)
	return nil
}

// Configured reports whether a key is present
func (k StaticKey) Configured() bool {
	return k.Key != ""
}

// None attaches nothing.
type None struct{}

// Authenticate implements Authenticator
func (None) Authenticate(context.Context, *http.Request) error { return nil }
