package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
)

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) Token(context.Context) (string, error) {
	s.calls.Add(1)
	return "cached-token", nil
}

func TestExecute_SuccessDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.0/users", r.URL.Path)
		assert.Equal(t, "Bearer cached-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Static"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"displayName":"Sarah"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"42","displayName":"Sarah"}`))
	}))
	defer server.Close()

	source := &countingSource{}
	client := New("graph",
		WithBaseURL(server.URL+"/v1.0/"),
		WithAuth(auth.Bearer{Source: source}),
		WithHeader("X-Static", "yes"),
	)

	req, err := JSONRequest(http.MethodPost, "/users", map[string]string{"displayName": "Sarah"})
	require.NoError(t, err)

	resp, err := client.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "42", resp.Map()["id"])
	assert.Equal(t, int32(1), source.calls.Load())

	var decoded struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.Decode(&decoded))
	assert.Equal(t, "42", decoded.ID)
}

func TestExecute_EmptyBodyIsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	resp, err := New("graph").Execute(context.Background(), Request{Method: http.MethodPatch, URL: server.URL})
	require.NoError(t, err)
	assert.Empty(t, resp.Map())
	assert.NotNil(t, resp.Data)
}

func TestExecute_NonSuccessIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"Authorization_RequestDenied"}}`))
	}))
	defer server.Close()

	_, err := New("graph").Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)

	var upstream *errdefs.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusForbidden, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "Authorization_RequestDenied")
	assert.False(t, errdefs.IsRetryable(err))
}

func TestExecute_InvalidJSONIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	_, err := New("dialpad").Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)
	assert.True(t, errdefs.IsUpstream(err))
	assert.Contains(t, err.Error(), "invalid JSON response")
}

func TestExecute_TimeoutAgainstStalledEndpoint(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	_, err := New("llm").Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL, Timeout: time.Second})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err), "expected timeout, got %v", err)
	assert.False(t, errdefs.IsTransport(err))
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestExecute_ClientTimeoutDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	_, err := New("llm", WithTimeout(100*time.Millisecond)).Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	assert.True(t, errdefs.IsTimeout(err))
}

func TestExecute_InboundCancellationDoesNotAbortCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := New("graph").Execute(ctx, Request{Method: http.MethodGet, URL: server.URL, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Map()["ok"])
}

func TestExecute_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New("dialpad").Execute(context.Background(), Request{Method: http.MethodGet, URL: url, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err), "expected transport error, got %v", err)
	assert.True(t, errdefs.IsRetryable(err))
}

func TestExecute_NotConfiguredNeverReachesNetwork(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := New("dialpad", WithAuth(auth.BearerKey("dialpad", "")))
	_, err := client.Execute(context.Background(), Request{Method: http.MethodPost, URL: server.URL})

	assert.True(t, errdefs.IsNotConfigured(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestResolve(t *testing.T) {
	c := New("x", WithBaseURL("https://api.example.com/v2/"))
	assert.Equal(t, "https://api.example.com/v2/sms", c.resolve("/sms"))
	assert.Equal(t, "https://api.example.com/v2/call/1", c.resolve("call/1"))
	assert.Equal(t, "https://other.example.com/x", c.resolve("https://other.example.com/x"))
	assert.Equal(t, "/relative", New("y").resolve("/relative"))
}

// oauthServer serves a client-credentials token endpoint at /token and
// hands every other path to api.
func oauthServer(t *testing.T, tokenDelay <-chan struct{}, api http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	var issued atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			api(w, r)
			return
		}
		_ = r.ParseForm()
		if tokenDelay != nil {
			select {
			case <-tokenDelay:
			case <-r.Context().Done():
				return
			}
		}
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	return server, &issued
}

func graphTokens(server *httptest.Server) *auth.TokenCache {
	return auth.NewTokenCache(auth.ServiceConfig{
		Name:          "graph",
		TokenEndpoint: server.URL + "/token",
		ClientID:      "client",
		ClientSecret:  "secret",
		TenantID:      "contoso",
		Scope:         "https://graph.microsoft.com/.default",
	})
}

func TestExecute_StalledTokenEndpointHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	var apiHits atomic.Int32
	server, _ := oauthServer(t, release, func(w http.ResponseWriter, r *http.Request) {
		apiHits.Add(1)
	})
	defer server.Close()
	defer close(release)

	client := New("graph", WithAuth(auth.Bearer{Source: graphTokens(server)}))

	start := time.Now()
	_, err := client.Execute(context.Background(), Request{Method: http.MethodGet, URL: server.URL + "/users/1", Timeout: time.Second})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err), "expected timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int32(0), apiHits.Load())
}

func TestExecute_UnauthorizedDiscardsCachedToken(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	server, issued := oauthServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		first := len(seen) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"1"}`))
	})
	defer server.Close()

	client := New("graph", WithAuth(auth.Bearer{Source: graphTokens(server)}))
	req := Request{Method: http.MethodGet, URL: server.URL + "/users/1"}

	_, err := client.Execute(context.Background(), req)
	var upstream *errdefs.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)

	resp, err := client.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Map()["id"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, seen)
	assert.Equal(t, int32(2), issued.Load())
}
