package integrations

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
)

var fastRetry = httpclient.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// fakeBackend serves a client-credentials token endpoint under /token and
// delegates everything else to api.
type fakeBackend struct {
	*httptest.Server
	tokenHits atomic.Int32
	apiHits   atomic.Int32
}

func newFakeBackend(t *testing.T, api http.HandlerFunc) *fakeBackend {
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/contoso/token" {
			fb.tokenHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"graph-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		fb.apiHits.Add(1)
		api(w, r)
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) oauthConfig() config.ServiceConfig {
	return config.ServiceConfig{
		ClientID:      "client",
		ClientSecret:  "secret",
		TenantID:      "contoso",
		TokenEndpoint: fb.URL + "/{tenant}/token",
		Scope:         "https://graph.microsoft.com/.default",
		BaseURL:       fb.URL + "/v1.0",
		Folder:        "Clients",
		Timeout:       time.Second,
	}
}

func TestDirectory_GetUserRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1.0/users/sarah@contoso.com", r.URL.Path)
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1","displayName":"Sarah Johnson"}`))
	})

	dir := NewDirectory(fb.oauthConfig())
	dir.retry = fastRetry
	require.True(t, dir.Configured())

	user, err := dir.GetUser(context.Background(), "sarah@contoso.com")
	require.NoError(t, err)
	assert.Equal(t, "Sarah Johnson", user["displayName"])
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), fb.tokenHits.Load())
}

func TestDirectory_UpdateUserIsNotRetried(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"jobTitle":"Coach"}`, string(body))
		w.WriteHeader(http.StatusBadGateway)
	})

	dir := NewDirectory(fb.oauthConfig())
	err := dir.UpdateUser(context.Background(), "1", map[string]any{"jobTitle": "Coach"})

	var upstream *errdefs.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, int32(1), fb.apiHits.Load())
}

func TestDirectory_Validation(t *testing.T) {
	fb := newFakeBackend(t, func(http.ResponseWriter, *http.Request) {})
	dir := NewDirectory(fb.oauthConfig())

	_, err := dir.GetUser(context.Background(), " ")
	assert.True(t, errdefs.IsValidation(err))

	err = dir.UpdateUser(context.Background(), "1", nil)
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, int32(0), fb.apiHits.Load())
}

func TestDirectory_NotConfigured(t *testing.T) {
	fb := newFakeBackend(t, func(http.ResponseWriter, *http.Request) {})
	cfg := fb.oauthConfig()
	cfg.ClientSecret = ""

	dir := NewDirectory(cfg)
	assert.False(t, dir.Configured())

	_, err := dir.GetUser(context.Background(), "1")
	assert.True(t, errdefs.IsNotConfigured(err))
	assert.Equal(t, int32(0), fb.tokenHits.Load())
	assert.Equal(t, int32(0), fb.apiHits.Load())
}

func TestDocumentStore_Upload(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1.0/root:/Clients/Sarah Johnson/intake form.pdf:/content", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-1.7", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"item-1","name":"intake form.pdf"}`))
	})

	store := NewDocumentStore(fb.oauthConfig())
	item, err := store.Upload(context.Background(), "Sarah Johnson", "intake form.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "item-1", item["id"])
}

func TestDocumentStore_RejectsPathTraversal(t *testing.T) {
	fb := newFakeBackend(t, func(http.ResponseWriter, *http.Request) {})
	store := NewDocumentStore(fb.oauthConfig())

	for _, tc := range []struct{ client, file string }{
		{"..", "a.txt"},
		{"acme", "../a.txt"},
		{"acme/other", "a.txt"},
		{"", "a.txt"},
		{"acme", ""},
	} {
		_, err := store.Upload(context.Background(), tc.client, tc.file, []byte("x"), "")
		assert.True(t, errdefs.IsValidation(err), "client=%q file=%q", tc.client, tc.file)
	}
	assert.Equal(t, int32(0), fb.apiHits.Load())
}

func TestDocumentStore_TimeoutPropagates(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})
	cfg := fb.oauthConfig()
	cfg.Timeout = 100 * time.Millisecond

	store := NewDocumentStore(cfg)
	_, err := store.Upload(context.Background(), "acme", "a.txt", []byte("x"), "text/plain")
	assert.True(t, errdefs.IsTimeout(err))
}

func TestTelephony_SendSMS(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v2/sms", r.URL.Path)
		assert.Equal(t, "Bearer dp-key", r.Header.Get("Authorization"))

		var sms SMS
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&sms))
		assert.Equal(t, []string{"+15550100"}, sms.To)
		assert.Equal(t, "See you at 10", sms.Text)
		_, _ = w.Write([]byte(`{"id":"sms-1","message_status":"pending"}`))
	}))
	defer server.Close()

	tel := NewTelephony(config.ServiceConfig{APIKey: "dp-key", BaseURL: server.URL + "/api/v2", Timeout: time.Second})
	require.True(t, tel.Configured())

	out, err := tel.SendSMS(context.Background(), SMS{To: []string{"+15550100"}, Text: "See you at 10"})
	require.NoError(t, err)
	assert.Equal(t, "sms-1", out["id"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelephony_SendSMSNeverRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tel := NewTelephony(config.ServiceConfig{APIKey: "dp-key", BaseURL: server.URL})
	_, err := tel.SendSMS(context.Background(), SMS{To: []string{"+15550100"}, Text: "hi"})

	assert.True(t, errdefs.IsUpstream(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTelephony_GetCallRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call/42", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"call_id":"42","state":"hangup"}`))
	}))
	defer server.Close()

	tel := NewTelephony(config.ServiceConfig{APIKey: "dp-key", BaseURL: server.URL})
	tel.retry = fastRetry

	call, err := tel.GetCall(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "hangup", call["state"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestTelephony_NotConfigured(t *testing.T) {
	tel := NewTelephony(config.ServiceConfig{BaseURL: "http://127.0.0.1:1"})
	assert.False(t, tel.Configured())

	_, err := tel.SendSMS(context.Background(), SMS{To: []string{"+1"}, Text: "hi"})
	assert.True(t, errdefs.IsNotConfigured(err))
}

func TestAccounting_CreateInvoice(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1.0/invoices", r.URL.Path)
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))

		var inv Invoice
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inv))
		assert.Equal(t, "cust-7", inv.CustomerID)
		assert.Len(t, inv.Lines, 1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"invoiceId":"INV-100"}`))
	})

	acct := NewAccounting(fb.oauthConfig())
	out, err := acct.CreateInvoice(context.Background(), Invoice{
		CustomerID: "cust-7",
		Lines:      []LineItem{{Description: "Coaching session", Quantity: 2, UnitPrice: 150}},
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-100", out["invoiceId"])
}

func TestAccounting_Validation(t *testing.T) {
	tests := []struct {
		name    string
		invoice Invoice
		field   string
	}{
		{name: "customer", invoice: Invoice{Lines: []LineItem{{Description: "x", Quantity: 1}}}, field: "customerId"},
		{name: "no lines", invoice: Invoice{CustomerID: "c"}, field: "lines"},
		{name: "quantity", invoice: Invoice{CustomerID: "c", Lines: []LineItem{{Description: "x"}}}, field: "lines.quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.invoice.Validate()
			var verr *errdefs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestAccounting_NotConfiguredWithoutBaseURL(t *testing.T) {
	acct := NewAccounting(config.ServiceConfig{ClientID: "a", ClientSecret: "b", TenantID: "c", TokenEndpoint: "http://x"})
	assert.False(t, acct.Configured())

	_, err := acct.CreateInvoice(context.Background(), Invoice{CustomerID: "c", Lines: []LineItem{{Description: "x", Quantity: 1}}})
	assert.True(t, errdefs.IsNotConfigured(err))
}

func TestSpeech_Recognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/speech/recognition/conversation/cognitiveservices/v1", r.URL.Path)
		assert.Equal(t, "fr-FR", r.URL.Query().Get("language"))
		assert.Equal(t, "simple", r.URL.Query().Get("format"))
		assert.Equal(t, "speech-key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, DefaultAudioContentType, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF-audio", string(body))

		_, _ = w.Write([]byte(`{"RecognitionStatus":"Success","DisplayText":"Bonjour.","Offset":100,"Duration":5000}`))
	}))
	defer server.Close()

	speech := NewSpeech(config.ServiceConfig{APIKey: "speech-key", BaseURL: server.URL, Language: "en-US", Timeout: time.Second})
	require.True(t, speech.Configured())

	result, err := speech.Recognize(context.Background(), []byte("RIFF-audio"), "", "fr-FR")
	require.NoError(t, err)
	assert.True(t, result.Recognized())
	assert.Equal(t, "Bonjour.", result.Text)
	assert.Equal(t, "fr-FR", result.Language)
	assert.Equal(t, int64(5000), result.Duration)
}

func TestSpeech_NoMatchIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		_, _ = w.Write([]byte(`{"RecognitionStatus":"NoMatch"}`))
	}))
	defer server.Close()

	speech := NewSpeech(config.ServiceConfig{APIKey: "speech-key", BaseURL: server.URL})
	result, err := speech.Recognize(context.Background(), []byte("silence"), "audio/wav", "")
	require.NoError(t, err)
	assert.False(t, result.Recognized())
	assert.Equal(t, "NoMatch", result.Status)
}

func TestSpeech_ErrorStatusIsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"RecognitionStatus":"Error"}`))
	}))
	defer server.Close()

	speech := NewSpeech(config.ServiceConfig{APIKey: "speech-key", BaseURL: server.URL})
	_, err := speech.Recognize(context.Background(), []byte("audio"), "audio/wav", "")
	assert.True(t, errdefs.IsUpstream(err))
}

func TestSpeech_NotConfigured(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	noKey := NewSpeech(config.ServiceConfig{BaseURL: server.URL})
	assert.False(t, noKey.Configured())
	_, err := noKey.Recognize(context.Background(), []byte("audio"), "", "")
	assert.True(t, errdefs.IsNotConfigured(err))

	noRegion := NewSpeech(config.ServiceConfig{APIKey: "speech-key"})
	assert.False(t, noRegion.Configured())
	_, err = noRegion.Recognize(context.Background(), []byte("audio"), "", "")
	assert.True(t, errdefs.IsNotConfigured(err))

	assert.Equal(t, int32(0), hits.Load())
}

func TestSpeech_RegionDerivesEndpoint(t *testing.T) {
	speech := NewSpeech(config.ServiceConfig{APIKey: "speech-key", Region: "westeurope"})
	assert.True(t, speech.Configured())
	assert.Equal(t, "https://westeurope.stt.speech.microsoft.com", speech.baseURL)

	_, err := speech.Recognize(context.Background(), nil, "", "")
	assert.True(t, errdefs.IsValidation(err))
}
