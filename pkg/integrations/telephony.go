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

// SMS is an outbound text message
type SMS struct {
	To           []string `json:"to_numbers"`
	Text         string   `json:"text"`
	FromNumber   string   `json:"from_number,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	InferCountry bool     `json:"infer_country_code,omitempty"`
}

// Telephony talks to the Dialpad API with a static key
type Telephony struct {
	client  *httpclient.Client
	key     auth.StaticKey
	baseURL string
	retry   httpclient.RetryPolicy
}

// NewTelephony creates a telephony client from the dialpad service settings
func NewTelephony(cfg config.ServiceConfig, opts ...httpclient.Option) *Telephony {
	client, key := keyClient(TelephonyService, cfg, opts...)
	return &Telephony{
		client:  client,
		key:     key,
		baseURL: cfg.BaseURL,
		retry:   httpclient.DefaultRetryPolicy,
	}
}

// Configured reports whether an API key and a base URL are present
func (t *Telephony) Configured() bool {
	return t.baseURL != "" && t.key.Configured()
}

// SendSMS sends a text message. Sends are never retried.
func (t *Telephony) SendSMS(ctx context.Context, sms SMS) (map[string]any, error) {
	if t.baseURL == "" {
		return nil, errdefs.NotConfigured(TelephonyService, "base_url")
	}
	if len(sms.To) == 0 {
		return nil, errdefs.Invalid("to_numbers", "at least one recipient is required")
	}
	if strings.TrimSpace(sms.Text) == "" {
		return nil, errdefs.Invalid("text", "is required")
	}

	req, err := httpclient.JSONRequest(http.MethodPost, "/sms", sms)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Map(), nil
}

// GetCall fetches call details, retrying transient failures
func (t *Telephony) GetCall(ctx context.Context, callID string) (map[string]any, error) {
	if t.baseURL == "" {
		return nil, errdefs.NotConfigured(TelephonyService, "base_url")
	}
	if strings.TrimSpace(callID) == "" {
		return nil, errdefs.Invalid("call_id", "is required")
	}
	return httpclient.Retry(ctx, t.retry, func(ctx context.Context) (map[string]any, error) {
		resp, err := t.client.Execute(ctx, httpclient.Request{
			Method: http.MethodGet,
			URL:    "/call/" + url.PathEscape(callID),
		})
		if err != nil {
			return nil, err
		}
		return resp.Map(), nil
	})
}
