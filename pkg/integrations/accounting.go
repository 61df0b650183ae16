package integrations

import (
	"context"
	"net/http"
	"strings"

	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
)

// LineItem is one billed entry of an invoice
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Invoice is forwarded to the accounting backend as-is; totals are computed
// upstream.
type Invoice struct {
	CustomerID string     `json:"customerId"`
	Currency   string     `json:"currency,omitempty"`
	DueDate    string     `json:"dueDate,omitempty"`
	Memo       string     `json:"memo,omitempty"`
	Lines      []LineItem `json:"lines"`
}

// Validate checks the fields the backend requires
func (i Invoice) Validate() error {
	if strings.TrimSpace(i.CustomerID) == "" {
		return errdefs.Invalid("customerId", "is required")
	}
	if len(i.Lines) == 0 {
		return errdefs.Invalid("lines", "at least one line item is required")
	}
	for _, line := range i.Lines {
		if strings.TrimSpace(line.Description) == "" {
			return errdefs.Invalid("lines.description", "is required")
		}
		if line.Quantity <= 0 {
			return errdefs.Invalid("lines.quantity", "must be positive")
		}
	}
	return nil
}

// Accounting creates invoices in the accounting backend
type Accounting struct {
	client  *httpclient.Client
	tokens  *auth.TokenCache
	baseURL string
}

// NewAccounting creates an accounting client from its service settings
func NewAccounting(cfg config.ServiceConfig, opts ...httpclient.Option) *Accounting {
	client, tokens := oauthClient(AccountingService, cfg, opts...)
	return &Accounting{client: client, tokens: tokens, baseURL: cfg.BaseURL}
}

// Configured reports whether credentials and a base URL are present
func (a *Accounting) Configured() bool {
	return a.baseURL != "" && a.tokens.Configured()
}

// CreateInvoice posts a new invoice. Creation is not idempotent and is never
// retried.
func (a *Accounting) CreateInvoice(ctx context.Context, invoice Invoice) (map[string]any, error) {
	if a.baseURL == "" {
		return nil, errdefs.NotConfigured(AccountingService, "base_url")
	}
	if err := invoice.Validate(); err != nil {
		return nil, err
	}
	req, err := httpclient.JSONRequest(http.MethodPost, "/invoices", invoice)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Map(), nil
}
