// Package completion calls the LLM backend with an optional skill document as
// system instructions, and degrades to fallback text when the call fails.
package completion

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/skills"
)

const (
	// ServiceName identifies the LLM backend in errors and logs
	ServiceName = "llm"

	DefaultBaseURL          = "https://api.anthropic.com"
	DefaultModel            = "claude-sonnet-4-20250514"
	DefaultMaxTokens        = 1024
	DefaultTimeout          = 15 * time.Second
	DefaultMaxContextLength = 8000

	// APIVersion is sent as the anthropic-version header
	APIVersion = "2023-06-01"

	// TruncationMarker is appended to skill context cut at the size ceiling
	TruncationMarker = "\n\n[... skill content truncated ...]"

	// TimeoutReply is returned instead of an error when the backend times out
	TimeoutReply = "I'm sorry, the request timed out while waiting for the AI service. Please try again in a moment."

	// UnavailableReply is returned when the backend fails and no skill matched
	UnavailableReply = "I'm sorry, I couldn't process your request right now. Please try again later."

	fallbackExcerptLength = 1000
)

// Config holds the LLM backend settings
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	MaxTokens        int
	Timeout          time.Duration
	MaxContextLength int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxContextLength <= 0 {
		c.MaxContextLength = DefaultMaxContextLength
	}
	return c
}

// Turn is one prior message of a conversation
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call. Skill may be nil when nothing matched.
type Request struct {
	Skill     *skills.Skill
	Message   string
	History   []Turn
	MaxTokens int
}

// Gateway sends completion requests through a ResilientHttpClient
type Gateway struct {
	config Config
	client *httpclient.Client
}

// New creates a gateway. Extra options are applied to the underlying client
// after the defaults derived from config.
func New(config Config, opts ...httpclient.Option) *Gateway {
	config = config.withDefaults()
	clientOpts := []httpclient.Option{
		httpclient.WithBaseURL(config.BaseURL),
		httpclient.WithAuth(auth.HeaderKey(ServiceName, "x-api-key", config.APIKey)),
		httpclient.WithTimeout(config.Timeout),
		httpclient.WithHeader("anthropic-version", APIVersion),
	}
	return &Gateway{
		config: config,
		client: httpclient.New(ServiceName, append(clientOpts, opts...)...),
	}
}

// Configured reports whether an API key is present
func (g *Gateway) Configured() bool {
	return g.config.APIKey != ""
}

// Model returns the model name sent upstream
func (g *Gateway) Model() string {
	return g.config.Model
}

// Complete returns the model's reply to req.Message.
//
// A missing API key is reported as a NotConfigured error before any network
// attempt. Every other failure is absorbed: a timeout yields TimeoutReply,
// anything else yields an excerpt of the matched skill or UnavailableReply.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, error) {
	if !g.Configured() {
		return "", errdefs.NotConfigured(ServiceName, "api_key")
	}

	body, err := g.buildParams(req).MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, "failed to encode completion request")
	}

	resp, err := g.client.Execute(ctx, httpclient.Request{
		Method:      http.MethodPost,
		URL:         "/v1/messages",
		Body:        body,
		ContentType: "application/json",
		Timeout:     g.config.Timeout,
	})
	if err != nil {
		log := logger.G(ctx).WithError(err)
		if req.Skill != nil {
			log = log.WithField("skill", req.Skill.Name)
		}
		if errdefs.IsTimeout(err) {
			log.Warn("completion timed out, returning fallback reply")
			return TimeoutReply, nil
		}
		log.Warn("completion failed, returning fallback reply")
		return Fallback(req.Skill), nil
	}

	return firstText(resp), nil
}

func (g *Gateway) buildParams(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.config.MaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.config.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.Skill != nil {
		params.System = []anthropic.TextBlockParam{
			{Text: SkillContext(req.Skill.Content, g.config.MaxContextLength)},
		}
	}
	return params
}

// SkillContext returns content unchanged when it fits within limit runes,
// otherwise the first limit runes followed by TruncationMarker.
func SkillContext(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + TruncationMarker
}

// Fallback is the degraded reply used when the backend fails for reasons
// other than a timeout.
func Fallback(skill *skills.Skill) string {
	if skill == nil {
		return UnavailableReply
	}
	excerpt := strings.TrimSpace(skill.Content)
	if runes := []rune(excerpt); len(runes) > fallbackExcerptLength {
		excerpt = strings.TrimSpace(string(runes[:fallbackExcerptLength])) + "..."
	}
	return skill.Title + "\n\n" + excerpt
}

func firstText(resp *httpclient.Response) string {
	var message anthropic.Message
	if err := resp.Decode(&message); err != nil {
		return ""
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text)
		}
	}
	return ""
}
