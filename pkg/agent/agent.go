// Package agent answers chat messages: it picks the best skill for the
// message and asks the completion gateway for a reply with that skill as
// context.
package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/trifecta-ai/trifecta/pkg/completion"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/skills"
)

const (
	DefaultMaxMessageLength = 4000
	DefaultMaxHistory       = 20
)

// SkillLister is the read side of skills.Store
type SkillLister interface {
	List() []*skills.Skill
}

// Completer is the completion gateway contract
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Message is an inbound chat request
type Message struct {
	Message   string            `json:"message"`
	History   []completion.Turn `json:"history,omitempty"`
	MaxTokens int               `json:"maxTokens,omitempty"`
}

// Reply is the chat response. MatchedSkill and SkillTitle are nil when no
// skill was selected.
type Reply struct {
	Reply        string  `json:"reply"`
	MatchedSkill *string `json:"matchedSkill"`
	SkillTitle   *string `json:"skillTitle"`
	Score        int     `json:"score"`
}

// Service handles chat messages
type Service struct {
	skills           SkillLister
	completer        Completer
	maxMessageLength int
	maxHistory       int
}

// Option configures a Service
type Option func(*Service)

// WithMaxMessageLength bounds the message length in characters
func WithMaxMessageLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxMessageLength = n
		}
	}
}

// WithMaxHistory bounds the number of prior turns accepted
func WithMaxHistory(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxHistory = n
		}
	}
}

// NewService creates a chat service
func NewService(lister SkillLister, completer Completer, opts ...Option) *Service {
	s := &Service{
		skills:           lister,
		completer:        completer,
		maxMessageLength: DefaultMaxMessageLength,
		maxHistory:       DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate rejects malformed messages with a ValidationError
func (s *Service) Validate(msg Message) error {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return errdefs.Invalid("message", "is required")
	}
	if utf8.RuneCountInString(text) > s.maxMessageLength {
		return errdefs.Invalid("message", "exceeds the maximum length")
	}
	if len(msg.History) > s.maxHistory {
		return errdefs.Invalid("history", "has too many turns")
	}
	for _, turn := range msg.History {
		if turn.Role != "user" && turn.Role != "assistant" {
			return errdefs.Invalid("history.role", "must be user or assistant")
		}
		if strings.TrimSpace(turn.Content) == "" {
			return errdefs.Invalid("history.content", "is required")
		}
	}
	if msg.MaxTokens < 0 {
		return errdefs.Invalid("maxTokens", "must not be negative")
	}
	return nil
}

// Handle validates msg, matches it against the loaded skills and returns the
// gateway's reply. Only validation and configuration errors are returned;
// backend failures already degrade to fallback text in the gateway.
func (s *Service) Handle(ctx context.Context, msg Message) (*Reply, error) {
	if err := s.Validate(msg); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(msg.Message)

	result := skills.Match(text, s.skills.List())
	log := logger.G(ctx).WithField("score", result.Score)
	if result.Matched() {
		log = log.WithField("skill", result.Skill.Name)
	}
	log.Debug("matched chat message")

	answer, err := s.completer.Complete(ctx, completion.Request{
		Skill:     result.Skill,
		Message:   text,
		History:   msg.History,
		MaxTokens: msg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	reply := &Reply{Reply: answer, Score: result.Score}
	if result.Matched() {
		name, title := result.Skill.Name, result.Skill.Title
		reply.MatchedSkill = &name
		reply.SkillTitle = &title
	}
	return reply, nil
}
