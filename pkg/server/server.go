// Package server exposes the gateway over HTTP: chat, skill inspection,
// health and configuration views, and the integration endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/trifecta-ai/trifecta/pkg/agent"
	"github.com/trifecta-ai/trifecta/pkg/integrations"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/presenter"
	"github.com/trifecta-ai/trifecta/pkg/skills"
)

const (
	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-ID"

	maxJSONBodyBytes     = 1 << 20
	maxDocumentBodyBytes = 25 << 20
	maxAudioBodyBytes    = 10 << 20
	shutdownTimeout      = 30 * time.Second
)

// SkillStore is the part of skills.Store the server uses
type SkillStore interface {
	List() []*skills.Skill
	Get(name string) (*skills.Skill, error)
	Reload(ctx context.Context) error
	Dir() string
}

// ChatHandler answers chat messages
type ChatHandler interface {
	Handle(ctx context.Context, msg agent.Message) (*agent.Reply, error)
}

// Checker reports whether a dependency has the credentials it needs
type Checker interface {
	Configured() bool
}

type Directory interface {
	Checker
	GetUser(ctx context.Context, id string) (map[string]any, error)
	UpdateUser(ctx context.Context, id string, fields map[string]any) error
}

type Documents interface {
	Checker
	Upload(ctx context.Context, clientID, filename string, content []byte, contentType string) (map[string]any, error)
}

type Telephony interface {
	Checker
	SendSMS(ctx context.Context, sms integrations.SMS) (map[string]any, error)
	GetCall(ctx context.Context, callID string) (map[string]any, error)
}

type Accounting interface {
	Checker
	CreateInvoice(ctx context.Context, invoice integrations.Invoice) (map[string]any, error)
}

type Speech interface {
	Checker
	Recognize(ctx context.Context, audio []byte, contentType, language string) (*integrations.Recognition, error)
}

// SignatureVerifier authenticates inbound webhooks. Verify must return an
// error for a missing or invalid signature.
type SignatureVerifier interface {
	Verify(r *http.Request, body []byte) error
}

// Dependencies are the collaborators behind the routes. Nil integrations are
// reported as not configured.
type Dependencies struct {
	Skills     SkillStore
	Chat       ChatHandler
	LLM        Checker
	Directory  Directory
	Documents  Documents
	Telephony  Telephony
	Accounting Accounting
	Speech     Speech
	Webhooks   SignatureVerifier

	// Settings is the non-secret configuration shown by /api/config
	Settings map[string]any
}

// Config holds the configuration for the HTTP server
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	Version     string
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Server is the HTTP API
type Server struct {
	router *mux.Router
	config *Config
	deps   Dependencies
	server *http.Server
	now    func() time.Time
}

// New creates a server and registers its routes
func New(config *Config, deps Dependencies) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	if deps.Skills == nil || deps.Chat == nil {
		return nil, errors.New("skills and chat dependencies are required")
	}

	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		now:    time.Now,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler, including middleware
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// API routes live on the root router so unmatched methods reach
	// MethodNotAllowedHandler.
	s.router.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agent/message", s.handleAgentMessage).Methods(http.MethodPost)

	s.router.HandleFunc("/api/skills", s.handleListSkills).Methods(http.MethodGet)
	s.router.HandleFunc("/api/skills/reload", s.handleReloadSkills).Methods(http.MethodPost)
	s.router.HandleFunc("/api/skills/{name}", s.handleGetSkill).Methods(http.MethodGet)

	s.router.HandleFunc("/api/directory/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	s.router.HandleFunc("/api/directory/users/{id}", s.handleUpdateUser).Methods(http.MethodPatch)
	s.router.HandleFunc("/api/documents/{client}/{filename}", s.handleUploadDocument).Methods(http.MethodPut)
	s.router.HandleFunc("/api/telephony/sms", s.handleSendSMS).Methods(http.MethodPost)
	s.router.HandleFunc("/api/telephony/calls/{id}", s.handleGetCall).Methods(http.MethodGet)
	s.router.HandleFunc("/api/financial/invoices", s.handleCreateInvoice).Methods(http.MethodPost)
	s.router.HandleFunc("/api/speech/recognize", s.handleRecognizeSpeech).Methods(http.MethodPost)
	s.router.HandleFunc("/api/webhooks/telephony/call-ended", s.handleCallEnded).Methods(http.MethodPost)

	s.router.NotFoundHandler = s.withMiddleware(http.HandlerFunc(s.handleNotFound))
	s.router.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(s.handleMethodNotAllowed))

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
}

// withMiddleware applies the router middleware to handlers mux calls
// without running its middleware chain.
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	return s.requestIDMiddleware(s.loggingMiddleware(s.corsMiddleware(h)))
}

// requestIDMiddleware tags the request context logger with a request id
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := logger.WithFields(r.Context(), logrus.Fields{"request_id": id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers for the configured origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
			w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Starting trifecta on http://%s", address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.G(ctx).Info("shutting down http server")
	return s.server.Shutdown(shutdownCtx)
}

// Stop closes the server immediately
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
