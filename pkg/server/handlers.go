package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/trifecta-ai/trifecta/pkg/agent"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/integrations"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/skills"
)

const serviceName = "Trifecta AI Agent"

// SkillSummary is a skill without its content
type SkillSummary struct {
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Size     int      `json:"size"`
}

// SkillDetail is a skill including its content
type SkillDetail struct {
	SkillSummary
	Content string `json:"content"`
}

func summarize(skill *skills.Skill) SkillSummary {
	keywords := skill.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return SkillSummary{
		Name:     skill.Name,
		Title:    skill.Title,
		Keywords: keywords,
		Size:     skill.Size(),
	}
}

// handleHome handles GET /
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "running",
		"service":   serviceName,
		"version":   s.config.Version,
		"timestamp": s.timestamp(),
		"message":   "Welcome to Trifecta AI Agent API",
	})
}

func (s *Server) dependencyStatus() map[string]bool {
	return map[string]bool{
		"llm":                          configured(s.deps.LLM),
		integrations.DirectoryService:  configured(s.deps.Directory),
		integrations.StorageService:    configured(s.deps.Documents),
		integrations.TelephonyService:  configured(s.deps.Telephony),
		integrations.AccountingService: configured(s.deps.Accounting),
		integrations.SpeechService:     configured(s.deps.Speech),
	}
}

func configured(c Checker) bool {
	return c != nil && c.Configured()
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.dependencyStatus()
	healthy := true
	for _, ok := range services {
		healthy = healthy && ok
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSONResponse(w, code, map[string]any{
		"status":    status,
		"services":  services,
		"skills":    len(s.deps.Skills.List()),
		"timestamp": s.timestamp(),
	})
}

// handleConfig handles GET /api/config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]any)
	for name, ok := range s.dependencyStatus() {
		services[name] = map[string]any{"configured": ok}
	}

	settings := s.deps.Settings
	if settings == nil {
		settings = map[string]any{}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"services": services,
		"skills": map[string]any{
			"dir":   s.deps.Skills.Dir(),
			"count": len(s.deps.Skills.List()),
		},
		"settings":  settings,
		"version":   s.config.Version,
		"timestamp": s.timestamp(),
	})
}

// handleAgentMessage handles POST /api/agent/message
func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var msg agent.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		s.writeError(w, r, err)
		return
	}

	reply, err := s.deps.Chat.Handle(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, reply)
}

// handleListSkills handles GET /api/skills
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Skills.List()
	out := make([]SkillSummary, 0, len(list))
	for _, skill := range list {
		out = append(out, summarize(skill))
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"skills": out,
		"count":  len(out),
	})
}

// handleGetSkill handles GET /api/skills/{name}
func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !skills.ValidName(name) {
		s.writeErrorResponse(w, r, http.StatusNotFound, "skill not found")
		return
	}

	skill, err := s.deps.Skills.Get(name)
	if err != nil {
		if errors.Is(err, skills.ErrNotFound) {
			s.writeErrorResponse(w, r, http.StatusNotFound, "skill not found")
			return
		}
		s.writeError(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, SkillDetail{
		SkillSummary: summarize(skill),
		Content:      skill.Content,
	})
}

// handleReloadSkills handles POST /api/skills/reload
func (s *Server) handleReloadSkills(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Skills.Reload(r.Context()); err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to reload skills"))
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"count":  len(s.deps.Skills.List()),
	})
}

// handleGetUser handles GET /api/directory/users/{id}
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Directory == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.DirectoryService))
		return
	}
	user, err := s.deps.Directory.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, user)
}

// handleUpdateUser handles PATCH /api/directory/users/{id}
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Directory == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.DirectoryService))
		return
	}
	var fields map[string]any
	if err := decodeJSON(w, r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Directory.UpdateUser(r.Context(), mux.Vars(r)["id"], fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadDocument handles PUT /api/documents/{client}/{filename}
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.StorageService))
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBodyBytes))
	if err != nil {
		s.writeError(w, r, errdefs.Invalid("body", "could not be read or is too large"))
		return
	}
	if len(content) == 0 {
		s.writeError(w, r, errdefs.Invalid("body", "document content is required"))
		return
	}

	vars := mux.Vars(r)
	item, err := s.deps.Documents.Upload(r.Context(), vars["client"], vars["filename"], content, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, item)
}

// handleRecognizeSpeech handles POST /api/speech/recognize. The body is the
// raw audio; ?language= overrides the configured language.
func (s *Server) handleRecognizeSpeech(w http.ResponseWriter, r *http.Request) {
	if !configured(s.deps.Speech) {
		s.writeError(w, r, errdefs.NotConfigured(integrations.SpeechService))
		return
	}
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBodyBytes))
	if err != nil {
		s.writeError(w, r, errdefs.Invalid("body", "could not be read or is too large"))
		return
	}
	if len(audio) == 0 {
		s.writeError(w, r, errdefs.Invalid("body", "audio content is required"))
		return
	}

	result, err := s.deps.Speech.Recognize(r.Context(), audio, r.Header.Get("Content-Type"), r.URL.Query().Get("language"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, result)
}

// handleSendSMS handles POST /api/telephony/sms
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telephony == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.TelephonyService))
		return
	}
	var sms integrations.SMS
	if err := decodeJSON(w, r, &sms); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Telephony.SendSMS(r.Context(), sms)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, out)
}

// handleGetCall handles GET /api/telephony/calls/{id}
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telephony == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.TelephonyService))
		return
	}
	call, err := s.deps.Telephony.GetCall(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, call)
}

// handleCreateInvoice handles POST /api/financial/invoices
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounting == nil {
		s.writeError(w, r, errdefs.NotConfigured(integrations.AccountingService))
		return
	}
	var invoice integrations.Invoice
	if err := decodeJSON(w, r, &invoice); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Accounting.CreateInvoice(r.Context(), invoice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, out)
}

// callEndedEvent is the subset of the telephony call-ended payload we read
type callEndedEvent struct {
	CallID   json.RawMessage `json:"call_id"`
	State    string          `json:"state"`
	Duration float64         `json:"duration"`
}

// ID returns the call id whether it was sent as a number or a string
func (e callEndedEvent) ID() string {
	return strings.Trim(string(e.CallID), `"`)
}

// handleCallEnded handles POST /api/webhooks/telephony/call-ended. Nothing
// in the payload is trusted before the verifier accepts it.
func (s *Server) handleCallEnded(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errdefs.NotConfigured("webhook_verifier"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		s.writeError(w, r, errdefs.Invalid("body", "could not be read or is too large"))
		return
	}

	if err := s.deps.Webhooks.Verify(r, body); err != nil {
		logger.G(r.Context()).WithError(err).Warn("rejected telephony webhook")
		s.writeErrorResponse(w, r, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var event callEndedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.writeError(w, r, errdefs.Invalid("body", "invalid JSON"))
		return
	}

	logger.G(r.Context()).WithFields(map[string]any{
		"call_id":  event.ID(),
		"state":    event.State,
		"duration": event.Duration,
	}).Info("telephony call ended")

	s.writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"callId": event.ID(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorResponse(w, r, http.StatusNotFound, "Endpoint not found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeErrorResponse(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// Utility methods

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(v); err != nil {
		return errdefs.Invalid("body", "invalid JSON")
	}
	return nil
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L.WithError(err).Error("failed to encode JSON response")
	}
}

// writeErrorResponse writes an error body for a failure the caller caused
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSONResponse(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// writeError maps err onto a status code. Server-side failures get a
// correlation id that is logged with the error and returned to the caller;
// the response never carries upstream bodies or internal messages.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status < http.StatusInternalServerError {
		s.writeErrorResponse(w, r, status, err.Error())
		return
	}

	correlationID := uuid.NewString()
	log := logger.G(r.Context()).WithError(err).WithField("correlation_id", correlationID)
	if status == http.StatusServiceUnavailable {
		log.Warn("dependency not configured")
	} else {
		log.Error("request failed")
	}

	s.writeJSONResponse(w, status, map[string]any{
		"error":         publicMessage(err, status),
		"status":        status,
		"correlationId": correlationID,
	})
}

func publicMessage(err error, status int) string {
	var (
		notConfigured *errdefs.NotConfiguredError
		timeout       *errdefs.TimeoutError
		upstream      *errdefs.UpstreamError
		transport     *errdefs.TransportError
	)
	switch {
	case errors.As(err, &notConfigured):
		return notConfigured.Error()
	case errors.As(err, &timeout):
		return timeout.Service + " did not respond in time"
	case errors.As(err, &upstream):
		return upstream.Service + " request failed"
	case errors.As(err, &transport):
		return transport.Service + " is unreachable"
	default:
		return http.StatusText(status)
	}
}
