package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/session"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "Training Progression API",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"health":   "/health",
			"sessions": "/api/v1/sessions",
			"errors":   "/api/v1/errors",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"status":   "healthy",
			"uptime":   s.Uptime().String(),
			"sessions": s.deps.Registry.Len(),
		})
		return
	}
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		if status := s.deps.HealthChecker.Check(r.Context()); !status.Ready {
			writeJSON(w, r, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type openSessionRequest struct {
	LearnerID string `json:"learner_id"`
	SessionID string `json:"session_id,omitempty"`
}

type progressRequest struct {
	Percent float64 `json:"percent"`
	Minutes int     `json:"minutes"`
}

type validateRequest struct {
	Evidence training.Evidence `json:"evidence"`
	Minutes  int               `json:"minutes"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Registry.List()
	writeJSONWithMeta(w, r, http.StatusOK, list, &ResponseMeta{TotalCount: len(list)})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	learner, err := shared.NewLearnerID(req.LearnerID)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_learner_id", err.Error())
		return
	}
	id := shared.NewSessionID()
	if req.SessionID != "" {
		if id, err = shared.ParseSessionID(req.SessionID); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_session_id", err.Error())
			return
		}
	}

	_, res, err := s.deps.Registry.Open(r.Context(), learner, id)
	if res.Success && err == nil {
		writeResult(w, r, http.StatusCreated, res)
		return
	}
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, sess.Orchestrator().State())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseSessionID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}
	res, err := s.deps.Registry.Close(r.Context(), id, queryString(r, "reason", session.ReasonUserRequest))
	if err == nil && res.Success && s.deps.Inbox != nil {
		s.deps.Inbox.Forget(id.String())
	}
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleStartStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	step, ok := pathStep(w, r)
	if !ok {
		return
	}
	res, err := sess.Orchestrator().StartStep(r.Context(), step.Int())
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	step, ok := pathStep(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := sess.Orchestrator().UpdateProgress(r.Context(), step.Int(), req.Percent, req.Minutes)
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleValidateStep(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	step, ok := pathStep(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := sess.Orchestrator().ValidateStep(r.Context(), step.Int(), req.Evidence, req.Minutes)
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := sess.Orchestrator().Advance(r.Context())
	s.writeOutcome(w, r, res, err)
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, r, http.StatusOK, sess.Orchestrator().Navigation())
	}
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, r, http.StatusOK, sess.Orchestrator().ComplianceReport())
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.lookup(w, r); ok {
		writeJSON(w, r, http.StatusOK, sess.Orchestrator().ProgressReport())
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_configured", "Notifications are not enabled")
		return
	}
	id, err := shared.ParseSessionID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}
	list := s.deps.Inbox.List(id.String())
	writeJSONWithMeta(w, r, http.StatusOK, list, &ResponseMeta{TotalCount: len(list)})
}

// handleEvents serves the audit trail, which outlives the open session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_configured", "Event audit is not enabled")
		return
	}
	id, err := shared.ParseSessionID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	events, err := s.deps.Events.ListBySession(r.Context(), id.String(), limit)
	if err != nil {
		s.logger.Error("failed to list events", "session_id", id, "error", err)
		writeJSONError(w, r, http.StatusServiceUnavailable, "persistence", "Events are temporarily unavailable")
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, events, &ResponseMeta{TotalCount: len(events)})
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_configured", "Error monitoring is not enabled")
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Monitor.Stats())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_configured", "Background jobs are not running")
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Jobs.Jobs())
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := shared.ParseSessionID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_session_id", err.Error())
		return nil, false
	}
	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "Session is not open")
		return nil, false
	}
	return sess, true
}

func pathStep(w http.ResponseWriter, r *http.Request) (training.Step, bool) {
	step, err := training.ParseStepName(r.PathValue("step"))
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_step", err.Error())
		return 0, false
	}
	return step, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// writeOutcome writes a command result. Returned errors are configuration
// faults and are not shown to the caller.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, res orchestrator.Result, err error) {
	if err != nil {
		s.logger.Error("command failed", "path", r.URL.Path, "error", err)
		writeJSONError(w, r, http.StatusInternalServerError, orchestrator.ErrorKind(err), "The training engine is misconfigured")
		return
	}
	if res.Success {
		writeResult(w, r, http.StatusOK, res)
		return
	}
	writeResult(w, r, statusFor(res.ErrorKind), res)
}

func writeResult(w http.ResponseWriter, r *http.Request, status int, res orchestrator.Result) {
	resp := JSONResponse{Success: res.Success, Data: res}
	if !res.Success {
		resp.Error = &APIError{Code: res.ErrorKind, Message: res.Message}
	}
	writeEnvelope(w, r, status, resp)
}

// statusFor maps an error kind to a status. A failed checkpoint has no kind
// and is a normal outcome.
func statusFor(kind string) int {
	switch kind {
	case "":
		return http.StatusOK
	case "invalid_input":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "already_exists", "illegal_transition", "invalid_state":
		return http.StatusConflict
	case "validation_exhausted":
		return http.StatusUnprocessableEntity
	case "persistence", "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
