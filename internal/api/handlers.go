package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sputterlab/gasflow-core/internal/audit"
	"github.com/sputterlab/gasflow-core/internal/gasflow"
	"github.com/sputterlab/gasflow-core/internal/recipe"
)

// maxHistoryLimit caps the number of readings or executions per request.
const maxHistoryLimit = 1000

// setFlowRequest is the body for POST /channels/{channel}/flow.
type setFlowRequest struct {
	Flow float64 `json:"flow"`
}

// setFlowResponse reports the outcome of a flow command.
type setFlowResponse struct {
	Channel  string  `json:"channel"`
	Flow     float64 `json:"flow"`
	Allowed  bool    `json:"allowed"`
	Setpoint float64 `json:"setpoint,omitempty"`
}

// handleStatuses returns the status of every configured channel.
func (s *Server) handleStatuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": s.controller.Statuses(),
	})
}

// handleChannelStatus returns the status of one channel.
func (s *Server) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	status, err := s.controller.Status(channel)
	if err != nil {
		writeNotFound(w, "unknown channel: "+channel)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleLatestReadings returns the last stored reading of every channel
// plus the summed mass flow. Pure in-memory snapshot; never blocks on
// hardware.
func (s *Server) handleLatestReadings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"readings":   s.controller.Readings(),
		"total_flow": s.controller.TotalFlow(),
	})
}

// handleLatestReading returns the last stored reading for one channel.
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	reading, err := s.controller.Reading(channel)
	if err != nil {
		writeNotFound(w, "unknown channel: "+channel)
		return
	}
	if reading == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no reading yet for channel: "+channel)
		return
	}

	writeJSON(w, http.StatusOK, reading)
}

// handleSetFlow commands a new flow rate on one channel.
//
// The request passes through the safety gate before reaching hardware.
// A denial is not a server error: it returns 409 with the denial reason
// so callers can distinguish policy from hardware faults (502).
func (s *Server) handleSetFlow(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	var req setFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	decision, err := s.controller.SetFlowRate(r.Context(), channel, req.Flow)
	switch {
	case errors.Is(err, gasflow.ErrUnknownChannel):
		writeNotFound(w, "unknown channel: "+channel)
		return
	case errors.Is(err, gasflow.ErrOutOfRange):
		s.recordAudit(r.Context(), &audit.Entry{
			Action: audit.ActionSetFlow, Channel: channel, Source: "api",
			Outcome: audit.OutcomeError,
			Detail:  map[string]any{"flow": req.Flow, "reason": err.Error()},
		})
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case err != nil:
		s.recordAudit(r.Context(), &audit.Entry{
			Action: audit.ActionSetFlow, Channel: channel, Source: "api",
			Outcome: audit.OutcomeError,
			Detail:  map[string]any{"flow": req.Flow, "reason": err.Error()},
		})
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
		return
	case !decision.Allowed:
		s.recordAudit(r.Context(), &audit.Entry{
			Action: audit.ActionSetFlow, Channel: channel, Source: "api",
			Outcome: audit.OutcomeDenied,
			Detail:  map[string]any{"flow": req.Flow, "reason": decision.Reason},
		})
		writeError(w, http.StatusConflict, ErrCodeSafetyDenied, decision.Reason)
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action: audit.ActionSetFlow, Channel: channel, Source: "api",
		Outcome: audit.OutcomeApplied,
		Detail:  map[string]any{"flow": req.Flow},
	})

	writeJSON(w, http.StatusOK, setFlowResponse{
		Channel:  channel,
		Flow:     req.Flow,
		Allowed:  true,
		Setpoint: req.Flow,
	})
}

// handleStopAllFlows zeroes every channel. Best effort: channels that
// cannot be reached are reported but do not block the others.
func (s *Server) handleStopAllFlows(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.StopAllFlows(r.Context()); err != nil {
		s.recordAudit(r.Context(), &audit.Entry{
			Action: audit.ActionStopAll, Source: "api",
			Outcome: audit.OutcomeError,
			Detail:  map[string]any{"reason": err.Error()},
		})
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action: audit.ActionStopAll, Source: "api",
		Outcome: audit.OutcomeApplied,
	})

	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// handleReadings returns recent persisted readings for one channel,
// newest first.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "reading history not configured")
		return
	}

	channel := chi.URLParam(r, "channel")
	if _, err := s.controller.Status(channel); err != nil {
		writeNotFound(w, "unknown channel: "+channel)
		return
	}

	limit, err := parseLimit(r, 50)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	readings, err := s.readings.GetHistory(r.Context(), channel, limit)
	if err != nil {
		writeInternalError(w, "fetching readings: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"readings": readings,
	})
}

// handleExecuteRecipe starts a recipe run.
func (s *Server) handleExecuteRecipe(w http.ResponseWriter, r *http.Request) {
	var rec recipe.Recipe
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	executionID, err := s.executor.Execute(r.Context(), rec)
	switch {
	case errors.Is(err, recipe.ErrAlreadyExecuting):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action: audit.ActionRecipeExecute, Source: "api",
		Outcome: audit.OutcomeApplied,
		Detail:  map[string]any{"recipe": rec.Name, "execution_id": executionID},
	})

	resp := map[string]any{
		"execution_id": executionID,
		"recipe":       rec.Name,
	}
	// Unknown channels run as recorded step failures, not rejections;
	// the warning lets callers catch typos before the step fires.
	if unknown := rec.UnknownChannels(s.channelNames()); len(unknown) > 0 {
		resp["unknown_channels"] = unknown
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// channelNames lists the configured channel names.
func (s *Server) channelNames() []string {
	statuses := s.controller.Statuses()
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, status.Name)
	}
	return names
}

// handleCancelRecipe cancels the running recipe. Flows are left at their
// current values; cancellation never zeroes the chamber.
func (s *Server) handleCancelRecipe(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Cancel(); err != nil {
		if errors.Is(err, recipe.ErrNotExecuting) {
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}

	s.recordAudit(r.Context(), &audit.Entry{
		Action: audit.ActionRecipeCancel, Source: "api",
		Outcome: audit.OutcomeApplied,
	})

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleRecipeStatus returns the state of the current (or last) run.
func (s *Server) handleRecipeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.Status())
}

// handleExecutions returns recent recipe executions, newest first.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "execution history not configured")
		return
	}

	limit, err := parseLimit(r, 50)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	executions, err := s.executions.GetRecent(r.Context(), limit)
	if err != nil {
		writeInternalError(w, "fetching executions: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
	})
}

// handleAuditTrail returns recent audited commands, newest first.
// Supports ?action=, ?channel=, ?outcome=, ?limit=, ?offset= filters.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command auditing not configured")
		return
	}

	limit, err := parseLimit(r, 50)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	result, err := s.audit.List(r.Context(), audit.Filter{
		Action:  r.URL.Query().Get("action"),
		Channel: r.URL.Query().Get("channel"),
		Outcome: r.URL.Query().Get("outcome"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeInternalError(w, "fetching audit trail: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// recordAudit persists an audit entry when auditing is configured.
// Failures are logged, never surfaced to the caller: the command outcome
// has already been decided by the time the entry is written.
func (s *Server) recordAudit(ctx context.Context, entry *audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Error("recording audit entry", "action", entry.Action, "error", err)
	}
}

// parseLimit reads the optional ?limit= query parameter.
func parseLimit(r *http.Request, defaultLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
