// Package api exposes HTTP handlers for the session service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/sessiontimeline/internal/auth"
	"example.com/sessiontimeline/internal/layout"
	"example.com/sessiontimeline/internal/session"
)

// Store reads back persisted session records.
type Store interface {
	Get(ctx context.Context, tenantID, sessionID string) (*session.Record, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]session.SessionInfo, error)
}

// Handler coordinates HTTP requests with the session manager and the
// persisted-record store.
type Handler struct {
	manager *session.Manager
	store   Store
}

// NewHandler builds a Handler.
func NewHandler(manager *session.Manager, store Store) *Handler {
	return &Handler{manager: manager, store: store}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/", h.sessionByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing session id")
		return
	}

	switch {
	case action == "readings" && r.Method == http.MethodPost:
		h.postReading(w, r, id)
	case action == "events" && r.Method == http.MethodPost:
		h.postEvent(w, r, id)
	case action == "snapshots" && r.Method == http.MethodPost:
		h.postSnapshot(w, r, id)
	case action == "end" && r.Method == http.MethodPost:
		h.endSession(w, r, id)
	case action == "frame" && r.Method == http.MethodGet:
		h.getFrame(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		h.getSession(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	roster := make([]session.RosterEntry, 0, len(req.Roster))
	for _, entry := range req.Roster {
		roster = append(roster, session.RosterEntry{ProfileID: entry.ProfileID, DeviceID: entry.DeviceID})
	}

	orch, err := h.manager.Start(claims.TenantID, roster)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, StartSessionResponse{
		SessionID: orch.ID(),
		State:     string(orch.State()),
	})
}

func (h *Handler) postReading(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	orch, ok := h.lookup(w, claims, id)
	if !ok {
		return
	}

	var req ReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	reading := session.Reading{
		DeviceID:  req.DeviceID,
		Metric:    req.Metric,
		Value:     req.Value,
		Timestamp: req.Timestamp,
	}
	if reading.Metric == "" {
		reading.Metric = session.MetricHeartRate
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}

	if err := orch.Deliver(reading); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionEnded):
			writeError(w, http.StatusConflict, "session_ended", "session already ended")
		case errors.Is(err, session.ErrUnknownDevice):
			writeError(w, http.StatusBadRequest, "validation_failed", "device not paired with this session")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request, id string) {
	h.postOpaque(w, r, id, func(orch *session.Orchestrator, payload json.RawMessage) error {
		return orch.AddEvent(payload)
	})
}

func (h *Handler) postSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	h.postOpaque(w, r, id, func(orch *session.Orchestrator, payload json.RawMessage) error {
		return orch.AddSnapshot(payload)
	})
}

func (h *Handler) postOpaque(w http.ResponseWriter, r *http.Request, id string, add func(*session.Orchestrator, json.RawMessage) error) {
	claims, ok := requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	orch, ok := h.lookup(w, claims, id)
	if !ok {
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	if err := add(orch, payload); err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			writeError(w, http.StatusConflict, "session_ended", "session already ended")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeSessionsWrite)
	if !ok {
		return
	}

	if _, ok := h.lookup(w, claims, id); !ok {
		return
	}

	rec, err := h.manager.End(r.Context(), id)
	if err != nil && errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	// Any other error means the final persist failed; the session is still
	// ended and the record reflects everything collected.
	writeJSON(w, http.StatusOK, EndSessionResponse{
		SessionID: rec.Session.ID,
		Coins:     rec.Totals.Coins,
		TickCount: rec.Timeline.TickCount,
		Entities:  len(rec.Entities),
		Persisted: err == nil,
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	sessions, err := h.store.ListByTenant(r.Context(), claims.TenantID, queryLimit(r, 50, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionSummary, 0, len(sessions))}
	for _, info := range sessions {
		resp.Sessions = append(resp.Sessions, SessionSummary{
			SessionID: info.ID,
			StartedAt: info.StartedAt,
			EndedAt:   info.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), claims.TenantID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) getFrame(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	orch, ok := h.lookup(w, claims, id)
	if !ok {
		return
	}

	spec := ChartSpec{
		Width:  queryFloat(r, "width"),
		Height: queryFloat(r, "height"),
	}

	frame := orch.Frame()
	resp := FrameResponse{
		SessionID: frame.SessionID,
		State:     string(frame.State),
		Tick:      frame.Tick,
		Coins:     frame.Coins,
		Layout:    layoutFrame(frame, spec),
	}
	for _, p := range frame.Participants {
		resp.Participants = append(resp.Participants, ParticipantView{
			ProfileID: p.ProfileID,
			EntityID:  p.EntityID,
			Coins:     p.Coins,
			HeartRate: p.HeartRate,
			Active:    p.Active,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves a live session and hides other tenants' sessions behind a
// 404.
func (h *Handler) lookup(w http.ResponseWriter, claims *auth.Claims, id string) (*session.Orchestrator, bool) {
	orch, ok := h.manager.Get(id)
	if !ok || orch.TenantID() != claims.TenantID {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return nil, false
	}
	return orch, true
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

// requireReadScope accepts either scope: a writer may read back its own work.
func requireReadScope(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeSessionsRead) && !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeSessionsRead+" required")
		return nil, false
	}
	return claims, true
}

func queryFloat(r *http.Request, key string) float64 {
	if raw := r.URL.Query().Get(key); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

func queryLimit(r *http.Request, def, max int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > max {
				return max
			}
			return parsed
		}
	}
	return def
}

// StartSessionRequest is the payload for POST /v1/sessions.
type StartSessionRequest struct {
	Roster []RosterEntryRequest `json:"roster"`
}

// RosterEntryRequest pairs a participant with the device streaming for them.
type RosterEntryRequest struct {
	ProfileID string `json:"profile_id"`
	DeviceID  string `json:"device_id"`
}

// Validate ensures request correctness.
func (r StartSessionRequest) Validate() error {
	if len(r.Roster) == 0 {
		return errors.New("roster is required")
	}
	seen := make(map[string]bool, len(r.Roster))
	for _, entry := range r.Roster {
		if strings.TrimSpace(entry.ProfileID) == "" {
			return errors.New("profile_id is required")
		}
		if strings.TrimSpace(entry.DeviceID) == "" {
			return errors.New("device_id is required")
		}
		if seen[entry.DeviceID] {
			return errors.New("duplicate device_id in roster")
		}
		seen[entry.DeviceID] = true
	}
	return nil
}

// StartSessionResponse describes the response body for session creation.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// ReadingRequest is the payload for POST /v1/sessions/{id}/readings.
type ReadingRequest struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate ensures request correctness.
func (r ReadingRequest) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if r.Value < 0 {
		return errors.New("value must not be negative")
	}
	return nil
}

// SessionSummary is one persisted session header in a listing.
type SessionSummary struct {
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ListSessionsResponse is the body for GET /v1/sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// EndSessionResponse summarises the final record.
type EndSessionResponse struct {
	SessionID string  `json:"session_id"`
	Coins     float64 `json:"coins"`
	TickCount int     `json:"tick_count"`
	Entities  int     `json:"entities"`
	Persisted bool    `json:"persisted"`
}

// ParticipantView is one live participant in a frame response.
type ParticipantView struct {
	ProfileID string   `json:"profile_id"`
	EntityID  string   `json:"entity_id"`
	Coins     float64  `json:"coins"`
	HeartRate *float64 `json:"heart_rate,omitempty"`
	Active    bool     `json:"active"`
}

// FrameResponse packages the current chart state with resolved positions.
type FrameResponse struct {
	SessionID    string            `json:"session_id"`
	State        string            `json:"state"`
	Tick         int               `json:"tick"`
	Coins        float64           `json:"coins"`
	Participants []ParticipantView `json:"participants"`
	Layout       layout.Result     `json:"layout"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
