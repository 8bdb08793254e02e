package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"marketsim/internal/engine"
	"marketsim/internal/external"
	"marketsim/internal/market"
	"marketsim/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	mgr    *engine.Manager
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(mgr *engine.Manager, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		mgr:    mgr,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

// statusFor maps lifecycle errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSessionActive),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSpeed),
		errors.Is(err, engine.ErrUnknownMode),
		errors.Is(err, external.ErrCascadeUnavailable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreateSession creates a session. An empty body takes defaults.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var params engine.CreateParams
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body: " + err.Error()})
			return
		}
	}

	snap, err := h.mgr.CreateSession(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, snap)
}

// HandleListSessions returns snapshots for every session.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.mgr.ListSessions())
}

// HandleGetSession returns one session snapshot.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.GetSession(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// HandleDeleteSession tears a session down.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.DeleteSession(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateResponse struct {
	State types.SessionState `json:"state"`
}

func (h *Handlers) lifecycle(op func(string) (types.SessionState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := op(r.PathValue("id"))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, stateResponse{State: state})
	}
}

// HandleSetSpeed adjusts the compression factor.
func (h *Handlers) HandleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Speed int `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body: " + err.Error()})
		return
	}
	accepted, err := h.mgr.SetSpeed(r.PathValue("id"), body.Speed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"speed": accepted})
}

// HandleSetMode switches the throughput mode.
func (h *Handlers) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode types.ThroughputMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body: " + err.Error()})
		return
	}
	change, err := h.mgr.SetThroughputMode(r.PathValue("id"), body.Mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, change)
}

// HandleStartScenario activates a scripted market narrative.
func (h *Handlers) HandleStartScenario(w http.ResponseWriter, r *http.Request) {
	var sc market.Scenario
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body: " + err.Error()})
		return
	}
	if err := h.mgr.StartScenario(r.PathValue("id"), sc); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sc)
}

// HandleEndScenario clears the active scenario.
func (h *Handlers) HandleEndScenario(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.EndScenario(r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCascade triggers a liquidation cascade.
func (h *Handlers) HandleCascade(w http.ResponseWriter, r *http.Request) {
	res, err := h.mgr.TriggerLiquidationCascade(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
