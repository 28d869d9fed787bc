// Package admin provides the /admin control plane of the sandbox server:
// state reset and seeding, fault injection, request inspection and the
// simulated clock.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wondertwin-ai/phoneverify/pkg/store"
	"github.com/wondertwin-ai/phoneverify/pkg/twincore"
)

// StateStore is the sandbox state managed through the admin API.
type StateStore interface {
	// Snapshot returns the full state as a JSON-serializable value.
	Snapshot() any
	// LoadState replaces the state from a JSON document.
	LoadState(data []byte) error
	// Reset drops all state.
	Reset()
}

// Handler serves the admin endpoints.
type Handler struct {
	state StateStore
	mw    *twincore.Middleware
	clock *store.Clock
}

// NewHandler creates a Handler. clock may be nil when time is not simulated.
func NewHandler(state StateStore, mw *twincore.Middleware, clock *store.Clock) *Handler {
	return &Handler{state: state, mw: mw, clock: clock}
}

// Routes mounts the admin endpoints under /admin.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reset", h.handleReset)
		r.Get("/state", h.handleGetState)
		r.Post("/state", h.handleLoadState)
		r.Post("/fault/*", h.handleInjectFault)
		r.Delete("/fault/*", h.handleRemoveFault)
		r.Get("/faults", h.handleListFaults)
		r.Get("/requests", h.handleGetRequests)
		r.Post("/time/advance", h.handleTimeAdvance)
		r.Get("/time", h.handleGetTime)
		r.Get("/health", h.handleHealth)
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.state.Reset()
	h.mw.ReqLog.Clear()
	h.mw.Faults.Reset()
	if h.clock != nil {
		h.clock.Reset()
	}
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.state.Snapshot())
}

func (h *Handler) handleLoadState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		twincore.Error(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if err := h.state.LoadState(body); err != nil {
		twincore.Error(w, http.StatusBadRequest, "failed to load state: "+err.Error())
		return
	}
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

// faultPath maps /admin/fault/sdk/token to /sdk/token.
func faultPath(r *http.Request) string {
	return "/" + strings.Trim(chi.URLParam(r, "*"), "/")
}

func (h *Handler) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	path := faultPath(r)
	if path == "/" {
		twincore.Error(w, http.StatusBadRequest, "fault path is required")
		return
	}
	var fault twincore.FaultConfig
	if err := json.NewDecoder(r.Body).Decode(&fault); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid fault config: "+err.Error())
		return
	}
	h.mw.Faults.Set(path, fault)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"status":   "injected",
		"endpoint": path,
		"fault":    fault,
	})
}

func (h *Handler) handleRemoveFault(w http.ResponseWriter, r *http.Request) {
	path := faultPath(r)
	if !h.mw.Faults.Remove(path) {
		twincore.Error(w, http.StatusNotFound, "no fault registered for "+path)
		return
	}
	twincore.JSON(w, http.StatusOK, map[string]any{"status": "removed", "endpoint": path})
}

func (h *Handler) handleListFaults(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.mw.Faults.All())
}

func (h *Handler) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, h.mw.ReqLog.Entries())
}

func (h *Handler) handleTimeAdvance(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		twincore.Error(w, http.StatusBadRequest, "simulated clock not configured")
		return
	}
	var req struct {
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}
	if d < 0 {
		twincore.Error(w, http.StatusBadRequest, "the clock only moves forward")
		return
	}
	h.clock.Advance(d)
	twincore.JSON(w, http.StatusOK, map[string]any{
		"status":    "advanced",
		"duration":  d.String(),
		"offset":    h.clock.Offset().String(),
		"simulated": h.clock.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleGetTime(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"real": time.Now().Format(time.RFC3339)}
	if h.clock != nil {
		out["simulated"] = h.clock.Now().Format(time.RFC3339)
		out["offset"] = h.clock.Offset().String()
	}
	twincore.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
