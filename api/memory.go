package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/browseros/autopilot/memory"
	"github.com/browseros/autopilot/store"
)

// MemoryHandler handles HTTP requests for the adaptive memory optimizer.
type MemoryHandler struct {
	optimizer *memory.Optimizer
	store     *store.Store
	logger    *slog.Logger
}

// NewMemoryHandler creates a memory HTTP handler.
func NewMemoryHandler(opt *memory.Optimizer, st *store.Store, logger *slog.Logger) *MemoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHandler{optimizer: opt, store: st, logger: logger}
}

// RegisterHTTPHandlers registers memory endpoints. The prefix should include
// the trailing slash (e.g., "/api/").
func (h *MemoryHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"memory/", h.handleMemoryRoutes)
}

func (h *MemoryHandler) handleMemoryRoutes(w http.ResponseWriter, r *http.Request) {
	idx := strings.Index(r.URL.Path, "/memory/")
	if idx < 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown memory endpoint")
		return
	}
	rest := strings.Trim(r.URL.Path[idx+len("/memory/"):], "/")

	switch rest {
	case "params":
		h.handleParams(w, r)
	case "snapshots":
		h.handleSnapshots(w, r)
	case "optimize":
		h.handleOptimize(w, r)
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown memory endpoint")
	}
}

func (h *MemoryHandler) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	writeJSON(w, http.StatusOK, h.optimizer.Params())
}

func (h *MemoryHandler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	limit := parseLimit(r, 50)
	rows, err := h.store.ListSnapshots(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": rows})
}

// handleOptimize triggers one optimizer cycle, optionally scoped to a
// session via the sessionId query parameter.
func (h *MemoryHandler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use POST")
		return
	}
	report, err := h.optimizer.RunCycle(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "optimize_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
