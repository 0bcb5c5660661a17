package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/browseros/autopilot/router"
	"github.com/browseros/autopilot/store"
)

// RouterHandler handles HTTP requests for the LLM router.
type RouterHandler struct {
	router *router.Router
	store  *store.Store
	logger *slog.Logger
}

// NewRouterHandler creates a router HTTP handler.
func NewRouterHandler(rt *router.Router, st *store.Store, logger *slog.Logger) *RouterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouterHandler{router: rt, store: st, logger: logger}
}

// RegisterHTTPHandlers registers router endpoints. The prefix should include
// the trailing slash (e.g., "/api/").
func (h *RouterHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"router", h.handleTable)
	mux.HandleFunc(prefix+"router/", h.handleRouterRoutes)
}

func (h *RouterHandler) handleRouterRoutes(w http.ResponseWriter, r *http.Request) {
	idx := strings.Index(r.URL.Path, "/router/")
	if idx < 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown router endpoint")
		return
	}
	rest := r.URL.Path[idx+len("/router/"):]
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "metrics":
		h.handleMetrics(w, r)
	case len(parts) == 1 && parts[0] == "optimizations":
		h.handleOptimizations(w, r)
	case len(parts) == 1 && parts[0] == "tests":
		h.handleTests(w, r)
	case len(parts) == 2 && parts[0] == "route":
		h.handleRoute(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "config":
		h.handleConfig(w, r, parts[1])
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown router endpoint")
	}
}

func (h *RouterHandler) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": h.router.Table().GetAll(),
	})
}

func (h *RouterHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	metrics, err := h.store.AggregateMetrics(r.URL.Query().Get("tool"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": metrics})
}

func (h *RouterHandler) handleRoute(w http.ResponseWriter, r *http.Request, tool string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	writeJSON(w, http.StatusOK, h.router.Route(tool))
}

func (h *RouterHandler) handleConfig(w http.ResponseWriter, r *http.Request, tool string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	cfg := h.router.BuildConfig(tool)
	if cfg == nil {
		writeJSONError(w, http.StatusNotFound, "no_available_provider",
			"No provider credentials available for tool: "+tool)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *RouterHandler) handleOptimizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	limit := parseLimit(r, 50)
	rows, err := h.store.ListOptimizations(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimizations": rows})
}

func (h *RouterHandler) handleTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Use GET")
		return
	}
	limit := parseLimit(r, 50)
	rows, err := h.store.ListDowngradeTests(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tests": rows})
}

// parseLimit reads a limit query parameter with a fallback.
func parseLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
