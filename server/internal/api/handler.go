package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/facerelay/facerelay/server/internal/dispatch"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
)

// Handler serves the admin endpoints under /api/v1.
type Handler struct {
	reg     *registry.Registry
	metrics *metrics.Metrics
	disp    *dispatch.Dispatcher
	node    string
	started time.Time
	now     func() time.Time // injectable for deterministic tests
}

// NewHandler creates a Handler. node identifies this relay instance in
// responses.
func NewHandler(reg *registry.Registry, m *metrics.Metrics, disp *dispatch.Dispatcher, node string) *Handler {
	return &Handler{
		reg:     reg,
		metrics: m,
		disp:    disp,
		node:    node,
		started: time.Now(),
		now:     time.Now,
	}
}

// New returns the admin endpoints mounted on their own chi router.
func New(reg *registry.Registry, m *metrics.Metrics, disp *dispatch.Dispatcher, node string) http.Handler {
	r := chi.NewRouter()
	NewHandler(reg, m, disp, node).Mount(r)
	return r
}

// Mount registers the admin routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/connections", h.listConnections)
		r.Get("/connections/{id}", h.getConnection)
		r.Get("/stats", h.stats)
	})
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Node:          h.node,
		Connections:   h.reg.Count(),
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
		Policy:        h.disp.Policy().String(),
	})
}

// listConnections returns GET /api/v1/connections, oldest first.
func (h *Handler) listConnections(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.reg.List())
}

// getConnection returns GET /api/v1/connections/{id}.
func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, st := range h.reg.List() {
		if st.ID == id {
			jsonResp(w, http.StatusOK, st)
			return
		}
	}
	jsonErr(w, http.StatusNotFound, "connection not found")
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, StatsResponse{
		Node:        h.node,
		Policy:      h.disp.Policy().String(),
		Stats:       h.metrics.Snapshot(),
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, status int, msg string) {
	jsonResp(w, status, errorResponse{Error: msg})
}
