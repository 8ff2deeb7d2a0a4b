package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/gateway"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/store"
	"github.com/nidhogg/skillrelay/internal/telemetry"
)

// SessionLister reads skill session history.
type SessionLister interface {
	ListSessions(ctx context.Context, conversationID string, limit int) ([]store.SessionRecord, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	skills      *skill.Configuration
	sessions    SessionLister
	broadcaster *gateway.Broadcaster
	restGW      *gateway.RESTAdapter
	gw          *gateway.Gateway
	callbacks   http.Handler
	metrics     *telemetry.Metrics
	logger      *zap.Logger
}

// NewHandler creates a new API handler. sessions, broadcaster, callbacks
// and metrics may be nil; their routes then answer 503 or are not mounted.
// callbacks must already be wrapped in the auth gate.
func NewHandler(
	skills *skill.Configuration,
	sessions SessionLister,
	broadcaster *gateway.Broadcaster,
	restGW *gateway.RESTAdapter,
	gw *gateway.Gateway,
	callbacks http.Handler,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		skills:      skills,
		sessions:    sessions,
		broadcaster: broadcaster,
		restGW:      restGW,
		gw:          gw,
		callbacks:   callbacks,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/skills", h.listSkills)
		r.Get("/skills/{id}", h.getSkill)
		if h.callbacks != nil {
			r.Mount("/skills/callback", h.callbacks)
		}

		r.Get("/sessions/{conversationID}", h.listSessions)

		// Gateway routes
		if h.restGW != nil {
			r.Mount("/messages", h.restGW.Routes())
		}
		r.Post("/broadcast", h.sendBroadcast)
		r.Get("/broadcasts", h.broadcastHistory)
		r.Get("/gateway/status", h.gatewayStatus)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "skills": h.skills.Len()})
}

type skillSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Endpoint    string   `json:"endpoint"`
	Actions     []string `json:"actions,omitempty"`
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	all := h.skills.All()
	out := make([]skillSummary, 0, len(all))
	for _, m := range all {
		s := skillSummary{ID: m.ID, Name: m.Name, Description: m.Description, Endpoint: m.Endpoint}
		for _, a := range m.Actions {
			s.Actions = append(s.Actions, a.ID)
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	m, ok := h.skills.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "skill not found"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session history not configured"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	conv := chi.URLParam(r, "conversationID")
	records, err := h.sessions.ListSessions(r.Context(), conv, limit)
	if err != nil {
		h.logger.Error("list sessions failed", zap.String("conversation", conv), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not read session history"})
		return
	}
	if records == nil {
		records = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "broadcaster not initialized"})
		return
	}
	var msg gateway.BroadcastMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if msg.Type == "" || msg.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type and content are required"})
		return
	}
	if err := h.broadcaster.Send(r.Context(), &msg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast sent"})
}

func (h *Handler) broadcastHistory(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeJSON(w, http.StatusOK, []gateway.BroadcastRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.broadcaster.History(limit))
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusOK, []gateway.AdapterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.Statuses())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
