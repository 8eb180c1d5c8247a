package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/coordinator"
	"github.com/example/hermes-sync/internal/gateway"
	"github.com/example/hermes-sync/internal/types"
	"github.com/example/hermes-sync/internal/undo"
)

// Handler serves the local inspection and command API.
type Handler struct {
	coord         *coordinator.Coordinator
	notifications http.Handler
	logger        zerolog.Logger
}

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	allowedOrigins []string
}

// WithAllowedOrigins enables CORS for the given browser origins.
func WithAllowedOrigins(origins ...string) RouterOption {
	return func(c *routerConfig) {
		c.allowedOrigins = append(c.allowedOrigins, origins...)
	}
}

// NewRouter builds the API routes. notifications serves the websocket feed
// and may be nil.
func NewRouter(coord *coordinator.Coordinator, notifications http.Handler, logger zerolog.Logger, opts ...RouterOption) *chi.Mux {
	var cfg routerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Handler{coord: coord, notifications: notifications, logger: logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if len(cfg.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Get("/", h.ListDocuments)
		r.Get("/{id}", h.GetDocument)
		r.Post("/{id}/mutations", h.Mutate)
	})
	r.Route("/undo", func(r chi.Router) {
		r.Get("/", h.ListUndo)
		r.Post("/", h.Undo)
	})
	r.Get("/allocation", h.Allocation)
	r.Post("/goals/order", h.ReorderGoals)
	r.Get("/triggers", h.Triggers)
	if notifications != nil {
		r.Get("/notifications/ws", notifications.ServeHTTP)
	}
	return r
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// MutationRequest is the body of POST /collections/{collection}/{id}/mutations.
type MutationRequest struct {
	Patch types.Patch `json:"patch"`
	Label string      `json:"label,omitempty"`
	// Wait blocks the request until the remote confirms or rejects.
	Wait bool `json:"wait,omitempty"`
}

// MutationResponse reports the accepted or resolved mutation.
type MutationResponse struct {
	CorrelationID types.CorrelationID `json:"correlation_id"`
	Status        string              `json:"status"`
	Document      *types.Document     `json:"document,omitempty"`
}

// ListDocuments handles GET /collections/{collection}.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	coll := types.CollectionID(chi.URLParam(r, "collection"))
	docs := h.coord.Mirror().Read(coll)
	if docs == nil {
		docs = []types.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetDocument handles GET /collections/{collection}/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	coll := types.CollectionID(chi.URLParam(r, "collection"))
	id := types.DocumentID(chi.URLParam(r, "id"))
	doc, ok := h.coord.Mirror().Get(coll, id)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Mutate handles POST /collections/{collection}/{id}/mutations.
func (h *Handler) Mutate(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	coll := types.CollectionID(chi.URLParam(r, "collection"))
	id := types.DocumentID(chi.URLParam(r, "id"))

	p := h.coord.Propose(r.Context(), types.MutationIntent{
		Collection: coll,
		TargetID:   id,
		Patch:      req.Patch,
		Label:      req.Label,
		Origin:     types.OriginUser,
	})
	if !req.Wait {
		select {
		case <-p.Done():
		default:
			writeJSON(w, http.StatusAccepted, MutationResponse{CorrelationID: p.Intent().CorrelationID, Status: "pending"})
			return
		}
	}

	if err := p.Wait(r.Context()); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, gateway.ErrInvalidPatch):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, gateway.ErrConflictTimeout):
			status = http.StatusGatewayTimeout
		case r.Context().Err() != nil:
			return
		}
		writeError(w, status, "mutation failed", err)
		return
	}

	resp := MutationResponse{CorrelationID: p.Intent().CorrelationID, Status: "confirmed"}
	if doc, ok := h.coord.Mirror().Get(coll, id); ok {
		resp.Document = &doc
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListUndo handles GET /undo.
func (h *Handler) ListUndo(w http.ResponseWriter, _ *http.Request) {
	entries := h.coord.UndoStack().Entries()
	if entries == nil {
		entries = []undo.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Undo handles POST /undo.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	entry, err := h.coord.Undo(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, entry)
	case errors.Is(err, undo.ErrNothingToUndo):
		writeError(w, http.StatusConflict, "nothing to undo", nil)
	case errors.Is(err, gateway.ErrConflictTimeout):
		writeError(w, http.StatusGatewayTimeout, "undo failed", err)
	default:
		writeError(w, http.StatusBadGateway, "undo failed", err)
	}
}

// Allocation handles GET /allocation.
func (h *Handler) Allocation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Allocation())
}

type reorderRequest struct {
	Order []types.DocumentID `json:"order"`
}

// ReorderGoals handles POST /goals/order.
func (h *Handler) ReorderGoals(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.coord.ReorderGoals(r.Context(), req.Order); err != nil {
		writeError(w, http.StatusBadRequest, "reorder failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Allocation())
}

type triggerDTO struct {
	ID        string `json:"id"`
	PeriodKey string `json:"period_key"`
	Due       bool   `json:"due"`
}

// Triggers handles GET /triggers.
func (h *Handler) Triggers(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	rules := h.coord.Scheduler().Rules()
	out := make([]triggerDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, triggerDTO{ID: rule.ID(), PeriodKey: rule.PeriodKey(now), Due: rule.ShouldFire(now)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
