package audithttp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/atlas-ams/atlas-ams/internal/audit"
	"github.com/atlas-ams/atlas-ams/internal/authz"
	"github.com/atlas-ams/atlas-ams/internal/shared"
)

// Authorizer answers whether a principal may read or export the audit
// timeline. The evaluator in internal/authz satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, memberID string, resource authz.Resource, action authz.Action, target authz.TargetScope) (authz.Decision, error)
}

// Handler serves the audit timeline API.
type Handler struct {
	logger     *slog.Logger
	service    *audit.Service
	authorizer Authorizer
	now        func() time.Time
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *audit.Service, authorizer Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		authorizer: authorizer,
		now:        time.Now,
	}
}

// MountRoutes registers the timeline endpoints. Exports are rate limited
// separately from the global limiter since each one scans the full
// matching window.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit/logs", h.handleTimeline)
	r.Group(func(g chi.Router) {
		g.Use(httprate.LimitByIP(5, time.Minute))
		g.Get("/audit/logs/export", h.handleExport)
	})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r, authz.ActionView) {
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.service.Query(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(toTimelineResponse(result)); err != nil {
		h.logger.Warn("write response", slog.Any("error", err))
	}
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r, authz.ActionExport) {
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("audit-logs-%s.csv", h.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"occurred_at", "actor_id", "action", "entity", "entity_id", "reason", "ip", "correlation_id"})
	for _, e := range entries {
		_ = cw.Write([]string{
			e.At.UTC().Format(time.RFC3339),
			e.ActorID,
			e.Action,
			e.Entity,
			e.EntityID,
			e.Reason,
			e.IP,
			e.CorrelationID,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// admit checks that the caller holds the audit permission for action.
// Storage trouble during the check surfaces as 503, never as a silent
// grant.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, action authz.Action) bool {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return false
	}
	decision, err := h.authorizer.Authorize(r.Context(), principal, authz.ResourceAudit, action, authz.TargetScope{})
	if err != nil {
		if errors.Is(err, authz.ErrUnavailable) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return false
		}
		h.logger.Error("audit admit", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	if !decision.Granted {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return false
	}
	return true
}

func parseFilters(r *http.Request) (audit.QueryFilters, error) {
	q := r.URL.Query()
	filters := audit.QueryFilters{
		ActorID: q.Get("actor_id"),
		Entity:  q.Get("entity"),
		Action:  q.Get("action"),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.QueryFilters{}, fmt.Errorf("invalid from timestamp")
		}
		filters.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.QueryFilters{}, fmt.Errorf("invalid to timestamp")
		}
		filters.To = t
	}
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.To.Before(filters.From) {
		return audit.QueryFilters{}, fmt.Errorf("to precedes from")
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return audit.QueryFilters{}, fmt.Errorf("invalid page")
		}
		filters.Page = page
	}
	if raw := q.Get("page_size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return audit.QueryFilters{}, fmt.Errorf("invalid page_size")
		}
		filters.PageSize = size
	}
	return filters, nil
}

type entryResponse struct {
	ID            int64          `json:"id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Action        string         `json:"action"`
	Entity        string         `json:"entity"`
	EntityID      string         `json:"entity_id,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	IP            string         `json:"ip,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

type timelineResponse struct {
	Entries []entryResponse `json:"entries"`
	Paging  pagingResponse  `json:"paging"`
}

type pagingResponse struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

func toTimelineResponse(result audit.Result) timelineResponse {
	entries := make([]entryResponse, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, entryResponse{
			ID:            e.ID,
			ActorID:       e.ActorID,
			Action:        e.Action,
			Entity:        e.Entity,
			EntityID:      e.EntityID,
			Before:        e.Before,
			After:         e.After,
			Meta:          e.Meta,
			IP:            e.IP,
			Reason:        e.Reason,
			CorrelationID: e.CorrelationID,
			OccurredAt:    e.At,
		})
	}
	return timelineResponse{
		Entries: entries,
		Paging: pagingResponse{
			Page:     result.Paging.Page,
			PageSize: result.Paging.PageSize,
			HasNext:  result.Paging.HasNext,
			PrevPage: result.Paging.PrevPage,
			NextPage: result.Paging.NextPage,
		},
	}
}
