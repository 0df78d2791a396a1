package directoryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ams/atlas-ams/internal/authz"
	"github.com/atlas-ams/atlas-ams/internal/directory"
	"github.com/atlas-ams/atlas-ams/internal/shared"
)

// Authorizer gates chapter administration behind chapter.create /
// chapter.edit authority.
type Authorizer interface {
	Authorize(ctx context.Context, memberID string, resource authz.Resource, action authz.Action, target authz.TargetScope) (authz.Decision, error)
}

// Handler serves the chapter directory API.
type Handler struct {
	logger     *slog.Logger
	service    *directory.Service
	authorizer Authorizer
	validate   *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *directory.Service, authorizer Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		authorizer: authorizer,
		validate:   validator.New(),
	}
}

// MountRoutes registers the directory endpoints. Reads are open to any
// authenticated member since chapter listings are public data.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/chapters", h.handleList)
	r.Get("/chapters/{chapterID}", h.handleGet)
	r.Put("/chapters", h.handleRegister)
}

type chapterResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StateCode string    `json:"state_code"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toChapterResponse(c directory.Chapter) chapterResponse {
	return chapterResponse{
		ID:        c.ID,
		Name:      c.Name,
		StateCode: c.StateCode,
		Active:    c.Active,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	chapters, err := h.service.ListChapters(r.Context())
	if err != nil {
		h.serverError(w, "list chapters", err)
		return
	}
	out := make([]chapterResponse, 0, len(chapters))
	for _, c := range chapters {
		out = append(out, toChapterResponse(c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	chapter, err := h.service.GetChapter(r.Context(), chi.URLParam(r, "chapterID"))
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.serverError(w, "get chapter", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toChapterResponse(chapter))
}

type registerChapterRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name" validate:"required"`
	StateCode string `json:"state_code" validate:"required,len=2"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req registerChapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decision, err := h.authorizer.Authorize(r.Context(), principal,
		authz.ResourceChapter, authz.ActionCreate, authz.TargetScope{State: req.StateCode})
	if err != nil {
		if errors.Is(err, authz.ErrUnavailable) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.serverError(w, "authorize register", err)
		return
	}
	if !decision.Granted {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	chapter, err := h.service.RegisterChapter(r.Context(), req.ID, req.Name, req.StateCode)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.serverError(w, "register chapter", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toChapterResponse(chapter))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("write response", slog.Any("error", err))
	}
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
