package authzhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-ams/atlas-ams/internal/authz"
	"github.com/atlas-ams/atlas-ams/internal/shared"
)

// Handler serves the authorization admin and check API. Every operation
// reads the authenticated principal from the request context and passes
// it explicitly into the service layer.
type Handler struct {
	logger   *slog.Logger
	service  *authz.Service
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *authz.Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// MountRoutes registers the authorization endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authz/check", h.handleCheck)
	r.Get("/authz/roles", h.handleListRoles)
	r.Post("/authz/roles", h.handleCreateRole)
	r.Patch("/authz/roles/{roleID}", h.handleUpdateRole)
	r.Delete("/authz/roles/{roleID}", h.handleDeleteRole)
	r.Get("/authz/roles/{roleID}/permissions", h.handleRolePermissions)
	r.Post("/authz/roles/{roleID}/permissions", h.handleGrantPermission)
	r.Get("/authz/permissions", h.handleListPermissions)
	r.Post("/authz/assignments", h.handleAssign)
	r.Delete("/authz/assignments/{assignmentID}", h.handleRevoke)
	r.Get("/authz/members/{memberID}/assignments", h.handleListAssignments)
}

type checkRequest struct {
	MemberID  string `json:"member_id"`
	Resource  string `json:"resource" validate:"required"`
	Action    string `json:"action" validate:"required"`
	ChapterID string `json:"chapter_id"`
	State     string `json:"state"`
}

type checkResponse struct {
	Granted           bool   `json:"granted"`
	Reason            string `json:"reason,omitempty"`
	OwnershipRequired bool   `json:"ownership_required,omitempty"`
	MatchedAssignment *int64 `json:"matched_assignment,omitempty"`
}

// handleCheck evaluates one authorization question. Checks default to
// the calling principal; asking about another member is permitted for
// any authenticated caller since every check is itself audited.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	memberID := req.MemberID
	if memberID == "" {
		memberID = principal
	}

	decision, err := h.service.Evaluator().Authorize(r.Context(), memberID,
		authz.Resource(req.Resource), authz.Action(req.Action),
		authz.TargetScope{ChapterID: req.ChapterID, State: req.State})
	if err != nil {
		h.respondError(w, "authorize", err)
		return
	}

	resp := checkResponse{
		Granted:           decision.Granted,
		Reason:            decision.Reason,
		OwnershipRequired: decision.OwnershipRequired,
	}
	if decision.Matched != nil {
		resp.MatchedAssignment = &decision.Matched.ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.Catalog().ListRoles(r.Context())
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	h.writeJSON(w, http.StatusOK, out)
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required"`
	Level       int    `json:"level" validate:"required,min=1,max=10"`
	Description string `json:"description"`
}

type roleResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
	BuiltIn     bool   `json:"built_in"`
}

func toRoleResponse(role authz.Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Level:       role.Level,
		Description: role.Description,
		BuiltIn:     role.BuiltIn,
	}
}

func (h *Handler) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateCustomRole(r.Context(), principal, req.Name, req.Level, req.Description)
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Level       int    `json:"level" validate:"required,min=1,max=10"`
	Description string `json:"description"`
}

func (h *Handler) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), principal, roleID, req.Level, req.Description)
	if err != nil {
		h.respondError(w, "update role", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), principal, roleID); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	perms, err := h.service.Catalog().PermissionsForRole(r.Context(), roleID)
	if err != nil {
		h.respondError(w, "list role permissions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPermissionResponses(perms))
}

type grantPermissionRequest struct {
	PermissionID int64 `json:"permission_id" validate:"required"`
}

func (h *Handler) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req grantPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.GrantPermissionToRole(r.Context(), principal, roleID, req.PermissionID); err != nil {
		h.respondError(w, "grant permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	Description string `json:"description,omitempty"`
}

func toPermissionResponses(perms []authz.Permission) []permissionResponse {
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{
			ID:          p.ID,
			Name:        p.Name(),
			Resource:    string(p.Resource),
			Action:      string(p.Action),
			Scope:       string(p.Scope),
			Description: p.Description,
		})
	}
	return out
}

func (h *Handler) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.Catalog().ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, "list permissions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPermissionResponses(perms))
}

type assignRequest struct {
	MemberID  string     `json:"member_id" validate:"required"`
	RoleID    int64      `json:"role_id" validate:"required"`
	ScopeKind string     `json:"scope_kind" validate:"required,oneof=global chapter state"`
	ChapterID string     `json:"chapter_id"`
	StateCode string     `json:"state_code"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type assignmentResponse struct {
	ID         int64      `json:"id"`
	MemberID   string     `json:"member_id"`
	RoleID     int64      `json:"role_id"`
	ScopeKind  string     `json:"scope_kind"`
	ChapterID  string     `json:"chapter_id,omitempty"`
	StateCode  string     `json:"state_code,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy string     `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
}

func toAssignmentResponse(a authz.Assignment) assignmentResponse {
	resp := assignmentResponse{
		ID:         a.ID,
		MemberID:   a.MemberID,
		RoleID:     a.RoleID,
		ScopeKind:  string(a.Scope.Kind()),
		AssignedAt: a.AssignedAt,
		AssignedBy: a.AssignedBy,
		ExpiresAt:  a.ExpiresAt,
		Active:     a.Active,
	}
	if id, ok := a.Scope.ChapterID(); ok {
		resp.ChapterID = id
	}
	if code, ok := a.Scope.StateCode(); ok {
		resp.StateCode = code
	}
	return resp
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	scope, err := scopeFromRequest(req.ScopeKind, req.ChapterID, req.StateCode)
	if err != nil {
		h.respondError(w, "parse scope", err)
		return
	}
	created, err := h.service.Assign(r.Context(), principal, req.MemberID, req.RoleID, scope, req.ExpiresAt)
	if err != nil {
		h.respondError(w, "assign role", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toAssignmentResponse(created))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	assignmentID, ok := h.pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	if err := h.service.Revoke(r.Context(), principal, assignmentID); err != nil {
		h.respondError(w, "revoke assignment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAssignments returns a member's effective assignments. A
// member may always inspect their own; inspecting someone else requires
// role.assign authority.
func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	memberID := chi.URLParam(r, "memberID")
	if memberID != principal {
		decision, err := h.service.Evaluator().Authorize(r.Context(), principal,
			authz.ResourceRole, authz.ActionAssign, authz.TargetScope{})
		if err != nil {
			h.respondError(w, "authorize listing", err)
			return
		}
		if !decision.Granted {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}
	assignments, err := h.service.Store().ListEffectiveAssignments(r.Context(), memberID)
	if err != nil {
		h.respondError(w, "list assignments", err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toAssignmentResponse(a))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func scopeFromRequest(kind, chapterID, stateCode string) (authz.Scope, error) {
	switch authz.ScopeKind(kind) {
	case authz.ScopeKindGlobal:
		return authz.GlobalScope(), nil
	case authz.ScopeKindChapter:
		return authz.ChapterScope(chapterID), nil
	case authz.ScopeKindState:
		return authz.StateScope(stateCode), nil
	}
	return authz.Scope{}, authz.ErrInvalidScope
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("write response", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidArgument), errors.Is(err, authz.ErrInvalidScope):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, authz.ErrInsufficientAuthority):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, authz.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, authz.ErrDuplicateAssignment), errors.Is(err, authz.ErrDuplicateRole),
		errors.Is(err, authz.ErrImmutableRole):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, authz.ErrUnavailable):
		// Distinct from a denied decision: the subsystem is broken,
		// not the caller short on access.
		h.logger.Error(op, slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(op, slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
