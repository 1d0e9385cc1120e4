package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kestrel-iot/kestrel/internal/platform/httpx"
	"github.com/kestrel-iot/kestrel/internal/shared"
)

// Permission domains protected by this service's own API.
const (
	DomainRole   = "role"
	DomainAccess = "access_info"
)

// Handler wires the JSON endpoints for role and access-grant management
// and for permission resolution.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	resolver  *Resolver
	directory UserDirectory
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, resolver *Resolver, directory UserDirectory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		directory: directory,
		validator: validator.New(),
	}
}

// MountRoutes registers the authz routes, each guarded by the decision
// point with the permission it requires.
func (h *Handler) MountRoutes(r chi.Router, mw Middleware) {
	r.Route("/roles", func(r chi.Router) {
		r.With(mw.RequirePermission(DomainRole, ActionRead)).Get("/", h.listRoles)
		r.With(mw.RequirePermission(DomainRole, ActionRead)).Get("/{roleID}", h.getRole)
		r.With(mw.RequirePermission(DomainRole, ActionWrite)).Post("/", h.createRole)
		r.With(mw.RequirePermission(DomainRole, ActionWrite)).Put("/{roleID}", h.updateRole)
		r.With(mw.RequirePermission(DomainRole, ActionDelete)).Delete("/{roleID}", h.deleteRole)
	})
	r.Route("/grants", func(r chi.Router) {
		r.With(mw.RequirePermission(DomainAccess, ActionWrite)).Post("/", h.grantAccess)
		r.With(mw.RequirePermission(DomainAccess, ActionDelete)).Delete("/{grantID}", h.revokeAccess)
	})
	r.With(mw.RequirePermission(DomainAccess, ActionRead)).
		Get("/principals/{name}/permissions", h.resolvePrincipal)
}

type permissionPayload struct {
	Domain        string `json:"domain" validate:"required"`
	Action        string `json:"action" validate:"required,oneof=read write delete all"`
	TargetScopeID string `json:"target_scope_id,omitempty" validate:"omitempty,uuid"`
}

type rolePayload struct {
	Name        string              `json:"name" validate:"required,min=3,max=255"`
	Permissions []permissionPayload `json:"permissions" validate:"dive"`
}

type grantPayload struct {
	UserID      string              `json:"user_id" validate:"required,uuid"`
	RoleIDs     []string            `json:"role_ids" validate:"dive,uuid"`
	Permissions []permissionPayload `json:"permissions" validate:"dive"`
}

type permissionResponse struct {
	Domain        string `json:"domain"`
	Action        string `json:"action"`
	TargetScopeID string `json:"target_scope_id,omitempty"`
}

type roleResponse struct {
	ID          string               `json:"id"`
	ScopeID     string               `json:"scope_id"`
	Name        string               `json:"name"`
	Permissions []permissionResponse `json:"permissions"`
	CreatedAt   time.Time            `json:"created_at"`
	ModifiedAt  time.Time            `json:"modified_at"`
}

type grantResponse struct {
	ID      string `json:"id"`
	ScopeID string `json:"scope_id"`
	UserID  string `json:"user_id"`
}

type resolutionResponse struct {
	Principal   string               `json:"principal"`
	Permissions []permissionResponse `json:"permissions"`
	Roles       []string             `json:"roles"`
}

type roleListResponse struct {
	Items      []roleResponse `json:"items"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	roles, err := h.service.ListRoles(r.Context(), principal.ScopeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := shared.NewPagination(page, perPage, len(roles))

	start := (p.Page - 1) * p.PerPage
	if start > len(roles) {
		start = len(roles)
	}
	end := start + p.PerPage
	if end > len(roles) {
		end = len(roles)
	}

	out := roleListResponse{
		Items:      make([]roleResponse, 0, end-start),
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}
	for _, role := range roles[start:end] {
		out.Items = append(out.Items, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	role, err := h.service.GetRole(r.Context(), principal.ScopeID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	perms, err := toPermissions(payload.Permissions)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	role, err := h.service.CreateRole(r.Context(), principal.ScopeID, principal.ID, payload.Name, perms)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	var payload rolePayload
	if !h.decode(w, r, &payload) {
		return
	}
	perms, err := toPermissions(payload.Permissions)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	role, err := h.service.UpdateRole(r.Context(), principal.ScopeID, id, principal.ID, payload.Name, perms)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	if err := h.service.DeleteRole(r.Context(), principal.ScopeID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantAccess(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var payload grantPayload
	if !h.decode(w, r, &payload) {
		return
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	roleIDs := make([]uuid.UUID, 0, len(payload.RoleIDs))
	for _, raw := range payload.RoleIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
			return
		}
		roleIDs = append(roleIDs, id)
	}
	perms, err := toPermissions(payload.Permissions)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	info, err := h.service.GrantAccess(r.Context(), principal.ScopeID, principal.ID, userID, roleIDs, perms)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grantResponse{
		ID:      info.ID.String(),
		ScopeID: info.ScopeID.String(),
		UserID:  info.UserID.String(),
	})
}

func (h *Handler) revokeAccess(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid identifier")
		return
	}
	if err := h.service.RevokeAccess(r.Context(), principal.ScopeID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolvePrincipal(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	set, err := h.resolver.Resolve(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	perms := set.Permissions()
	out := resolutionResponse{
		Principal:   name,
		Permissions: make([]permissionResponse, 0, len(perms)),
		Roles:       set.Roles(),
	}
	for _, p := range perms {
		out.Permissions = append(out.Permissions, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// principal resolves the session user into a principal record. The scope of
// every operation is the caller's own scope; it never comes from the
// request payload.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return nil, false
	}
	principal, err := h.directory.FindByName(r.Context(), sess.User())
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return principal, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httpx.DecodeJSON(r, v); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrUnknownPrincipal):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	case errors.Is(err, shared.ErrEntityExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", "an entity with the same name already exists")
	case errors.Is(err, shared.ErrResolution), errors.Is(err, shared.ErrPersistence):
		h.logger.Error("store failure", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	}
}

func toPermissions(payloads []permissionPayload) ([]Permission, error) {
	perms := make([]Permission, 0, len(payloads))
	for _, p := range payloads {
		target := uuid.Nil
		if p.TargetScopeID != "" {
			parsed, err := uuid.Parse(p.TargetScopeID)
			if err != nil {
				return nil, err
			}
			target = parsed
		}
		perms = append(perms, Permission{
			Domain:        p.Domain,
			Action:        Action(p.Action),
			TargetScopeID: target,
		})
	}
	return perms, nil
}

func toPermissionResponse(p Permission) permissionResponse {
	out := permissionResponse{Domain: p.Domain, Action: string(p.Action)}
	if p.TargetScopeID != uuid.Nil {
		out.TargetScopeID = p.TargetScopeID.String()
	}
	return out
}

func toRoleResponse(role Role) roleResponse {
	perms := make([]permissionResponse, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		perms = append(perms, toPermissionResponse(p))
	}
	return roleResponse{
		ID:          role.ID.String(),
		ScopeID:     role.ScopeID.String(),
		Name:        role.Name,
		Permissions: perms,
		CreatedAt:   role.CreatedAt,
		ModifiedAt:  role.ModifiedAt,
	}
}
