package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
)

func (a *API) rbacRoutes(r chi.Router) {
	r.Get("/me/permissions", a.handleMyPermissions)
	r.Post("/me/permissions/check", a.handleCheckPermissions)

	r.With(a.requirePermission(auth.PermUsersRead)).Get("/users/{userID}/permissions", a.handleUserPermissions)
	r.With(a.requirePermission(auth.PermUsersRead)).Get("/users/{userID}/permissions/explain", a.handleExplainPermission)
	r.With(a.requirePermission(auth.PermUsersRead)).Get("/users/{userID}/roles", a.handleListUserRoles)
	r.Group(func(r chi.Router) {
		r.Use(a.requirePermission(auth.PermUsersManage))
		r.Put("/users/{userID}/roles", a.handleAssignRoles)
		r.Delete("/users/{userID}/roles/{roleID}", a.handleRemoveRole)
		r.Put("/users/{userID}/roles/{roleID}/primary", a.handleSetPrimaryRole)
	})

	r.Route("/roles", func(r chi.Router) {
		r.With(a.requirePermission(auth.PermRolesRead)).Get("/", a.handleListRoles)
		r.With(a.requirePermission(auth.PermRolesRead)).Get("/{roleID}", a.handleGetRole)
		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermRolesManage))
			r.Post("/", a.handleCreateRole)
			r.Patch("/{roleID}", a.handleUpdateRole)
			r.Delete("/{roleID}", a.handleDeleteRole)
			r.Put("/{roleID}/permissions", a.handleSetRolePermissions)
		})
	})

	r.Route("/permissions", func(r chi.Router) {
		r.With(a.requirePermission(auth.PermPermissionsRead)).Get("/", a.handleListPermissions)
		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermPermissionsManage))
			r.Post("/", a.handleCreatePermission)
			r.Patch("/{permissionID}", a.handleUpdatePermission)
			r.Delete("/{permissionID}", a.handleDeletePermission)
		})
	})
}

type checkPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=any all"`
}

type assignRolesRequest struct {
	RoleIDs       []string   `json:"role_ids" validate:"required,min=1,dive,required"`
	PrimaryRoleID string     `json:"primary_role_id"`
	ValidFrom     *time.Time `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to"`
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=512"`
	Priority    int    `json:"priority" validate:"gte=0,lte=1000"`
}

type updateRoleRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=64"`
	Description *string `json:"description" validate:"omitempty,max=512"`
	Priority    *int    `json:"priority" validate:"omitempty,gte=0,lte=1000"`
	IsActive    *bool   `json:"is_active"`
}

type setRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids" validate:"dive,required"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Resource    string `json:"resource" validate:"required"`
	Action      string `json:"action" validate:"required"`
	Category    string `json:"category"`
	Description string `json:"description" validate:"max=512"`
}

type updatePermissionRequest struct {
	Category    *string `json:"category"`
	Description *string `json:"description" validate:"omitempty,max=512"`
	IsActive    *bool   `json:"is_active"`
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	summary, err := a.auth.GetUserPermissionSummary(r.Context(), identity(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCheckPermissions(w http.ResponseWriter, r *http.Request) {
	var req checkPermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	uid := identity(r).UserID
	var (
		granted bool
		err     error
	)
	if req.Mode == "all" {
		granted, err = a.auth.CheckAllPermissions(r.Context(), uid, req.Permissions...)
	} else {
		req.Mode = "any"
		granted, err = a.auth.CheckAnyPermission(r.Context(), uid, req.Permissions...)
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"granted":     granted,
		"mode":        req.Mode,
		"permissions": req.Permissions,
	})
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	summary, err := a.auth.GetUserPermissionSummary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleExplainPermission(w http.ResponseWriter, r *http.Request) {
	perm := strings.TrimSpace(r.URL.Query().Get("permission"))
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, "permission query parameter is required")
		return
	}
	check, err := a.auth.CheckPermissionDetailed(r.Context(), chi.URLParam(r, "userID"), perm)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleListUserRoles(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("include_inactive") != "true"
	roles, err := a.auth.ListUserRoles(r.Context(), chi.URLParam(r, "userID"), activeOnly)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req assignRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	assigned, err := a.auth.AssignRoles(r.Context(), userID, auth.AssignRolesInput{
		RoleIDs:       req.RoleIDs,
		PrimaryRoleID: req.PrimaryRoleID,
		ValidFrom:     req.ValidFrom,
		ValidTo:       req.ValidTo,
		AssignedBy:    identity(r).UserID,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.user.assign_roles", map[string]any{
		"target_user": userID,
		"role_ids":    req.RoleIDs,
		"primary":     req.PrimaryRoleID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"roles": assigned})
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID := chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")
	if err := a.auth.RemoveRole(r.Context(), userID, roleID); err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.user.remove_role", map[string]any{"target_user": userID, "role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPrimaryRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID := chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")
	ur, err := a.auth.SetPrimaryRole(r.Context(), userID, roleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.user.primary_role", map[string]any{"target_user": userID, "role_id": roleID})
	writeJSON(w, http.StatusOK, ur)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.auth.ListRoles(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	role, err := a.auth.GetRole(r.Context(), roleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	perms, err := a.auth.RolePermissions(r.Context(), roleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": perms})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	role, err := a.auth.CreateRole(r.Context(), auth.RoleInput{Name: req.Name, Description: req.Description, Priority: req.Priority})
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.role.create", map[string]any{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	role, err := a.auth.UpdateRole(r.Context(), chi.URLParam(r, "roleID"), auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		IsActive:    req.IsActive,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.role.update", map[string]any{"role_id": role.ID})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	if err := a.auth.DeleteRole(r.Context(), roleID); err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.role.delete", map[string]any{"role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req setRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	roleID := chi.URLParam(r, "roleID")
	perms, err := a.auth.SetRolePermissions(r.Context(), roleID, req.PermissionIDs)
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.role.permissions.update", map[string]any{
		"role_id": roleID,
		"count":   strconv.Itoa(len(perms)),
	})
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("group") == "category" {
		grouped, err := a.auth.PermissionsByCategory(r.Context())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": grouped})
		return
	}
	perms, err := a.auth.ListPermissions(r.Context(), auth.PermissionFilter{
		Category:   q.Get("category"),
		Resource:   q.Get("resource"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	action, err := auth.ParseAction(req.Action)
	if err != nil {
		handleError(w, r, err)
		return
	}
	p, err := a.auth.CreatePermission(r.Context(), auth.PermissionInput{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      action,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.permission.create", map[string]any{"permission_id": p.ID, "name": p.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", p.ID))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	p, err := a.auth.UpdatePermission(r.Context(), chi.URLParam(r, "permissionID"), auth.PermissionUpdate{
		Category:    req.Category,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.permission.update", map[string]any{"permission_id": p.ID})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "permissionID")
	if err := a.auth.DeletePermission(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "rbac.permission.delete", map[string]any{"permission_id": id})
	w.WriteHeader(http.StatusNoContent)
}
