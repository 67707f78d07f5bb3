package auth

import (
	"context"
	"time"
)

// Store implementations must serialize writes per collection, allocate ids
// atomically and enforce case-insensitive name uniqueness. Updates carry the
// version the caller read; a mismatch fails with errs.ErrConcurrency and a
// successful update bumps it.
type Store interface {
	PermissionStore
	RoleStore
	GrantStore
	AssignmentStore
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (Permission, error)
	FindPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpdatePermission(ctx context.Context, p *Permission) error
	DeletePermission(ctx context.Context, id string) error
}

// RoleStore manages roles.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
}

// GrantStore manages role-permission edges, active and inactive alike.
type GrantStore interface {
	CreateRolePermission(ctx context.Context, rp *RolePermission) error
	FindRolePermission(ctx context.Context, roleID, permissionID string) (RolePermission, error)
	ListRolePermissions(ctx context.Context, roleID string) ([]RolePermission, error)
	ListPermissionGrants(ctx context.Context, permissionID string) ([]RolePermission, error)
	UpdateRolePermission(ctx context.Context, rp *RolePermission) error
}

// AssignmentStore manages user-role rows.
type AssignmentStore interface {
	CreateUserRole(ctx context.Context, ur *UserRole) error
	GetUserRole(ctx context.Context, id string) (UserRole, error)
	ListUserRoles(ctx context.Context, userID string) ([]UserRole, error)
	ListRoleAssignments(ctx context.Context, roleID string) ([]UserRole, error)
	// ListExpiredUserRoles returns active rows whose valid_to is before now.
	ListExpiredUserRoles(ctx context.Context, now time.Time) ([]UserRole, error)
	UpdateUserRole(ctx context.Context, ur *UserRole) error
}
