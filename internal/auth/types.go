package auth

import "time"

// Permission is a `resource.action` capability in the catalog.
type Permission struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Resource    string           `json:"resource"`
	Action      PermissionAction `json:"action"`
	Category    string           `json:"category"`
	Description string           `json:"description,omitempty"`
	IsSystem    bool             `json:"is_system"`
	IsActive    bool             `json:"is_active"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Role groups permissions. Priority orders roles for display only; it never
// implies that one role inherits another's grants.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RolePermission grants a permission to a role. Rows are toggled, never duplicated.
type RolePermission struct {
	ID           string     `json:"id"`
	RoleID       string     `json:"role_id"`
	PermissionID string     `json:"permission_id"`
	IsActive     bool       `json:"is_active"`
	GrantedAt    time.Time  `json:"granted_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Version      int64      `json:"version"`
}

// UserRole assigns a role to a user for an optional validity window. Rows are
// deactivated, never removed.
type UserRole struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	RoleID        string     `json:"role_id"`
	IsPrimary     bool       `json:"is_primary"`
	IsActive      bool       `json:"is_active"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
	AssignedBy    string     `json:"assigned_by,omitempty"`
	AssignedAt    time.Time  `json:"assigned_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	Version       int64      `json:"version"`
}

// InEffect reports whether the assignment is active and inside its window at now.
func (ur UserRole) InEffect(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	if ur.ValidFrom != nil && ur.ValidFrom.After(now) {
		return false
	}
	if ur.ValidTo != nil && ur.ValidTo.Before(now) {
		return false
	}
	return true
}

// Expired reports whether an active assignment has run past its window.
func (ur UserRole) Expired(now time.Time) bool {
	return ur.IsActive && ur.ValidTo != nil && ur.ValidTo.Before(now)
}

type PermissionInput struct {
	// Name may be empty, in which case it is generated from Resource and Action.
	Name        string
	Resource    string
	Action      PermissionAction
	Category    string
	Description string
}

type PermissionUpdate struct {
	Category    *string
	Description *string
	IsActive    *bool
}

type PermissionFilter struct {
	Category   string
	Resource   string
	ActiveOnly bool
}

type RoleInput struct {
	Name        string
	Description string
	Priority    int
}

type RoleUpdate struct {
	Name        *string
	Description *string
	Priority    *int
	IsActive    *bool
}

type AssignRolesInput struct {
	RoleIDs       []string
	PrimaryRoleID string
	ValidFrom     *time.Time
	ValidTo       *time.Time
	AssignedBy    string
}

// RoleGrant explains one role's contribution to a permission decision.
type RoleGrant struct {
	RoleID      string `json:"role_id"`
	RoleName    string `json:"role_name"`
	IsPrimary   bool   `json:"is_primary"`
	Grants      bool   `json:"grants"`
	Permissions int    `json:"permissions"`
}

// PermissionCheck is the detailed answer to "may this user do that, and why".
type PermissionCheck struct {
	UserID     string      `json:"user_id"`
	Permission string      `json:"permission"`
	Granted    bool        `json:"granted"`
	Roles      []RoleGrant `json:"roles"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// RoleSummary is a role held by a user, as reported by the permission summary.
type RoleSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Priority  int        `json:"priority"`
	IsPrimary bool       `json:"is_primary"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

type PermissionSummary struct {
	UserID                string              `json:"user_id"`
	Roles                 []RoleSummary       `json:"roles"`
	Permissions           []string            `json:"permissions"`
	PermissionsByCategory map[string][]string `json:"permissions_by_category"`
}
