package auth

import (
	"regexp"
	"strings"

	"warden.dev/internal/errs"
)

// PermissionAction is the verb half of a permission name.
type PermissionAction string

const (
	ActionCreate  PermissionAction = "create"
	ActionRead    PermissionAction = "read"
	ActionUpdate  PermissionAction = "update"
	ActionDelete  PermissionAction = "delete"
	ActionManage  PermissionAction = "manage"
	ActionExecute PermissionAction = "execute"
	ActionExport  PermissionAction = "export"
	ActionImport  PermissionAction = "import"
	ActionPublish PermissionAction = "publish"
	ActionApprove PermissionAction = "approve"
)

// Actions lists every action in catalog order.
var Actions = []PermissionAction{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage,
	ActionExecute, ActionExport, ActionImport, ActionPublish, ActionApprove,
}

// ParseAction accepts an action in any letter case.
func ParseAction(s string) (PermissionAction, error) {
	a := PermissionAction(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", errs.Validation("permission", "unknown action %q", s)
}

// Resource is a catalog entry that gets one permission per action at bootstrap.
type Resource struct {
	Name     string
	Category string
}

const (
	CategoryUserManagement = "User Management"
	CategoryAccessControl  = "Access Control"
	CategorySecurity       = "Security"
	CategoryContent        = "Content"
	CategorySystem         = "System"
)

// Resources is the fixed resource list seeded by Bootstrap.
var Resources = []Resource{
	{Name: "users", Category: CategoryUserManagement},
	{Name: "roles", Category: CategoryAccessControl},
	{Name: "permissions", Category: CategoryAccessControl},
	{Name: "sessions", Category: CategorySecurity},
	{Name: "devices", Category: CategorySecurity},
	{Name: "audit", Category: CategorySecurity},
	{Name: "blogs", Category: CategoryContent},
	{Name: "portfolios", Category: CategoryContent},
	{Name: "skills", Category: CategoryContent},
	{Name: "todos", Category: CategoryContent},
	{Name: "files", Category: CategoryContent},
	{Name: "settings", Category: CategorySystem},
	{Name: "reports", Category: CategorySystem},
}

// Permissions the HTTP layer checks.
const (
	PermUsersRead         = "users.read"
	PermUsersManage       = "users.manage"
	PermRolesRead         = "roles.read"
	PermRolesManage       = "roles.manage"
	PermPermissionsRead   = "permissions.read"
	PermPermissionsManage = "permissions.manage"
	PermSessionsRead      = "sessions.read"
	PermSessionsManage    = "sessions.manage"
	PermAuditRead         = "audit.read"
)

// System roles created by Bootstrap.
const (
	RoleSuperAdmin = "super_admin"
	RoleUser       = "user"
)

var namePart = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// GeneratePermissionName returns the canonical `resource.action` name.
func GeneratePermissionName(resource string, action PermissionAction) string {
	return strings.ToLower(strings.TrimSpace(resource)) + "." + strings.ToLower(string(action))
}

// ParsePermissionName splits and validates a `resource.action` name.
func ParsePermissionName(name string) (string, PermissionAction, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	resource, action, ok := strings.Cut(name, ".")
	if !ok || !namePart.MatchString(resource) {
		return "", "", errs.Validation("permission", "malformed permission name %q, want resource.action", name)
	}
	a, err := ParseAction(action)
	if err != nil {
		return "", "", err
	}
	return resource, a, nil
}

func categoryFor(resource string) string {
	for _, r := range Resources {
		if r.Name == resource {
			return r.Category
		}
	}
	return CategorySystem
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
