package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
)

func (s *Store) CreatePermission(ctx context.Context, p *auth.Permission) error {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	key := strings.ToLower(p.Name)
	if _, taken := s.permByName[key]; taken {
		return errs.Duplicate("permission", p.Name)
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if _, exists := s.permissions[p.ID]; exists {
		return errs.Conflict("permission", p.ID, "id already exists")
	}
	if p.Version == 0 {
		p.Version = 1
	}
	cp := *p
	s.permissions[p.ID] = &cp
	s.permByName[key] = p.ID
	return nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	s.permMu.RLock()
	defer s.permMu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, errs.NotFound("permission", id)
	}
	return *p, nil
}

func (s *Store) FindPermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	s.permMu.RLock()
	defer s.permMu.RUnlock()
	id, ok := s.permByName[strings.ToLower(name)]
	if !ok {
		return auth.Permission{}, errs.NotFound("permission", name)
	}
	return *s.permissions[id], nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	s.permMu.RLock()
	defer s.permMu.RUnlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdatePermission(ctx context.Context, p *auth.Permission) error {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	cur, ok := s.permissions[p.ID]
	if !ok {
		return errs.NotFound("permission", p.ID)
	}
	if cur.Version != p.Version {
		return errs.Concurrency("permission", p.ID)
	}
	oldKey, newKey := strings.ToLower(cur.Name), strings.ToLower(p.Name)
	if oldKey != newKey {
		if _, taken := s.permByName[newKey]; taken {
			return errs.Duplicate("permission", p.Name)
		}
		delete(s.permByName, oldKey)
		s.permByName[newKey] = p.ID
	}
	p.Version++
	cp := *p
	s.permissions[p.ID] = &cp
	return nil
}

func (s *Store) DeletePermission(ctx context.Context, id string) error {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return errs.NotFound("permission", id)
	}
	delete(s.permByName, strings.ToLower(p.Name))
	delete(s.permissions, id)
	return nil
}

func (s *Store) CreateRole(ctx context.Context, r *auth.Role) error {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	key := strings.ToLower(r.Name)
	if _, taken := s.roleByName[key]; taken {
		return errs.Duplicate("role", r.Name)
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if _, exists := s.roles[r.ID]; exists {
		return errs.Conflict("role", r.ID, "id already exists")
	}
	if r.Version == 0 {
		r.Version = 1
	}
	cp := *r
	s.roles[r.ID] = &cp
	s.roleByName[key] = r.ID
	return nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, errs.NotFound("role", id)
	}
	return *r, nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	id, ok := s.roleByName[strings.ToLower(name)]
	if !ok {
		return auth.Role{}, errs.NotFound("role", name)
	}
	return *s.roles[id], nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, r *auth.Role) error {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	cur, ok := s.roles[r.ID]
	if !ok {
		return errs.NotFound("role", r.ID)
	}
	if cur.Version != r.Version {
		return errs.Concurrency("role", r.ID)
	}
	oldKey, newKey := strings.ToLower(cur.Name), strings.ToLower(r.Name)
	if oldKey != newKey {
		if _, taken := s.roleByName[newKey]; taken {
			return errs.Duplicate("role", r.Name)
		}
		delete(s.roleByName, oldKey)
		s.roleByName[newKey] = r.ID
	}
	r.Version++
	cp := *r
	s.roles[r.ID] = &cp
	return nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return errs.NotFound("role", id)
	}
	delete(s.roleByName, strings.ToLower(r.Name))
	delete(s.roles, id)
	return nil
}

func cloneGrant(rp *auth.RolePermission) auth.RolePermission {
	out := *rp
	out.RevokedAt = copyTime(rp.RevokedAt)
	return out
}

func (s *Store) CreateRolePermission(ctx context.Context, rp *auth.RolePermission) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	key := pair(rp.RoleID, rp.PermissionID)
	if _, taken := s.grantBy[key]; taken {
		return errs.Conflict("role permission", key, "grant already exists")
	}
	if rp.ID == "" {
		rp.ID = ids.New()
	}
	if rp.Version == 0 {
		rp.Version = 1
	}
	cp := cloneGrant(rp)
	s.grants[rp.ID] = &cp
	s.grantBy[key] = rp.ID
	return nil
}

func (s *Store) FindRolePermission(ctx context.Context, roleID, permissionID string) (auth.RolePermission, error) {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	id, ok := s.grantBy[pair(roleID, permissionID)]
	if !ok {
		return auth.RolePermission{}, errs.NotFound("role permission", pair(roleID, permissionID))
	}
	return cloneGrant(s.grants[id]), nil
}

func (s *Store) listGrants(match func(*auth.RolePermission) bool) []auth.RolePermission {
	s.grantMu.RLock()
	defer s.grantMu.RUnlock()
	var out []auth.RolePermission
	for _, rp := range s.grants {
		if match(rp) {
			out = append(out, cloneGrant(rp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]auth.RolePermission, error) {
	return s.listGrants(func(rp *auth.RolePermission) bool { return rp.RoleID == roleID }), nil
}

func (s *Store) ListPermissionGrants(ctx context.Context, permissionID string) ([]auth.RolePermission, error) {
	return s.listGrants(func(rp *auth.RolePermission) bool { return rp.PermissionID == permissionID }), nil
}

func (s *Store) UpdateRolePermission(ctx context.Context, rp *auth.RolePermission) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	cur, ok := s.grants[rp.ID]
	if !ok {
		return errs.NotFound("role permission", rp.ID)
	}
	if cur.Version != rp.Version {
		return errs.Concurrency("role permission", rp.ID)
	}
	if cur.RoleID != rp.RoleID || cur.PermissionID != rp.PermissionID {
		return errs.Validation("role permission", "role and permission of a grant cannot change")
	}
	rp.Version++
	cp := cloneGrant(rp)
	s.grants[rp.ID] = &cp
	return nil
}

func cloneAssignment(ur *auth.UserRole) auth.UserRole {
	out := *ur
	out.ValidFrom = copyTime(ur.ValidFrom)
	out.ValidTo = copyTime(ur.ValidTo)
	out.DeactivatedAt = copyTime(ur.DeactivatedAt)
	return out
}

func (s *Store) CreateUserRole(ctx context.Context, ur *auth.UserRole) error {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()
	if ur.ID == "" {
		ur.ID = ids.New()
	}
	if _, exists := s.assignments[ur.ID]; exists {
		return errs.Conflict("user role", ur.ID, "id already exists")
	}
	if ur.Version == 0 {
		ur.Version = 1
	}
	cp := cloneAssignment(ur)
	s.assignments[ur.ID] = &cp
	return nil
}

func (s *Store) GetUserRole(ctx context.Context, id string) (auth.UserRole, error) {
	s.assignMu.RLock()
	defer s.assignMu.RUnlock()
	ur, ok := s.assignments[id]
	if !ok {
		return auth.UserRole{}, errs.NotFound("user role", id)
	}
	return cloneAssignment(ur), nil
}

func (s *Store) listAssignments(match func(*auth.UserRole) bool) []auth.UserRole {
	s.assignMu.RLock()
	defer s.assignMu.RUnlock()
	var out []auth.UserRole
	for _, ur := range s.assignments {
		if match(ur) {
			out = append(out, cloneAssignment(ur))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]auth.UserRole, error) {
	return s.listAssignments(func(ur *auth.UserRole) bool { return ur.UserID == userID }), nil
}

func (s *Store) ListRoleAssignments(ctx context.Context, roleID string) ([]auth.UserRole, error) {
	return s.listAssignments(func(ur *auth.UserRole) bool { return ur.RoleID == roleID }), nil
}

func (s *Store) ListExpiredUserRoles(ctx context.Context, now time.Time) ([]auth.UserRole, error) {
	return s.listAssignments(func(ur *auth.UserRole) bool { return ur.Expired(now) }), nil
}

func (s *Store) UpdateUserRole(ctx context.Context, ur *auth.UserRole) error {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()
	cur, ok := s.assignments[ur.ID]
	if !ok {
		return errs.NotFound("user role", ur.ID)
	}
	if cur.Version != ur.Version {
		return errs.Concurrency("user role", ur.ID)
	}
	ur.Version++
	cp := cloneAssignment(ur)
	s.assignments[ur.ID] = &cp
	return nil
}
