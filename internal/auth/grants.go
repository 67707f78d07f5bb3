package auth

import (
	"context"
	"sort"
	"strings"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
)

// GrantPermission links a permission to a role. Granting an existing edge
// reactivates it; granting an active edge is a no-op.
func (s *Service) GrantPermission(ctx context.Context, roleID, permissionID string) (RolePermission, error) {
	roleID, permissionID = strings.TrimSpace(roleID), strings.TrimSpace(permissionID)
	unlock := s.locks.LockAll(roleLockKey(roleID), permissionLockKey(permissionID))
	defer unlock()

	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return RolePermission{}, err
	}
	perm, err := s.GetPermission(ctx, permissionID)
	if err != nil {
		return RolePermission{}, err
	}
	if !perm.IsActive {
		return RolePermission{}, errs.Validation("role permission", "permission %q is inactive", perm.Name)
	}

	rp, changed, err := s.grantLocked(ctx, role.ID, perm.ID)
	if err != nil {
		return RolePermission{}, err
	}
	if changed {
		s.invalidateAll(ctx)
	}
	return rp, nil
}

func (s *Service) grantLocked(ctx context.Context, roleID, permissionID string) (RolePermission, bool, error) {
	now := s.now().UTC()
	existing, err := s.store.FindRolePermission(ctx, roleID, permissionID)
	switch {
	case err == nil:
		if existing.IsActive {
			return existing, false, nil
		}
		existing.IsActive = true
		existing.GrantedAt = now
		existing.RevokedAt = nil
		if err := s.store.UpdateRolePermission(ctx, &existing); err != nil {
			return RolePermission{}, false, err
		}
		return existing, true, nil
	case errs.IsNotFound(err):
		rp := RolePermission{
			ID:           ids.At(now),
			RoleID:       roleID,
			PermissionID: permissionID,
			IsActive:     true,
			GrantedAt:    now,
			Version:      1,
		}
		if err := s.store.CreateRolePermission(ctx, &rp); err != nil {
			return RolePermission{}, false, err
		}
		return rp, true, nil
	default:
		return RolePermission{}, false, err
	}
}

// RevokePermission deactivates a grant. Revoking an inactive grant is a no-op.
func (s *Service) RevokePermission(ctx context.Context, roleID, permissionID string) error {
	roleID, permissionID = strings.TrimSpace(roleID), strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return errs.Validation("role permission", "role_id and permission_id are required")
	}
	unlock := s.locks.Lock(roleLockKey(roleID))
	defer unlock()

	rp, err := s.store.FindRolePermission(ctx, roleID, permissionID)
	if err != nil {
		return err
	}
	if !rp.IsActive {
		return nil
	}
	rp.IsActive = false
	rp.RevokedAt = timePtr(s.now().UTC())
	if err := s.store.UpdateRolePermission(ctx, &rp); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// SetRolePermissions makes the role's active grants exactly permissionIDs.
func (s *Service) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) ([]Permission, error) {
	roleID = strings.TrimSpace(roleID)
	permissionIDs = dedupeStrings(permissionIDs)
	keys := make([]string, 0, len(permissionIDs)+1)
	for _, id := range permissionIDs {
		keys = append(keys, permissionLockKey(id))
	}
	unlock := s.locks.LockAll(append(keys, roleLockKey(roleID))...)
	defer unlock()

	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]Permission, len(permissionIDs))
	for _, id := range permissionIDs {
		p, err := s.store.GetPermission(ctx, id)
		if err != nil {
			return nil, err
		}
		if !p.IsActive {
			return nil, errs.Validation("role permission", "permission %q is inactive", p.Name)
		}
		wanted[p.ID] = p
	}

	current, err := s.store.ListRolePermissions(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for _, rp := range current {
		if _, keep := wanted[rp.PermissionID]; keep || !rp.IsActive {
			continue
		}
		rp.IsActive = false
		rp.RevokedAt = timePtr(now)
		if err := s.store.UpdateRolePermission(ctx, &rp); err != nil {
			return nil, err
		}
	}
	for _, id := range permissionIDs {
		if _, _, err := s.grantLocked(ctx, role.ID, id); err != nil {
			return nil, err
		}
	}
	s.invalidateAll(ctx)

	out := make([]Permission, 0, len(wanted))
	for _, id := range permissionIDs {
		out = append(out, wanted[id])
	}
	return out, nil
}

// RolePermissions returns the active permissions granted to a role, by name.
func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.catalogIndex(ctx)
	if err != nil {
		return nil, err
	}
	return s.activeRolePermissions(ctx, role.ID, catalog)
}

func (s *Service) catalogIndex(ctx context.Context) (map[string]Permission, error) {
	all, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]Permission, len(all))
	for _, p := range all {
		idx[p.ID] = p
	}
	return idx, nil
}

// activeRolePermissions resolves a role's active grants to active permissions.
// Grants pointing at deleted permissions are skipped.
func (s *Service) activeRolePermissions(ctx context.Context, roleID string, catalog map[string]Permission) ([]Permission, error) {
	grants, err := s.store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, 0, len(grants))
	for _, g := range grants {
		if !g.IsActive {
			continue
		}
		p, ok := catalog[g.PermissionID]
		if !ok || !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
}
