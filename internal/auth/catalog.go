package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
)

const maxRoleNameLength = 64

// CreatePermission adds a custom permission to the catalog.
func (s *Service) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	return s.createPermission(ctx, in, false)
}

func (s *Service) createPermission(ctx context.Context, in PermissionInput, system bool) (Permission, error) {
	var (
		resource string
		action   PermissionAction
		err      error
	)
	if strings.TrimSpace(in.Name) != "" {
		resource, action, err = ParsePermissionName(in.Name)
		if err != nil {
			return Permission{}, err
		}
		if r := normalizeName(in.Resource); r != "" && r != resource {
			return Permission{}, errs.Validation("permission", "resource %q does not match name %q", in.Resource, in.Name)
		}
		if in.Action != "" && PermissionAction(normalizeName(string(in.Action))) != action {
			return Permission{}, errs.Validation("permission", "action %q does not match name %q", in.Action, in.Name)
		}
	} else {
		resource = normalizeName(in.Resource)
		if !namePart.MatchString(resource) {
			return Permission{}, errs.Validation("permission", "resource %q is invalid", in.Resource)
		}
		action, err = ParseAction(string(in.Action))
		if err != nil {
			return Permission{}, err
		}
	}
	name := GeneratePermissionName(resource, action)

	if _, err := s.store.FindPermissionByName(ctx, name); err == nil {
		return Permission{}, errs.Duplicate("permission", name)
	} else if !errs.IsNotFound(err) {
		return Permission{}, err
	}

	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = categoryFor(resource)
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = fmt.Sprintf("%s %s", titleCase(string(action)), resource)
	}
	now := s.now().UTC()
	p := Permission{
		ID:          ids.At(now),
		Name:        name,
		Resource:    resource,
		Action:      action,
		Category:    category,
		Description: description,
		IsSystem:    system,
		IsActive:    true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePermission(ctx, &p); err != nil {
		return Permission{}, err
	}
	s.log.Info().Str("permission", p.Name).Bool("system", system).Msg("permission created")
	return p, nil
}

func (s *Service) GetPermission(ctx context.Context, id string) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, errs.Validation("permission", "id is required")
	}
	return s.store.GetPermission(ctx, id)
}

// ListPermissions returns catalog entries matching filter, ordered by name.
func (s *Service) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	all, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Permission, 0, len(all))
	for _, p := range all {
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(filter.Category, p.Category) {
			continue
		}
		if filter.Resource != "" && !strings.EqualFold(filter.Resource, p.Resource) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PermissionsByCategory groups active permissions by category.
func (s *Service) PermissionsByCategory(ctx context.Context) (map[string][]Permission, error) {
	perms, err := s.ListPermissions(ctx, PermissionFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Permission)
	for _, p := range perms {
		out[p.Category] = append(out[p.Category], p)
	}
	return out, nil
}

func (s *Service) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	p, err := s.GetPermission(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	if p.IsSystem {
		return Permission{}, errs.Immutable("permission", p.Name)
	}
	if upd.Category != nil {
		c := strings.TrimSpace(*upd.Category)
		if c == "" {
			return Permission{}, errs.Validation("permission", "category must not be empty")
		}
		p.Category = c
	}
	if upd.Description != nil {
		p.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePermission(ctx, &p); err != nil {
		return Permission{}, err
	}
	s.invalidateAll(ctx)
	return p, nil
}

// DeletePermission removes a custom permission that no active grant references.
func (s *Service) DeletePermission(ctx context.Context, id string) error {
	unlock := s.locks.Lock(permissionLockKey(strings.TrimSpace(id)))
	defer unlock()

	p, err := s.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if p.IsSystem {
		return errs.Immutable("permission", p.Name)
	}
	grants, err := s.store.ListPermissionGrants(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if g.IsActive {
			return errs.InUse("permission", p.Name, "role grants")
		}
	}
	if err := s.store.DeletePermission(ctx, p.ID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	s.log.Info().Str("permission", p.Name).Msg("permission deleted")
	return nil
}

func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	return s.createRole(ctx, in, false)
}

func (s *Service) createRole(ctx context.Context, in RoleInput, system bool) (Role, error) {
	name, err := validateRoleName(in.Name)
	if err != nil {
		return Role{}, err
	}
	if _, err := s.store.FindRoleByName(ctx, name); err == nil {
		return Role{}, errs.Duplicate("role", name)
	} else if !errs.IsNotFound(err) {
		return Role{}, err
	}
	now := s.now().UTC()
	r := Role{
		ID:          ids.At(now),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Priority:    in.Priority,
		IsSystem:    system,
		IsActive:    true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRole(ctx, &r); err != nil {
		return Role{}, err
	}
	s.log.Info().Str("role", r.Name).Bool("system", system).Msg("role created")
	return r, nil
}

func validateRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.Validation("role", "name is required")
	}
	if len(name) > maxRoleNameLength {
		return "", errs.Validation("role", "name exceeds %d characters", maxRoleNameLength)
	}
	return name, nil
}

func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, errs.Validation("role", "id is required")
	}
	return s.store.GetRole(ctx, id)
}

// ListRoles returns roles by descending priority, then name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	sortRoles(roles)
	return roles, nil
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return strings.ToLower(roles[i].Name) < strings.ToLower(roles[j].Name)
	})
}

func (s *Service) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	r, err := s.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if r.IsSystem {
		return Role{}, errs.Immutable("role", r.Name)
	}
	if upd.Name != nil {
		name, err := validateRoleName(*upd.Name)
		if err != nil {
			return Role{}, err
		}
		if !strings.EqualFold(name, r.Name) {
			if _, err := s.store.FindRoleByName(ctx, name); err == nil {
				return Role{}, errs.Duplicate("role", name)
			} else if !errs.IsNotFound(err) {
				return Role{}, err
			}
		}
		r.Name = name
	}
	if upd.Description != nil {
		r.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Priority != nil {
		r.Priority = *upd.Priority
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRole(ctx, &r); err != nil {
		return Role{}, err
	}
	s.invalidateAll(ctx)
	return r, nil
}

// DeleteRole removes a custom role once no active assignment references it.
// Its grants are deactivated first so the graph keeps an audit trail.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	unlock := s.locks.Lock(roleLockKey(strings.TrimSpace(id)))
	defer unlock()

	r, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if r.IsSystem {
		return errs.Immutable("role", r.Name)
	}

	assignments, err := s.store.ListRoleAssignments(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.IsActive {
			return errs.InUse("role", r.Name, "user role assignments")
		}
	}
	grants, err := s.store.ListRolePermissions(ctx, r.ID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	deactivated := 0
	for _, g := range grants {
		if !g.IsActive {
			continue
		}
		deactivated++
		g.IsActive = false
		g.RevokedAt = timePtr(now)
		if err := s.store.UpdateRolePermission(ctx, &g); err != nil {
			return fmt.Errorf("deactivate grant %s: %w", g.ID, err)
		}
	}
	if err := s.store.DeleteRole(ctx, r.ID); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	s.log.Info().Str("role", r.Name).Int("grants_deactivated", deactivated).Msg("role deleted")
	return nil
}
