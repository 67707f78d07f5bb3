package auth

import (
	"context"
	"fmt"

	"warden.dev/internal/errs"
)

// BootstrapResult reports what a Bootstrap run created.
type BootstrapResult struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	GrantsCreated      int `json:"grants_created"`
}

type systemRole struct {
	input RoleInput
	// grants selects the catalog permissions the role receives.
	grants func(Permission) bool
}

var systemRoles = []systemRole{
	{
		input:  RoleInput{Name: RoleSuperAdmin, Description: "Unrestricted access to every resource", Priority: 100},
		grants: func(Permission) bool { return true },
	},
	{
		input: RoleInput{Name: RoleUser, Description: "Read access to content", Priority: 10},
		grants: func(p Permission) bool {
			return p.Category == CategoryContent && p.Action == ActionRead
		},
	},
}

// Bootstrap seeds one system permission per resource and action, then the
// system roles and their grants. Existing names are skipped, so repeated runs
// converge on the same catalog.
func (s *Service) Bootstrap(ctx context.Context) (BootstrapResult, error) {
	var res BootstrapResult
	for _, r := range Resources {
		for _, a := range Actions {
			name := GeneratePermissionName(r.Name, a)
			if _, err := s.store.FindPermissionByName(ctx, name); err == nil {
				continue
			} else if !errs.IsNotFound(err) {
				return res, err
			}
			_, err := s.createPermission(ctx, PermissionInput{Resource: r.Name, Action: a, Category: r.Category}, true)
			switch {
			case err == nil:
				res.PermissionsCreated++
			case lostSeedRace(err):
				// a concurrent bootstrap created the row first
			default:
				return res, fmt.Errorf("seed permission %s: %w", name, err)
			}
		}
	}

	catalog, err := s.store.ListPermissions(ctx)
	if err != nil {
		return res, err
	}
	for _, sr := range systemRoles {
		role, err := s.store.FindRoleByName(ctx, sr.input.Name)
		if errs.IsNotFound(err) {
			role, err = s.createRole(ctx, sr.input, true)
			if err == nil {
				res.RolesCreated++
			} else if lostSeedRace(err) {
				role, err = s.store.FindRoleByName(ctx, sr.input.Name)
			}
		}
		if err != nil {
			return res, fmt.Errorf("seed role %s: %w", sr.input.Name, err)
		}
		created, err := s.seedGrants(ctx, role, catalog, sr.grants)
		res.GrantsCreated += created
		if err != nil {
			return res, fmt.Errorf("seed grants for %s: %w", role.Name, err)
		}
	}
	if res.GrantsCreated > 0 {
		s.invalidateAll(ctx)
	}
	s.log.Info().
		Int("permissions_created", res.PermissionsCreated).
		Int("roles_created", res.RolesCreated).
		Int("grants_created", res.GrantsCreated).
		Msg("rbac bootstrap complete")
	return res, nil
}

func (s *Service) seedGrants(ctx context.Context, role Role, catalog []Permission, match func(Permission) bool) (int, error) {
	unlock := s.locks.Lock(roleLockKey(role.ID))
	defer unlock()
	created := 0
	for _, p := range catalog {
		if !p.IsSystem || !p.IsActive || !match(p) {
			continue
		}
		_, changed, err := s.grantLocked(ctx, role.ID, p.ID)
		if lostSeedRace(err) {
			continue
		}
		if err != nil {
			return created, err
		}
		if changed {
			created++
		}
	}
	return created, nil
}

// lostSeedRace reports a unique-key collision with another bootstrap. The
// memory store reports a taken name as a validation error and postgres
// reports a taken key as a conflict.
func lostSeedRace(err error) bool {
	return errs.IsValidation(err) || errs.IsConflict(err)
}
