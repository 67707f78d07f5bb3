package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"warden.dev/internal/cache"
	"warden.dev/internal/errs"
	"warden.dev/internal/obs"
)

// grant is one in-effect assignment together with what its role grants.
type grant struct {
	assignment  UserRole
	role        Role
	permissions []Permission
}

type cachedPermissions struct {
	Names []string `json:"names"`
}

// resolve walks assignment -> role -> active grants -> active permissions for
// the user at now. Role priority plays no part: grants are flat. The user's
// raw assignment rows are returned alongside for cache window computation.
func (s *Service) resolve(ctx context.Context, userID string, now time.Time) ([]grant, []UserRole, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	assignments, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	var inEffect []UserRole
	for _, ur := range assignments {
		if ur.InEffect(now) {
			inEffect = append(inEffect, ur)
		}
	}
	if len(inEffect) == 0 {
		return nil, assignments, nil
	}
	catalog, err := s.catalogIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := make([]grant, 0, len(inEffect))
	for _, ur := range inEffect {
		role, err := s.store.GetRole(ctx, ur.RoleID)
		if errs.IsNotFound(err) {
			s.log.Warn().Str("user_id", userID).Str("role_id", ur.RoleID).Msg("assignment references a missing role")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		perms, err := s.activeRolePermissions(ctx, role.ID, catalog)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, grant{assignment: ur, role: role, permissions: perms})
	}
	span.SetAttributes(attribute.Int("rbac.roles", len(out)))
	return out, assignments, nil
}

// cacheWindow caps ttl so a cached set never outlives the first validity
// boundary of the assignments it was computed from.
func cacheWindow(assignments []UserRole, now time.Time, ttl time.Duration) time.Duration {
	for _, ur := range assignments {
		if !ur.IsActive {
			continue
		}
		if ur.ValidTo != nil && ur.ValidTo.After(now) {
			if d := ur.ValidTo.Sub(now); d < ttl {
				ttl = d
			}
		}
		if ur.ValidFrom != nil && ur.ValidFrom.After(now) {
			if d := ur.ValidFrom.Sub(now); d < ttl {
				ttl = d
			}
		}
	}
	return ttl
}

// Permissions returns the user's effective permission set, read through the cache.
func (s *Service) Permissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("permission check", "user_id is required")
	}
	key := permissionCacheKey(userID)
	cached, ok, err := cache.Get[cachedPermissions](ctx, s.cache, key)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache read failed")
	} else if ok {
		return NewPermissionSet(cached.Names...), nil
	}

	now := s.now()
	grants, assignments, err := s.resolve(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	set := PermissionSet{}
	for _, g := range grants {
		for _, p := range g.permissions {
			set[strings.ToLower(p.Name)] = struct{}{}
		}
	}
	if s.cacheTTL > 0 {
		if ttl := cacheWindow(assignments, now, s.cacheTTL); ttl > 0 {
			if err := s.cache.Set(ctx, key, cachedPermissions{Names: set.Names()}, ttl); err != nil {
				s.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache write failed")
			}
		}
	}
	return set, nil
}

func recordCheck(granted bool, err error) {
	switch {
	case err != nil:
		obs.PermissionChecks.WithLabelValues("error").Inc()
	case granted:
		obs.PermissionChecks.WithLabelValues("granted").Inc()
	default:
		obs.PermissionChecks.WithLabelValues("denied").Inc()
	}
}

// CheckPermission reports whether any in-effect assignment of the user grants
// a permission whose name equals name, ignoring case.
func (s *Service) CheckPermission(ctx context.Context, userID, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, errs.Validation("permission check", "permission name is required")
	}
	set, err := s.Permissions(ctx, userID)
	granted := err == nil && set.Has(name)
	recordCheck(granted, err)
	return granted, err
}

// CheckAnyPermission reports whether the user holds at least one of names.
func (s *Service) CheckAnyPermission(ctx context.Context, userID string, names ...string) (bool, error) {
	set, err := s.Permissions(ctx, userID)
	granted := err == nil && set.HasAny(names...)
	recordCheck(granted, err)
	return granted, err
}

// CheckAllPermissions reports whether the user holds every one of names.
func (s *Service) CheckAllPermissions(ctx context.Context, userID string, names ...string) (bool, error) {
	set, err := s.Permissions(ctx, userID)
	granted := err == nil && set.HasAll(names...)
	recordCheck(granted, err)
	return granted, err
}

// CheckPermissionDetailed explains the decision role by role. It always reads
// the store so that audits never see cached state.
func (s *Service) CheckPermissionDetailed(ctx context.Context, userID, name string) (PermissionCheck, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PermissionCheck{}, errs.Validation("permission check", "user_id is required")
	}
	name = normalizeName(name)
	if name == "" {
		return PermissionCheck{}, errs.Validation("permission check", "permission name is required")
	}
	now := s.now()
	grants, _, err := s.resolve(ctx, userID, now)
	if err != nil {
		recordCheck(false, err)
		return PermissionCheck{}, err
	}
	res := PermissionCheck{
		UserID:     userID,
		Permission: name,
		Roles:      make([]RoleGrant, 0, len(grants)),
		CheckedAt:  now.UTC(),
	}
	for _, g := range grants {
		rg := RoleGrant{
			RoleID:      g.role.ID,
			RoleName:    g.role.Name,
			IsPrimary:   g.assignment.IsPrimary,
			Permissions: len(g.permissions),
		}
		for _, p := range g.permissions {
			if strings.EqualFold(p.Name, name) {
				rg.Grants = true
				res.Granted = true
				break
			}
		}
		res.Roles = append(res.Roles, rg)
	}
	recordCheck(res.Granted, nil)
	return res, nil
}

// GetUserPermissionSummary lists the user's in-effect roles and the union of
// their permissions, also grouped by category.
func (s *Service) GetUserPermissionSummary(ctx context.Context, userID string) (PermissionSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PermissionSummary{}, errs.Validation("permission summary", "user_id is required")
	}
	grants, _, err := s.resolve(ctx, userID, s.now())
	if err != nil {
		return PermissionSummary{}, err
	}
	sum := PermissionSummary{
		UserID:                userID,
		Roles:                 make([]RoleSummary, 0, len(grants)),
		Permissions:           []string{},
		PermissionsByCategory: map[string][]string{},
	}
	seen := map[string]struct{}{}
	for _, g := range grants {
		sum.Roles = append(sum.Roles, RoleSummary{
			ID:        g.role.ID,
			Name:      g.role.Name,
			Priority:  g.role.Priority,
			IsPrimary: g.assignment.IsPrimary,
			ValidTo:   g.assignment.ValidTo,
		})
		for _, p := range g.permissions {
			if _, dup := seen[p.Name]; dup {
				continue
			}
			seen[p.Name] = struct{}{}
			sum.Permissions = append(sum.Permissions, p.Name)
			sum.PermissionsByCategory[p.Category] = append(sum.PermissionsByCategory[p.Category], p.Name)
		}
	}
	sort.Slice(sum.Roles, func(i, j int) bool {
		if sum.Roles[i].Priority != sum.Roles[j].Priority {
			return sum.Roles[i].Priority > sum.Roles[j].Priority
		}
		return sum.Roles[i].Name < sum.Roles[j].Name
	})
	sort.Strings(sum.Permissions)
	for c := range sum.PermissionsByCategory {
		sort.Strings(sum.PermissionsByCategory[c])
	}
	return sum, nil
}
