package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/obs"
)

func userLockKey(userID string) string {
	return "user:" + userID
}

func roleLockKey(roleID string) string {
	return "role:" + roleID
}

func permissionLockKey(permissionID string) string {
	return "perm:" + permissionID
}

// AssignRoles replaces the user's active assignments with one assignment per
// role in in.RoleIDs. Previous rows are deactivated, never removed.
func (s *Service) AssignRoles(ctx context.Context, userID string, in AssignRolesInput) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("user role", "user_id is required")
	}
	if in.ValidFrom != nil && in.ValidTo != nil && in.ValidTo.Before(*in.ValidFrom) {
		return nil, errs.Validation("user role", "valid_to must not precede valid_from")
	}
	roleIDs := dedupeStrings(in.RoleIDs)
	primary := strings.TrimSpace(in.PrimaryRoleID)
	if primary != "" {
		found := false
		for _, id := range roleIDs {
			if id == primary {
				found = true
				break
			}
		}
		if !found {
			return nil, errs.Validation("user role", "primary role %q is not among the assigned roles", primary)
		}
	}

	// Role keys are held until the new rows exist so DeleteRole cannot
	// remove a role between the check below and the insert.
	keys := make([]string, 0, len(roleIDs)+1)
	for _, id := range roleIDs {
		keys = append(keys, roleLockKey(id))
	}
	unlock := s.locks.LockAll(append(keys, userLockKey(userID))...)
	defer unlock()

	for _, id := range roleIDs {
		role, err := s.store.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		if !role.IsActive {
			return nil, errs.Validation("user role", "role %q is inactive", role.Name)
		}
	}

	current, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for _, ur := range current {
		if !ur.IsActive {
			continue
		}
		ur.IsActive = false
		ur.IsPrimary = false
		ur.DeactivatedAt = timePtr(now)
		if err := s.store.UpdateUserRole(ctx, &ur); err != nil {
			return nil, fmt.Errorf("deactivate assignment %s: %w", ur.ID, err)
		}
	}

	out := make([]UserRole, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		ur := UserRole{
			ID:         ids.At(now),
			UserID:     userID,
			RoleID:     roleID,
			IsPrimary:  roleID == primary,
			IsActive:   true,
			ValidFrom:  in.ValidFrom,
			ValidTo:    in.ValidTo,
			AssignedBy: strings.TrimSpace(in.AssignedBy),
			AssignedAt: now,
			Version:    1,
		}
		if err := s.store.CreateUserRole(ctx, &ur); err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	s.invalidateUser(ctx, userID)
	s.log.Info().Str("user_id", userID).Strs("role_ids", roleIDs).Str("primary_role_id", primary).Msg("roles assigned")
	return out, nil
}

// RemoveRole deactivates the user's active assignment of roleID.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID string) error {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return errs.Validation("user role", "user_id and role_id are required")
	}
	unlock := s.locks.Lock(userLockKey(userID))
	defer unlock()

	current, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return err
	}
	removed := false
	now := s.now().UTC()
	for _, ur := range current {
		if !ur.IsActive || ur.RoleID != roleID {
			continue
		}
		ur.IsActive = false
		ur.IsPrimary = false
		ur.DeactivatedAt = timePtr(now)
		if err := s.store.UpdateUserRole(ctx, &ur); err != nil {
			return err
		}
		removed = true
	}
	if !removed {
		return errs.NotFound("user role", userID+"/"+roleID)
	}
	s.invalidateUser(ctx, userID)
	return nil
}

// SetPrimaryRole marks the user's active assignment of roleID as primary and
// clears the flag everywhere else.
func (s *Service) SetPrimaryRole(ctx context.Context, userID, roleID string) (UserRole, error) {
	userID, roleID = strings.TrimSpace(userID), strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return UserRole{}, errs.Validation("user role", "user_id and role_id are required")
	}
	unlock := s.locks.Lock(userLockKey(userID))
	defer unlock()

	current, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return UserRole{}, err
	}
	var target *UserRole
	for i := range current {
		if current[i].IsActive && current[i].RoleID == roleID {
			target = &current[i]
			break
		}
	}
	if target == nil {
		return UserRole{}, errs.NotFound("user role", userID+"/"+roleID)
	}
	for _, ur := range current {
		if !ur.IsPrimary || ur.ID == target.ID {
			continue
		}
		ur.IsPrimary = false
		if err := s.store.UpdateUserRole(ctx, &ur); err != nil {
			return UserRole{}, err
		}
	}
	if !target.IsPrimary {
		target.IsPrimary = true
		if err := s.store.UpdateUserRole(ctx, target); err != nil {
			return UserRole{}, err
		}
	}
	s.invalidateUser(ctx, userID)
	return *target, nil
}

// ListUserRoles returns the user's assignments, newest first.
func (s *Service) ListUserRoles(ctx context.Context, userID string, activeOnly bool) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Validation("user role", "user_id is required")
	}
	all, err := s.store.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]UserRole, 0, len(all))
	for _, ur := range all {
		if activeOnly && !ur.IsActive {
			continue
		}
		out = append(out, ur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	return out, nil
}

// ExpireAssignments deactivates active assignments whose valid_to has passed.
// Every candidate is re-read under its user's lock before it is flipped, so
// overlapping runs and concurrent AssignRoles calls never double-apply.
func (s *Service) ExpireAssignments(ctx context.Context) (int, error) {
	now := s.now().UTC()
	candidates, err := s.store.ListExpiredUserRoles(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	touched := make(map[string]struct{})
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.expireOne(ctx, c, now)
		if err != nil {
			if errs.IsConcurrency(err) || errs.IsNotFound(err) {
				continue
			}
			return expired, err
		}
		if ok {
			expired++
			touched[c.UserID] = struct{}{}
		}
	}
	for userID := range touched {
		s.invalidateUser(ctx, userID)
	}
	if expired > 0 {
		obs.SweepAffected.WithLabelValues("user_roles").Add(float64(expired))
		s.log.Info().Int("expired", expired).Msg("role assignments expired")
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, candidate UserRole, now time.Time) (bool, error) {
	unlock := s.locks.Lock(userLockKey(candidate.UserID))
	defer unlock()
	ur, err := s.store.GetUserRole(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if !ur.Expired(now) {
		return false, nil
	}
	ur.IsActive = false
	ur.IsPrimary = false
	ur.DeactivatedAt = timePtr(now)
	if err := s.store.UpdateUserRole(ctx, &ur); err != nil {
		return false, err
	}
	return true, nil
}
