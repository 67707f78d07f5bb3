package pg

import (
	"context"
	"database/sql"
	"time"

	"warden.dev/internal/auth"
)

const grantColumns = `id, role_id, permission_id, is_active, granted_at, revoked_at, version`

func scanGrant(row scanner) (auth.RolePermission, error) {
	var (
		rp      auth.RolePermission
		revoked sql.NullTime
	)
	err := row.Scan(&rp.ID, &rp.RoleID, &rp.PermissionID, &rp.IsActive, &rp.GrantedAt, &revoked, &rp.Version)
	rp.RevokedAt = timeOrNil(revoked)
	return rp, err
}

// CreateRolePermission inserts the grant while holding share locks on its
// role and permission, so a concurrent delete of either cannot interleave.
func (s *Store) CreateRolePermission(ctx context.Context, rp *auth.RolePermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockShared(ctx, tx,
		[3]string{"roles", "role", rp.RoleID},
		[3]string{"permissions", "permission", rp.PermissionID},
	); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into role_permissions (`+grantColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, rp.ID, rp.RoleID, rp.PermissionID, rp.IsActive, rp.GrantedAt, nullTime(rp.RevokedAt), rp.Version)
	if err != nil {
		return mapErr(err, "role permission", rp.RoleID+"/"+rp.PermissionID)
	}
	return tx.Commit()
}

func (s *Store) FindRolePermission(ctx context.Context, roleID, permissionID string) (auth.RolePermission, error) {
	rp, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+` from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID))
	return rp, mapErr(err, "role permission", roleID+"/"+permissionID)
}

func (s *Store) listGrants(ctx context.Context, where string, arg any) ([]auth.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from role_permissions where `+where+` = $1 order by id
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RolePermission
	for rows.Next() {
		rp, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]auth.RolePermission, error) {
	return s.listGrants(ctx, "role_id", roleID)
}

func (s *Store) ListPermissionGrants(ctx context.Context, permissionID string) ([]auth.RolePermission, error) {
	return s.listGrants(ctx, "permission_id", permissionID)
}

func (s *Store) UpdateRolePermission(ctx context.Context, rp *auth.RolePermission) error {
	res, err := s.db.ExecContext(ctx, `
		update role_permissions
		set is_active = $3, granted_at = $4, revoked_at = $5, version = version + 1
		where id = $1 and version = $2
	`, rp.ID, rp.Version, rp.IsActive, rp.GrantedAt, nullTime(rp.RevokedAt))
	if err != nil {
		return mapErr(err, "role permission", rp.ID)
	}
	if err := s.versioned(ctx, res, "role_permissions", "id", "role permission", rp.ID); err != nil {
		return err
	}
	rp.Version++
	return nil
}

const assignmentColumns = `id, user_id, role_id, is_primary, is_active, valid_from, valid_to, assigned_by, assigned_at, deactivated_at, version`

func scanAssignment(row scanner) (auth.UserRole, error) {
	var (
		ur                      auth.UserRole
		from, to, deactivatedAt sql.NullTime
	)
	err := row.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.IsPrimary, &ur.IsActive, &from, &to,
		&ur.AssignedBy, &ur.AssignedAt, &deactivatedAt, &ur.Version)
	ur.ValidFrom = timeOrNil(from)
	ur.ValidTo = timeOrNil(to)
	ur.DeactivatedAt = timeOrNil(deactivatedAt)
	return ur, err
}

// CreateUserRole inserts the assignment under a share lock on its role.
func (s *Store) CreateUserRole(ctx context.Context, ur *auth.UserRole) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockShared(ctx, tx, [3]string{"roles", "role", ur.RoleID}); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into user_roles (`+assignmentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ur.ID, ur.UserID, ur.RoleID, ur.IsPrimary, ur.IsActive, nullTime(ur.ValidFrom), nullTime(ur.ValidTo),
		ur.AssignedBy, ur.AssignedAt, nullTime(ur.DeactivatedAt), ur.Version)
	if err != nil {
		return mapErr(err, "user role", ur.ID)
	}
	return tx.Commit()
}

func (s *Store) GetUserRole(ctx context.Context, id string) (auth.UserRole, error) {
	ur, err := scanAssignment(s.db.QueryRowContext(ctx, `
		select `+assignmentColumns+` from user_roles where id = $1
	`, id))
	return ur, mapErr(err, "user role", id)
}

func (s *Store) listAssignments(ctx context.Context, query string, args ...any) ([]auth.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `select `+assignmentColumns+` from user_roles `+query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.UserRole
	for rows.Next() {
		ur, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]auth.UserRole, error) {
	return s.listAssignments(ctx, `where user_id = $1 order by id`, userID)
}

func (s *Store) ListRoleAssignments(ctx context.Context, roleID string) ([]auth.UserRole, error) {
	return s.listAssignments(ctx, `where role_id = $1 order by id`, roleID)
}

func (s *Store) ListExpiredUserRoles(ctx context.Context, now time.Time) ([]auth.UserRole, error) {
	return s.listAssignments(ctx, `where is_active and valid_to < $1 order by valid_to`, now)
}

func (s *Store) UpdateUserRole(ctx context.Context, ur *auth.UserRole) error {
	res, err := s.db.ExecContext(ctx, `
		update user_roles
		set is_primary = $3, is_active = $4, valid_from = $5, valid_to = $6, deactivated_at = $7, version = version + 1
		where id = $1 and version = $2
	`, ur.ID, ur.Version, ur.IsPrimary, ur.IsActive, nullTime(ur.ValidFrom), nullTime(ur.ValidTo), nullTime(ur.DeactivatedAt))
	if err != nil {
		return mapErr(err, "user role", ur.ID)
	}
	if err := s.versioned(ctx, res, "user_roles", "id", "user role", ur.ID); err != nil {
		return err
	}
	ur.Version++
	return nil
}
