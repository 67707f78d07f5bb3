package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
)

const permissionColumns = `id, name, resource, action, category, description, is_system, is_active, version, created_at, updated_at`

func scanPermission(row scanner) (auth.Permission, error) {
	var (
		p      auth.Permission
		action string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &action, &p.Category, &p.Description,
		&p.IsSystem, &p.IsActive, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	p.Action = auth.PermissionAction(action)
	return p, err
}

func (s *Store) CreatePermission(ctx context.Context, p *auth.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (`+permissionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.Name, p.Resource, string(p.Action), p.Category, p.Description,
		p.IsSystem, p.IsActive, p.Version, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Duplicate("permission", p.Name)
	}
	return mapErr(err, "permission", p.ID)
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		select `+permissionColumns+` from permissions where id = $1
	`, id))
	return p, mapErr(err, "permission", id)
}

func (s *Store) FindPermissionByName(ctx context.Context, name string) (auth.Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		select `+permissionColumns+` from permissions where lower(name) = $1
	`, strings.ToLower(name)))
	return p, mapErr(err, "permission", name)
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+` from permissions order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdatePermission(ctx context.Context, p *auth.Permission) error {
	res, err := s.db.ExecContext(ctx, `
		update permissions
		set name = $3, category = $4, description = $5, is_active = $6, updated_at = $7, version = version + 1
		where id = $1 and version = $2
	`, p.ID, p.Version, p.Name, p.Category, p.Description, p.IsActive, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Duplicate("permission", p.Name)
	}
	if err != nil {
		return mapErr(err, "permission", p.ID)
	}
	if err := s.versioned(ctx, res, "permissions", "id", "permission", p.ID); err != nil {
		return err
	}
	p.Version++
	return nil
}

// DeletePermission refuses while an active grant still references the row.
// The check and the delete share one transaction holding the row lock.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	return s.deleteUnreferenced(ctx, "permissions", "permission", id,
		`select 1 from role_permissions where permission_id = $1 and is_active limit 1`, "role grants")
}

const roleColumns = `id, name, description, priority, is_system, is_active, version, created_at, updated_at`

func scanRole(row scanner) (auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Priority, &r.IsSystem, &r.IsActive,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) CreateRole(ctx context.Context, r *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (`+roleColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Name, r.Description, r.Priority, r.IsSystem, r.IsActive, r.Version, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Duplicate("role", r.Name)
	}
	return mapErr(err, "role", r.ID)
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where id = $1
	`, id))
	return r, mapErr(err, "role", id)
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (auth.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where lower(name) = $1
	`, strings.ToLower(name)))
	return r, mapErr(err, "role", name)
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles order by priority desc, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, r *auth.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update roles
		set name = $3, description = $4, priority = $5, is_active = $6, updated_at = $7, version = version + 1
		where id = $1 and version = $2
	`, r.ID, r.Version, r.Name, r.Description, r.Priority, r.IsActive, r.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Duplicate("role", r.Name)
	}
	if err != nil {
		return mapErr(err, "role", r.ID)
	}
	if err := s.versioned(ctx, res, "roles", "id", "role", r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

// DeleteRole refuses while an active assignment still references the row.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	return s.deleteUnreferenced(ctx, "roles", "role", id,
		`select 1 from user_roles where role_id = $1 and is_active limit 1`, "user role assignments")
}

// deleteUnreferenced locks the row, runs refQuery and deletes only when it
// finds nothing. Inserts of referencing rows take a share lock on the same
// row, so they either see the delete or are seen by refQuery.
func (s *Store) deleteUnreferenced(ctx context.Context, table, entity, id, refQuery, refs string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where id = $1 for update`, table), id).Scan(&one); err != nil {
		return mapErr(err, entity, id)
	}
	switch err := tx.QueryRowContext(ctx, refQuery, id).Scan(&one); {
	case err == nil:
		return errs.InUse(entity, id, refs)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1`, table), id); err != nil {
		return mapErr(err, entity, id)
	}
	return tx.Commit()
}

// lockShared takes a share lock on each (table, id) pair inside tx, failing
// with not found when a row is missing.
func lockShared(ctx context.Context, tx *sql.Tx, rows ...[3]string) error {
	for _, r := range rows {
		table, entity, id := r[0], r[1], r[2]
		var one int
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where id = $1 for share`, table), id).Scan(&one)
		if err != nil {
			return mapErr(err, entity, id)
		}
	}
	return nil
}
