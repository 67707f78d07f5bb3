package pg

import (
	"context"
	"database/sql"

	"warden.dev/internal/security"
)

const deviceColumns = `id, user_id, fingerprint, name, is_trusted, trusted_at, revoked_at, version`

func scanDevice(row scanner) (security.TrustedDevice, error) {
	var (
		d       security.TrustedDevice
		revoked sql.NullTime
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.IsTrusted, &d.TrustedAt, &revoked, &d.Version)
	d.RevokedAt = timeOrNil(revoked)
	return d, err
}

func (s *Store) FindTrustedDevice(ctx context.Context, userID, fingerprint string) (security.TrustedDevice, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
		select `+deviceColumns+` from trusted_devices where user_id = $1 and fingerprint = $2
	`, userID, fingerprint))
	return d, mapErr(err, "trusted device", userID+"/"+fingerprint)
}

func (s *Store) CreateTrustedDevice(ctx context.Context, d *security.TrustedDevice) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_devices (`+deviceColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.UserID, d.Fingerprint, d.Name, d.IsTrusted, d.TrustedAt, nullTime(d.RevokedAt), d.Version)
	return mapErr(err, "trusted device", d.UserID+"/"+d.Fingerprint)
}

func (s *Store) UpdateTrustedDevice(ctx context.Context, d *security.TrustedDevice) error {
	res, err := s.db.ExecContext(ctx, `
		update trusted_devices
		set name = $3, is_trusted = $4, trusted_at = $5, revoked_at = $6, version = version + 1
		where id = $1 and version = $2
	`, d.ID, d.Version, d.Name, d.IsTrusted, d.TrustedAt, nullTime(d.RevokedAt))
	if err != nil {
		return mapErr(err, "trusted device", d.ID)
	}
	if err := s.versioned(ctx, res, "trusted_devices", "id", "trusted device", d.ID); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (s *Store) ListTrustedDevices(ctx context.Context, userID string) ([]security.TrustedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+deviceColumns+` from trusted_devices where user_id = $1 order by trusted_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []security.TrustedDevice
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
