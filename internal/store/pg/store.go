// Package pg implements the warden store contracts on PostgreSQL through
// database/sql and the pgx driver. Mutable rows carry a version column;
// updates match on it and report a lost update as errs.ErrConcurrency.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ auth.Store          = (*Store)(nil)
	_ session.Store       = (*Store)(nil)
	_ security.TrustStore = (*Store)(nil)
	_ audit.ActivityStore = (*Store)(nil)
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 15 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle. Tests pass a sqlmock connection.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type scanner interface {
	Scan(dest ...any) error
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

// mapErr translates driver errors into the errs taxonomy.
func mapErr(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(entity, id)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return &errs.Error{Kind: errs.ErrConflict, Entity: entity, ID: id, Reason: "already exists", Err: err}
		case pgErrForeignKeyViolation:
			return &errs.Error{Kind: errs.ErrNotFound, Entity: entity, ID: id, Reason: "referenced row missing", Err: err}
		}
	}
	return fmt.Errorf("%s %s: %w", entity, id, err)
}

// versioned finishes an optimistic update: no affected row means either the
// row is gone or someone else bumped its version first.
func (s *Store) versioned(ctx context.Context, res sql.Result, table, keyColumn, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where %s = $1`, table, keyColumn), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(entity, id)
	}
	if err != nil {
		return err
	}
	return errs.Concurrency(entity, id)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
