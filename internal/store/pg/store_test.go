package pg

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
	"warden.dev/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestUpdatePermissionBumpsVersion(t *testing.T) {
	s, mock := newMock(t)
	p := &auth.Permission{ID: "p1", Name: "users.read", Category: "users", IsActive: true, Version: 3, UpdatedAt: time.Now()}

	mock.ExpectExec("update permissions").
		WithArgs("p1", int64(3), "users.read", "users", "", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdatePermission(context.Background(), p); err != nil {
		t.Fatalf("UpdatePermission: %v", err)
	}
	if p.Version != 4 {
		t.Fatalf("expected version 4, got %d", p.Version)
	}
}

func TestUpdateRoleStaleVersion(t *testing.T) {
	s, mock := newMock(t)
	r := &auth.Role{ID: "r1", Name: "Admin", Version: 1}

	mock.ExpectExec("update roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	err := s.UpdateRole(context.Background(), r)
	if !errs.IsConcurrency(err) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	if r.Version != 1 {
		t.Fatalf("version must not move on a failed update, got %d", r.Version)
	}
}

func TestUpdateRoleMissingRow(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("update roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1")).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	err := s.UpdateRole(context.Background(), &auth.Role{ID: "gone", Version: 1})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRoleDuplicateName(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("insert into roles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "roles_name_lower_key"})

	err := s.CreateRole(context.Background(), &auth.Role{ID: "r1", Name: "Admin", Version: 1})
	if !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Admin") {
		t.Fatalf("error should name the role: %v", err)
	}
}

func TestFindPermissionByNameIsCaseInsensitive(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("from permissions where lower\\(name\\) = \\$1").
		WithArgs("users.read").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "resource", "action", "category", "description", "is_system", "is_active", "version", "created_at", "updated_at",
		}).AddRow("p1", "users.read", "users", "read", "users", "", true, true, int64(1), now, now))

	p, err := s.FindPermissionByName(context.Background(), "USERS.Read")
	if err != nil {
		t.Fatalf("FindPermissionByName: %v", err)
	}
	if p.ID != "p1" || p.Action != auth.PermissionAction("read") {
		t.Fatalf("unexpected permission: %+v", p)
	}
}

func oneRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"?column?"}).AddRow(1)
}

func TestCreateGrantMissingRoleIsNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for share")).
		WithArgs("r1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.CreateRolePermission(context.Background(), &auth.RolePermission{ID: "g1", RoleID: "r1", PermissionID: "p1"})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateGrantLocksRoleAndPermission(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for share")).
		WithArgs("r1").WillReturnRows(oneRow())
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from permissions where id = $1 for share")).
		WithArgs("p1").WillReturnRows(oneRow())
	mock.ExpectExec("insert into role_permissions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rp := &auth.RolePermission{ID: "g1", RoleID: "r1", PermissionID: "p1", IsActive: true, GrantedAt: time.Now(), Version: 1}
	if err := s.CreateRolePermission(context.Background(), rp); err != nil {
		t.Fatalf("CreateRolePermission: %v", err)
	}
}

func TestCreateUserRoleForDeletedRole(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for share")).
		WithArgs("r-gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.CreateUserRole(context.Background(), &auth.UserRole{ID: "a1", UserID: "u1", RoleID: "r-gone", IsActive: true})
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateUserRoleCommits(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for share")).
		WithArgs("r1").WillReturnRows(oneRow())
	mock.ExpectExec("insert into user_roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ur := &auth.UserRole{ID: "a1", UserID: "u1", RoleID: "r1", IsActive: true, AssignedAt: time.Now(), Version: 1}
	if err := s.CreateUserRole(context.Background(), ur); err != nil {
		t.Fatalf("CreateUserRole: %v", err)
	}
}

func TestDeleteRoleRefusedWhileAssigned(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for update")).
		WithArgs("r1").WillReturnRows(oneRow())
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from user_roles where role_id = $1 and is_active")).
		WithArgs("r1").WillReturnRows(oneRow())
	mock.ExpectRollback()

	err := s.DeleteRole(context.Background(), "r1")
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteRoleMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from roles where id = $1 for update")).
		WithArgs("gone").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if err := s.DeleteRole(context.Background(), "gone"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeletePermissionUnreferenced(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from permissions where id = $1 for update")).
		WithArgs("p1").WillReturnRows(oneRow())
	mock.ExpectQuery(regexp.QuoteMeta("select 1 from role_permissions where permission_id = $1 and is_active")).
		WithArgs("p1").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("delete from permissions where id = $1")).
		WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeletePermission(context.Background(), "p1"); err != nil {
		t.Fatalf("DeletePermission: %v", err)
	}
}

var sessionCols = []string{
	"id", "session_id", "user_id", "device_name", "device_type", "device_os", "device_browser",
	"fingerprint", "ip_address", "location", "user_agent", "created_at", "last_active_at", "expires_at",
	"is_active", "is_current", "state", "ended_at", "end_reason", "version",
}

func sessionRow(sid string, active bool, version int64, now time.Time) *sqlmock.Rows {
	state, reason := string(session.StateActive), ""
	var ended any
	if !active {
		state, reason, ended = string(session.StateLoggedOut), session.ReasonLoggedOut, now
	}
	return sqlmock.NewRows(sessionCols).AddRow(
		"01H", sid, "u1", "Chrome on macOS", "desktop", "macOS", "Chrome",
		"fp", "10.0.0.1", "Almaty", "Mozilla/5.0", now, now, now.Add(time.Hour),
		active, false, state, ended, reason, version)
}

func TestGetSessionScansRow(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("from user_sessions where session_id = \\$1").
		WithArgs("sid-1").
		WillReturnRows(sessionRow("sid-1", false, 2, now))

	got, err := s.GetSession(context.Background(), "sid-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != session.StateLoggedOut || got.EndedAt == nil || !got.EndedAt.Equal(now) {
		t.Fatalf("unexpected end fields: %+v", got)
	}
	if got.Device.Browser != "Chrome" || got.Version != 2 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("from user_sessions").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetSession(context.Background(), "nope"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateSessionRefusesResume(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("update user_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from user_sessions where session_id = \\$1").
		WithArgs("sid-1").
		WillReturnRows(sessionRow("sid-1", false, 2, now))

	sess := &session.Session{SessionID: "sid-1", IsActive: true, State: session.StateActive, Version: 2}
	if err := s.UpdateSession(context.Background(), sess); !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateSessionLostUpdate(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("update user_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from user_sessions").WillReturnRows(sessionRow("sid-1", true, 5, now))

	sess := &session.Session{SessionID: "sid-1", IsActive: true, State: session.StateActive, Version: 4}
	if err := s.UpdateSession(context.Background(), sess); !errs.IsConcurrency(err) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
}

func TestActivityRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into security_activity").
		WithArgs(sqlmock.AnyArg(), "u1", audit.KindLoginAssessed, 55, "high",
			[]byte(`["untrusted_device","new_ip"]`), []byte(`{"ip":"10.0.0.1"}`), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	a := &audit.Activity{
		UserID: "u1", Kind: audit.KindLoginAssessed, RiskScore: 55, RiskLevel: "high",
		Factors: []string{"untrusted_device", "new_ip"}, Metadata: map[string]string{"ip": "10.0.0.1"}, OccurredAt: at,
	}
	if err := s.AppendActivity(context.Background(), a); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	mock.ExpectQuery("from security_activity").
		WithArgs("u1", at.Add(-time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "risk_score", "risk_level", "factors", "metadata", "occurred_at"}).
			AddRow(a.ID, "u1", audit.KindLoginAssessed, 55, "high", []byte(`["untrusted_device","new_ip"]`), []byte(`{"ip":"10.0.0.1"}`), at))

	got, err := s.ListActivity(context.Background(), "u1", at.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(got) != 1 || len(got[0].Factors) != 2 || got[0].Metadata["ip"] != "10.0.0.1" {
		t.Fatalf("unexpected activity: %+v", got)
	}
}
