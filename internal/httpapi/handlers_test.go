package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/cache"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
	"warden.dev/internal/store/memory"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	browserUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	adminID    = "admin-1"
)

type testAPI struct {
	t        *testing.T
	api      *API
	handler  http.Handler
	auth     *auth.Service
	sessions *session.Manager
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestAPI(t *testing.T, ready ReadyProbe) *testAPI {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	c := cache.NewMemory()

	authSvc, err := auth.NewService(st, auth.WithCache(c, time.Minute))
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	if _, err := authSvc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	roles, err := authSvc.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	for _, r := range roles {
		if r.Name == auth.RoleSuperAdmin {
			if _, err := authSvc.AssignRoles(ctx, adminID, auth.AssignRolesInput{RoleIDs: []string{r.ID}}); err != nil {
				t.Fatalf("AssignRoles: %v", err)
			}
		}
	}

	activity, err := audit.NewActivityLog(st)
	if err != nil {
		t.Fatalf("NewActivityLog: %v", err)
	}
	mgr, err := session.NewManager(st, session.WithBlocklist(session.NewBlocklist(c)))
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	trust, err := security.NewTrustRegistry(st, security.WithTrustCache(c, time.Minute), security.WithTrustActivity(activity))
	if err != nil {
		t.Fatalf("NewTrustRegistry: %v", err)
	}
	risk, err := security.NewRiskEngine(trust, mgr, security.WithRiskActivity(activity))
	if err != nil {
		t.Fatalf("NewRiskEngine: %v", err)
	}
	detector, err := security.NewDetector(mgr, mgr, security.WithDetectorActivity(activity))
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	gate, err := security.NewLoginGate(risk, mgr, activity)
	if err != nil {
		t.Fatalf("NewLoginGate: %v", err)
	}
	verifier, err := NewTokenVerifier([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}

	api, err := New(Deps{
		Auth:     authSvc,
		Sessions: mgr,
		Trust:    trust,
		Risk:     risk,
		Detector: detector,
		Login:    gate,
		Activity: activity,
		Verifier: verifier,
		Ready:    ready,
	}, Options{Version: "test", RateLimit: 1000, RateBurst: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testAPI{t: t, api: api, handler: api.Handler(), auth: authSvc, sessions: mgr}
}

func (ta *testAPI) token(userID, sessionID string, ttl time.Duration) string {
	ta.t.Helper()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		ta.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ta *testAPI) do(method, path string, body any, token string, headers map[string]string) *httptest.ResponseRecorder {
	ta.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ta.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browserUA)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodGet, "/healthz", nil, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id not echoed")
	}
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{Checks: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})
	rr := ta.do(http.MethodGet, "/readyz", nil, "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decode[map[string]string](t, rr)
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	other, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte("a-different-secret-of-enough-length!"))

	cases := map[string]string{
		"missing":      "",
		"wrong secret": other,
		"expired":      ta.token("u1", "", -time.Hour),
		"no subject":   ta.token("", "", time.Hour),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rr := ta.do(http.MethodGet, "/v1/me/permissions", nil, token, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPermissionGuard(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})

	rr := ta.do(http.MethodGet, "/v1/roles", nil, ta.token("nobody", "", time.Hour), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user without roles, got %d", rr.Code)
	}

	rr = ta.do(http.MethodGet, "/v1/roles", nil, ta.token(adminID, "", time.Hour), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode[struct {
		Roles []auth.Role `json:"roles"`
	}](t, rr)
	if len(body.Roles) != 2 {
		t.Fatalf("expected the two system roles, got %d", len(body.Roles))
	}
}

func TestRoleLifecycleAndAssignment(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	admin := ta.token(adminID, "", time.Hour)

	rr := ta.do(http.MethodPost, "/v1/roles", map[string]any{}, admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rr.Code)
	}
	rr = ta.do(http.MethodPost, "/v1/roles", `{"name":"editor","colour":"red"}`, admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}

	rr = ta.do(http.MethodPost, "/v1/roles", map[string]any{"name": "editor", "priority": 20}, admin, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	role := decode[auth.Role](t, rr)

	rr = ta.do(http.MethodPost, "/v1/roles", map[string]any{"name": "Editor"}, admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate name, got %d", rr.Code)
	}

	perms, err := ta.auth.ListPermissions(context.Background(), auth.PermissionFilter{Resource: "blogs"})
	if err != nil || len(perms) == 0 {
		t.Fatalf("ListPermissions: %v (%d)", err, len(perms))
	}
	var blogUpdate string
	for _, p := range perms {
		if p.Name == "blogs.update" {
			blogUpdate = p.ID
		}
	}
	rr = ta.do(http.MethodPut, "/v1/roles/"+role.ID+"/permissions", map[string]any{"permission_ids": []string{blogUpdate}}, admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("set permissions: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(http.MethodPut, "/v1/users/writer/roles", map[string]any{"role_ids": []string{role.ID}}, admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rr.Code, rr.Body.String())
	}

	writer := ta.token("writer", "", time.Hour)
	rr = ta.do(http.MethodPost, "/v1/me/permissions/check", map[string]any{"permissions": []string{"blogs.update", "blogs.delete"}, "mode": "all"}, writer, nil)
	check := decode[struct {
		Granted bool `json:"granted"`
	}](t, rr)
	if rr.Code != http.StatusOK || check.Granted {
		t.Fatalf("all-mode check should fail: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(http.MethodPost, "/v1/me/permissions/check", map[string]any{"permissions": []string{"blogs.update", "blogs.delete"}}, writer, nil)
	check = decode[struct {
		Granted bool `json:"granted"`
	}](t, rr)
	if !check.Granted {
		t.Fatalf("any-mode check should pass: %s", rr.Body.String())
	}

	rr = ta.do(http.MethodDelete, "/v1/roles/"+role.ID, nil, admin, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("deleting an assigned role should conflict, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionFlow(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	pre := ta.token("u1", "", time.Hour)

	rr := ta.do(http.MethodPost, "/v1/sessions", map[string]any{"location": "Almaty"}, pre, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("begin session: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[security.LoginResult](t, rr)
	if res.Session == nil || res.Session.SessionID == "" {
		t.Fatalf("no session in %s", rr.Body.String())
	}
	bound := ta.token("u1", res.Session.SessionID, time.Hour)

	rr = ta.do(http.MethodGet, "/v1/me/sessions", nil, bound, nil)
	list := decode[struct {
		Sessions []session.Session `json:"sessions"`
	}](t, rr)
	if rr.Code != http.StatusOK || len(list.Sessions) != 1 {
		t.Fatalf("list sessions: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(http.MethodPut, "/v1/me/sessions/"+res.Session.SessionID+"/heartbeat", nil, bound, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(http.MethodDelete, "/v1/me/sessions", nil, bound, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(http.MethodGet, "/v1/me/sessions", nil, bound, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("ended session must be refused, got %d", rr.Code)
	}
}

func TestLogoutNeedsSessionBoundToken(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodDelete, "/v1/me/sessions", nil, ta.token("u1", "", time.Hour), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestForeignSessionIsNotFound(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodPost, "/v1/sessions", nil, ta.token("owner", "", time.Hour), nil)
	res := decode[security.LoginResult](t, rr)
	if res.Session == nil {
		t.Fatalf("begin session: %d %s", rr.Code, rr.Body.String())
	}

	intruder := ta.token("intruder", "", time.Hour)
	rr = ta.do(http.MethodDelete, "/v1/me/sessions/"+res.Session.SessionID, nil, intruder, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	s, err := ta.sessions.GetSession(context.Background(), res.Session.SessionID)
	if err != nil || !s.IsActive {
		t.Fatalf("session should still be active: %+v %v", s, err)
	}
}

func TestBlockedLoginReturnsAssessment(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodPost, "/v1/sessions", map[string]any{"location": "tor exit"}, ta.token("u1", "", time.Hour),
		map[string]string{"User-Agent": "python-requests/2.31"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode[struct {
		Assessment security.RiskAssessment `json:"assessment"`
	}](t, rr)
	if !body.Assessment.ShouldBlock || body.Assessment.Level != security.RiskCritical {
		t.Fatalf("unexpected assessment: %+v", body.Assessment)
	}

	sessions, err := ta.sessions.ListSessions(context.Background(), "u1", true)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("blocked login must not open a session: %v %v", sessions, err)
	}
}

func TestTrustCurrentDevice(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	token := ta.token("u1", "", time.Hour)

	rr := ta.do(http.MethodGet, "/v1/me/devices/current", nil, token, nil)
	cur := decode[struct {
		Fingerprint string `json:"fingerprint"`
		Trusted     bool   `json:"trusted"`
	}](t, rr)
	if cur.Trusted || !security.ValidFingerprint(cur.Fingerprint) {
		t.Fatalf("unexpected current device: %s", rr.Body.String())
	}

	rr = ta.do(http.MethodPost, "/v1/me/devices/trust", map[string]any{"name": "Work laptop"}, token, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("trust: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(http.MethodGet, "/v1/me/devices/current", nil, token, nil)
	cur = decode[struct {
		Fingerprint string `json:"fingerprint"`
		Trusted     bool   `json:"trusted"`
	}](t, rr)
	if !cur.Trusted {
		t.Fatalf("device should be trusted now: %s", rr.Body.String())
	}

	rr = ta.do(http.MethodDelete, "/v1/me/devices/"+cur.Fingerprint, nil, token, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(http.MethodDelete, "/v1/me/devices/not-a-fingerprint", nil, token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed fingerprint, got %d", rr.Code)
	}
}

func TestSuspiciousRoutesRequirePermission(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodGet, "/v1/users/u1/suspicious", nil, ta.token("u1", "", time.Hour), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = ta.do(http.MethodGet, "/v1/users/u1/suspicious", nil, ta.token(adminID, "", time.Hour), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	rr := ta.do(http.MethodGet, "/nope", nil, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestForwardedForDoesNotMoveUntrustedClient(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	token := ta.token("u1", "", time.Hour)
	type current struct {
		Fingerprint string `json:"fingerprint"`
	}

	direct := decode[current](t, ta.do(http.MethodGet, "/v1/me/devices/current", nil, token, nil))
	spoofed := decode[current](t, ta.do(http.MethodGet, "/v1/me/devices/current", nil, token,
		map[string]string{"X-Forwarded-For": "203.0.113.99", "X-Real-IP": "203.0.113.98"}))
	if direct.Fingerprint != spoofed.Fingerprint {
		t.Fatalf("forwarding headers from an untrusted peer changed the fingerprint: %s != %s",
			direct.Fingerprint, spoofed.Fingerprint)
	}
}

func TestNewRejectsMalformedTrustedProxy(t *testing.T) {
	ta := newTestAPI(t, ReadyProbe{})
	_, err := New(Deps{
		Auth:     ta.auth,
		Sessions: ta.sessions,
		Trust:    ta.api.trust,
		Risk:     ta.api.risk,
		Detector: ta.api.detector,
		Login:    ta.api.login,
		Verifier: ta.api.verifier,
	}, Options{TrustedProxies: []string{"not-a-cidr"}})
	if err == nil {
		t.Fatal("expected an error for a malformed trusted proxy")
	}
}
