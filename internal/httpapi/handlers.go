// Package httpapi is the HTTP surface of warden: a thin chi adapter over the
// auth, session and security services.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
	"warden.dev/internal/obs"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
)

const serviceName = "warden"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every dependency the API needs to serve traffic.
type ReadyProbe struct {
	Checks  map[string]Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var failed []error
	for name, p := range rp.Checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(failed...)
}

// Deps are the services the API serves. All are required except Activity.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Manager
	Trust    *security.TrustRegistry
	Risk     *security.RiskEngine
	Detector *security.Detector
	Login    *security.LoginGate
	Activity *audit.ActivityLog
	Verifier *TokenVerifier
	Ready    ReadyProbe
}

// Options tune the middleware stack.
type Options struct {
	Version        string
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	MaxBodyBytes   int64
	// TrustedProxies lists the CIDRs whose forwarding headers are believed.
	TrustedProxies []string
}

type API struct {
	auth     *auth.Service
	sessions *session.Manager
	trust    *security.TrustRegistry
	risk     *security.RiskEngine
	detector *security.Detector
	login    *security.LoginGate
	activity *audit.ActivityLog
	verifier *TokenVerifier
	ready    ReadyProbe

	opts    Options
	ips     *security.ClientIPResolver
	limiter *RateLimiter
	handler http.Handler
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil || deps.Sessions == nil || deps.Trust == nil || deps.Risk == nil ||
		deps.Detector == nil || deps.Login == nil || deps.Verifier == nil {
		return nil, errors.New("httpapi: missing service dependency")
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	ips, err := security.NewClientIPResolver(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a := &API{
		auth:     deps.Auth,
		sessions: deps.Sessions,
		trust:    deps.Trust,
		risk:     deps.Risk,
		detector: deps.Detector,
		login:    deps.Login,
		activity: deps.Activity,
		verifier: deps.Verifier,
		ready:    deps.Ready,
		opts:     opts,
		ips:      ips,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateBurst),
	}
	a.handler = a.routes()
	return a, nil
}

// Handler returns the root handler, traced with otelhttp.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(a.handler, serviceName)
}

func (a *API) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(a.ips.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   normalizeOrigins(a.opts.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Device-Name"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           600,
	}))
	r.Use(a.limiter.Middleware)
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)
		a.rbacRoutes(r)
		a.sessionRoutes(r)
		a.securityRoutes(r)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON object into dst and validates it.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.Validation("request", "request body too large")
		}
		return errs.Validation("request", "malformed JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errs.Validation("request", "unexpected data after JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return errs.Validation("request", "%s", strings.Join(msgs, "; "))
		}
		return errs.Validation("request", "%v", err)
	}
	return nil
}

// handleError maps service errors onto status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, security.ErrLoginBlocked):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errs.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errs.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errs.IsConflict(err), errs.IsConcurrency(err):
		writeError(w, r, http.StatusConflict, err.Error())
	case errs.IsSecurity(err):
		writeError(w, r, http.StatusServiceUnavailable, "security check unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusServiceUnavailable, "request timed out")
	default:
		l := obs.Component("httpapi")
		l.Error().Err(err).Str("path", r.URL.Path).Str("request_id", audit.RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// auditEvent records an administrative action; failures only reach the log.
func auditEvent(r *http.Request, event string, fields map[string]any) {
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		l := obs.Component("httpapi")
		l.Warn().Err(err).Str("event", event).Msg("audit event dropped")
	}
}
