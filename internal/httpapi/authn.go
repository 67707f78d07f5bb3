package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token fields warden reads. Tokens are minted by the
// identity service; sid is present once a session has been opened.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

type VerifierOption func(*TokenVerifier)

func WithIssuer(iss string) VerifierOption {
	return func(v *TokenVerifier) { v.issuer = strings.TrimSpace(iss) }
}

func WithAudience(aud string) VerifierOption {
	return func(v *TokenVerifier) { v.audience = strings.TrimSpace(aud) }
}

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *TokenVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

func NewTokenVerifier(secret []byte, opts ...VerifierOption) (*TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("httpapi: token secret is required")
	}
	v := &TokenVerifier{secret: secret, leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses token and returns its claims. Expiry is mandatory.
func (v *TokenVerifier) Verify(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("subject is required"))
	}
	return claims, nil
}

// withAuth authenticates the bearer token and, when it names a session,
// refuses sessions that have ended.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.SessionID != "" {
			if err := a.sessions.CheckSession(r.Context(), claims.SessionID); err != nil {
				if errs.IsNotFound(err) || errs.IsConflict(err) {
					writeError(w, r, http.StatusUnauthorized, "session has ended")
					return
				}
				handleError(w, r, err)
				return
			}
		}
		ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: claims.Subject, SessionID: claims.SessionID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission answers 403 unless the caller holds perm.
func (a *API) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := auth.UserIDFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			granted, err := a.auth.CheckPermission(r.Context(), uid, perm)
			if err != nil {
				handleError(w, r, err)
				return
			}
			if !granted {
				writeError(w, r, http.StatusForbidden, "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identity returns the caller. Routes behind withAuth always have one.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
