package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
	"warden.dev/internal/errs"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
)

func (a *API) sessionRoutes(r chi.Router) {
	r.Post("/sessions", a.handleBeginSession)

	r.Route("/me/sessions", func(r chi.Router) {
		r.Get("/", a.handleMySessions)
		r.Delete("/", a.handleLogout)
		r.Get("/stats", a.handleMySessionStats)
		r.Post("/end-others", a.handleEndOtherSessions)
		r.Delete("/{sessionID}", a.handleEndMySession)
		r.Put("/{sessionID}/heartbeat", a.handleHeartbeat)
	})

	r.With(a.requirePermission(auth.PermSessionsRead)).Get("/users/{userID}/sessions", a.handleUserSessions)
	r.With(a.requirePermission(auth.PermSessionsManage)).Delete("/users/{userID}/sessions/{sessionID}", a.handleRevokeSession)
	r.With(a.requirePermission(auth.PermSessionsManage)).Delete("/users/{userID}/sessions", a.handleRevokeAllSessions)
}

type beginSessionRequest struct {
	Location   string `json:"location" validate:"max=128"`
	DeviceName string `json:"device_name" validate:"max=128"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0,lte=31536000"`
}

// handleBeginSession runs the login gate for the authenticated user. A blocked
// attempt answers 403 with the assessment so clients can explain why.
func (a *API) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	var req beginSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			handleError(w, r, err)
			return
		}
	}
	info := security.DeviceInfoFromRequest(r)
	if req.DeviceName != "" {
		info.DeviceName = req.DeviceName
	}
	res, err := a.login.BeginSession(r.Context(), security.LoginAttempt{
		UserID:    identity(r).UserID,
		Device:    info,
		IPAddress: security.ClientIP(r),
		Location:  req.Location,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if errors.Is(err, security.ErrLoginBlocked) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      "login blocked",
			"assessment": res.Assessment,
		})
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleMySessions(w http.ResponseWriter, r *http.Request) {
	a.listSessions(w, r, identity(r).UserID)
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	a.listSessions(w, r, chi.URLParam(r, "userID"))
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request, userID string) {
	includeEnded := r.URL.Query().Get("include_ended") == "true"
	sessions, err := a.sessions.ListSessions(r.Context(), userID, includeEnded)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleMySessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.sessions.Stats(r.Context(), identity(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// currentSession answers 400 when the token carries no session.
func currentSession(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id := identity(r)
	if id.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, "token is not bound to a session")
		return id, false
	}
	return id, true
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := currentSession(w, r)
	if !ok {
		return
	}
	s, err := a.sessions.Logout(r.Context(), id.SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleEndOtherSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := currentSession(w, r)
	if !ok {
		return
	}
	n, err := a.sessions.EndOtherSessions(r.Context(), id.UserID, id.SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": n})
}

// ownSession loads sessionID and hides sessions of other users as missing.
func (a *API) ownSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sid := chi.URLParam(r, "sessionID")
	s, err := a.sessions.GetSession(r.Context(), sid)
	if err == nil && s.UserID != identity(r).UserID {
		err = errs.NotFound("session", sid)
	}
	if err != nil {
		handleError(w, r, err)
		return session.Session{}, false
	}
	return s, true
}

func (a *API) handleEndMySession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownSession(w, r)
	if !ok {
		return
	}
	ended, err := a.sessions.Logout(r.Context(), s.SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ended)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownSession(w, r)
	if !ok {
		return
	}
	updated, err := a.sessions.UpdateLastActive(r.Context(), s.SessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, sid := chi.URLParam(r, "userID"), chi.URLParam(r, "sessionID")
	s, err := a.sessions.RevokeSession(r.Context(), userID, sid)
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "session.revoke", map[string]any{"target_user": userID, "session_id": sid})
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := a.sessions.EndAllUserSessions(r.Context(), userID, session.StateAdminRevoked, session.ReasonRevoked)
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "session.revoke_all", map[string]any{"target_user": userID, "ended": n})
	writeJSON(w, http.StatusOK, map[string]any{"ended": n})
}
