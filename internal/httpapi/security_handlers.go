package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"warden.dev/internal/auth"
	"warden.dev/internal/security"
)

const defaultActivityWindow = 24 * time.Hour

func (a *API) securityRoutes(r chi.Router) {
	r.Route("/me/devices", func(r chi.Router) {
		r.Get("/", a.handleMyDevices)
		r.Delete("/", a.handleRevokeAllDevices)
		r.Get("/current", a.handleCurrentDevice)
		r.Post("/trust", a.handleTrustDevice)
		r.Delete("/{fingerprint}", a.handleRevokeDevice)
	})
	r.Post("/me/risk", a.handleAssessRisk)

	r.With(a.requirePermission(auth.PermSessionsRead)).Get("/users/{userID}/suspicious", a.handleDetectSuspicious)
	r.With(a.requirePermission(auth.PermSessionsManage)).Post("/users/{userID}/suspicious/terminate", a.handleTerminateSuspicious)
	r.With(a.requirePermission(auth.PermAuditRead)).Get("/users/{userID}/activity", a.handleActivity)
}

type trustDeviceRequest struct {
	Name string `json:"name" validate:"max=128"`
}

type assessRiskRequest struct {
	Location string `json:"location" validate:"max=128"`
}

type terminateRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

func (a *API) handleMyDevices(w http.ResponseWriter, r *http.Request) {
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"
	devices, err := a.trust.ListTrustedDevices(r.Context(), identity(r).UserID, includeRevoked)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleCurrentDevice describes the calling device as the risk engine sees it.
func (a *API) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	info := security.DeviceInfoFromRequest(r)
	fp := security.Fingerprint(info, security.ClientIP(r))
	trusted, err := a.trust.IsDeviceTrusted(r.Context(), identity(r).UserID, fp)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"trusted":     trusted,
		"device":      info.SessionDevice(),
		"bot":         a.risk.Config().IsBot(info.UserAgent),
	})
}

func (a *API) handleTrustDevice(w http.ResponseWriter, r *http.Request) {
	var req trustDeviceRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			handleError(w, r, err)
			return
		}
	}
	info := security.DeviceInfoFromRequest(r)
	if req.Name == "" {
		req.Name = info.SessionDevice().Name
	}
	fp := security.Fingerprint(info, security.ClientIP(r))
	d, err := a.trust.TrustDevice(r.Context(), identity(r).UserID, fp, req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if !security.ValidFingerprint(fp) {
		writeError(w, r, http.StatusBadRequest, "malformed fingerprint")
		return
	}
	if err := a.trust.RevokeTrust(r.Context(), identity(r).UserID, fp); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeAllDevices(w http.ResponseWriter, r *http.Request) {
	n, err := a.trust.RevokeAllTrust(r.Context(), identity(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleAssessRisk(w http.ResponseWriter, r *http.Request) {
	var req assessRiskRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			handleError(w, r, err)
			return
		}
	}
	assessment, err := a.risk.AssessLoginRisk(r.Context(), identity(r).UserID,
		security.DeviceInfoFromRequest(r), security.ClientIP(r), req.Location)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (a *API) handleDetectSuspicious(w http.ResponseWriter, r *http.Request) {
	findings, err := a.detector.DetectSuspiciousActivity(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suspicious": len(findings) > 0,
		"findings":   findings,
	})
}

func (a *API) handleTerminateSuspicious(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			handleError(w, r, err)
			return
		}
	}
	userID := chi.URLParam(r, "userID")
	res, err := a.detector.TerminateSuspiciousSessions(r.Context(), userID, req.Reason)
	if err != nil {
		handleError(w, r, err)
		return
	}
	auditEvent(r, "security.suspicious.terminate", map[string]any{"target_user": userID, "terminated": res.Terminated})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if a.activity == nil {
		writeError(w, r, http.StatusNotFound, "activity log is not enabled")
		return
	}
	since := time.Now().Add(-defaultActivityWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	items, err := a.activity.Recent(r.Context(), chi.URLParam(r, "userID"), since)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": items})
}
