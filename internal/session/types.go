// Package session tracks per-device user sessions: creation under a device
// limit, heartbeats, termination and expiry.
package session

import "time"

// State is a session's lifecycle state. Every state other than Active is terminal.
type State string

const (
	StateActive               State = "Active"
	StateLoggedOut            State = "LoggedOut"
	StateExpired              State = "Expired"
	StateDeviceLimitEvicted   State = "DeviceLimitEvicted"
	StateAdminRevoked         State = "AdminRevoked"
	StateSuspiciousTerminated State = "SuspiciousTerminated"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	switch s {
	case StateLoggedOut, StateExpired, StateDeviceLimitEvicted, StateAdminRevoked, StateSuspiciousTerminated:
		return true
	}
	return false
}

// ParseState accepts the exported state names.
func ParseState(s string) (State, bool) {
	st := State(s)
	if st == StateActive || st.Terminal() {
		return st, true
	}
	return "", false
}

// End reasons recorded on terminal sessions.
const (
	ReasonLoggedOut   = "LoggedOut"
	ReasonExpired     = "Expired"
	ReasonDeviceLimit = "DeviceLimitEvicted"
	ReasonRevoked     = "AdminRevoked"
	ReasonSuspicious  = "Suspicious activity detected"
)

// DefaultReason is the end reason recorded when the caller gives none.
func DefaultReason(st State) string {
	switch st {
	case StateExpired:
		return ReasonExpired
	case StateDeviceLimitEvicted:
		return ReasonDeviceLimit
	case StateAdminRevoked:
		return ReasonRevoked
	case StateSuspiciousTerminated:
		return ReasonSuspicious
	default:
		return ReasonLoggedOut
	}
}

// Device describes the client a session was opened from.
type Device struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
}

type Session struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Device       Device     `json:"device"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	Location     string     `json:"location,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	IsActive     bool       `json:"is_active"`
	IsCurrent    bool       `json:"is_current"`
	State        State      `json:"state"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	Version      int64      `json:"version"`
}

// Live reports whether the session is active and not yet past its expiry.
func (s Session) Live(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// NewSession is the input to Manager.CreateSession.
type NewSession struct {
	UserID      string
	Device      Device
	Fingerprint string
	IPAddress   string
	Location    string
	UserAgent   string
	// TTL overrides the manager's default lifetime when positive.
	TTL time.Duration
}

// Stats summarizes a user's session history.
type Stats struct {
	UserID       string        `json:"user_id"`
	Active       int           `json:"active"`
	Ended        int           `json:"ended"`
	ByState      map[State]int `json:"by_state"`
	Devices      int           `json:"devices"`
	Locations    int           `json:"locations"`
	LastActiveAt *time.Time    `json:"last_active_at,omitempty"`
}
