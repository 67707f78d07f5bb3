// Package memory is an in-process implementation of every store contract in
// warden. Each collection has its own lock; ids are ULIDs so concurrent
// inserts never collide.
package memory

import (
	"sync"
	"time"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/security"
	"warden.dev/internal/session"
)

type Store struct {
	permMu      sync.RWMutex
	permissions map[string]*auth.Permission
	permByName  map[string]string

	roleMu     sync.RWMutex
	roles      map[string]*auth.Role
	roleByName map[string]string

	grantMu sync.RWMutex
	grants  map[string]*auth.RolePermission
	grantBy map[string]string // roleID|permissionID -> grant id

	assignMu    sync.RWMutex
	assignments map[string]*auth.UserRole

	sessionMu sync.RWMutex
	sessions  map[string]*session.Session // by public session id

	deviceMu sync.RWMutex
	devices  map[string]*security.TrustedDevice
	deviceBy map[string]string // userID|fingerprint -> device id

	activityMu sync.RWMutex
	activity   []audit.Activity
}

var (
	_ auth.Store          = (*Store)(nil)
	_ session.Store       = (*Store)(nil)
	_ security.TrustStore = (*Store)(nil)
	_ audit.ActivityStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		permissions: make(map[string]*auth.Permission),
		permByName:  make(map[string]string),
		roles:       make(map[string]*auth.Role),
		roleByName:  make(map[string]string),
		grants:      make(map[string]*auth.RolePermission),
		grantBy:     make(map[string]string),
		assignments: make(map[string]*auth.UserRole),
		sessions:    make(map[string]*session.Session),
		devices:     make(map[string]*security.TrustedDevice),
		deviceBy:    make(map[string]string),
	}
}

func pair(a, b string) string { return a + "|" + b }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
