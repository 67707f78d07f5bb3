package sweep

import (
	"context"
	"time"
)

// Task names used by the server and the CLI.
const (
	TaskSessions   = "sessions"
	TaskUserRoles  = "user_roles"
	TaskCachePurge = "cache_purge"
)

type sessionExpirer interface {
	ExpireSessions(ctx context.Context) (int, error)
}

type assignmentExpirer interface {
	ExpireAssignments(ctx context.Context) (int, error)
}

type purger interface {
	Purge(ctx context.Context) (int, error)
}

func SessionExpiry(m sessionExpirer, every time.Duration) Task {
	return Task{Name: TaskSessions, Interval: every, Run: m.ExpireSessions}
}

func RoleExpiry(svc assignmentExpirer, every time.Duration) Task {
	return Task{Name: TaskUserRoles, Interval: every, Run: svc.ExpireAssignments}
}

// CachePurge drops expired entries from an in-process cache. Redis expires
// keys itself and needs no task.
func CachePurge(c purger, every time.Duration) Task {
	return Task{Name: TaskCachePurge, Interval: every, Run: c.Purge}
}
