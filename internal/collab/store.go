package collab

import (
	"context"
	"time"

	"fitdesk/api/internal/store"
)

// SessionStore persists collaboration sessions.
type SessionStore interface {
	InsertSession(context.Context, store.Session) error
	GetSession(context.Context, string) (store.Session, error)
	UpdateSessionExpiry(context.Context, string, time.Time) error
	DeleteSession(context.Context, string) error
	ExpiredSessionIDs(context.Context, time.Time) ([]string, error)
}

// PresenceStore persists per-(session, user) presence entries.
type PresenceStore interface {
	UpsertActiveUser(context.Context, store.ActiveUser) error
	GetActiveUser(ctx context.Context, sessionID, userID string) (store.ActiveUser, error)
	DeleteActiveUser(ctx context.Context, sessionID, userID string) error
	ListActiveUsers(ctx context.Context, sessionID string) ([]store.ActiveUser, error)
	DeleteSessionPresence(ctx context.Context, sessionID string) error
}

// CursorStore persists advisory cursor state, last-write-wins per user.
type CursorStore interface {
	UpsertCursor(context.Context, store.CursorPosition) error
	ListCursors(ctx context.Context, sessionID string) ([]store.CursorPosition, error)
	DeleteCursor(ctx context.Context, sessionID, userID string) error
	DeleteSessionCursors(ctx context.Context, sessionID string) error
}

// ChangeStore persists the append-only document change log.
type ChangeStore interface {
	InsertChange(context.Context, store.DocumentChange) error
	MaxChangeVersion(ctx context.Context, documentID string) (int, error)
	ListChanges(ctx context.Context, documentID string, fromVersion int) ([]store.DocumentChange, error)
}

// EphemeralStore covers the session-scoped entities that expire with the
// session. A Redis backend implements exactly this surface; the change log
// stays in the durable store.
type EphemeralStore interface {
	SessionStore
	PresenceStore
	CursorStore
}

// Store is the full persistence contract for the collaboration core.
type Store interface {
	EphemeralStore
	ChangeStore
	Ping(context.Context) error
}
