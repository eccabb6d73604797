package store

import "time"

// Session is a time-bounded editing context scoped to one document. The ID is
// an opaque token handed to clients; a session is usable only while
// now < ExpiresAt.
type Session struct {
	ID         string
	DocumentID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	// TTL is the duration the session was created with; refresh extends
	// ExpiresAt by this amount from now.
	TTL time.Duration
}

// ActiveUser is one presence entry per (session, user). Color is assigned at
// join time and stays stable for the life of the entry.
type ActiveUser struct {
	SessionID    string
	UserID       string
	DocumentID   string
	Color        string
	IsTyping     bool
	JoinedAt     time.Time
	LastActivity time.Time
}

// Selection is an optional caret selection range in absolute offsets.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorPosition is advisory view state, last-write-wins per (session, user).
type CursorPosition struct {
	SessionID   string
	UserID      string
	DocumentID  string
	Offset      int
	Line        int
	Column      int
	Selection   *Selection
	LastUpdated time.Time
}

// Change types accepted by the change log.
const (
	ChangeInsert  = "insert"
	ChangeDelete  = "delete"
	ChangeReplace = "replace"
	ChangeFormat  = "format"
)

// DocumentChange is one committed entry of a document's append-only change
// log. Version is assigned at commit time; for a given document the stored
// versions are 1..N with no gaps.
type DocumentChange struct {
	ID             string
	DocumentID     string
	SessionID      string
	UserID         string
	ChangeType     string
	Position       int
	Content        string
	DeletedContent string
	Version        int
	Conflicted     bool
	Timestamp      time.Time
}
