package collab

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"fitdesk/api/internal/store"
)

// DefaultTypingIdle is how long a typing indicator survives without a
// keepalive before reads report it as off.
const DefaultTypingIdle = 5 * time.Second

// cursorPalette holds the colors handed out to joining users.
var cursorPalette = []string{
	"#f97316", // orange
	"#0ea5e9", // sky
	"#22c55e", // green
	"#a855f7", // purple
	"#ef4444", // red
	"#eab308", // yellow
	"#14b8a6", // teal
	"#ec4899", // pink
}

// PresenceTracker tracks which users are joined to a session. Join and leave
// are idempotent so disconnect races never surface as failures.
type PresenceTracker struct {
	store      PresenceStore
	typingIdle time.Duration
	now        func() time.Time
	// pick selects a palette index; injectable for deterministic tests.
	pick func(n int) int
}

func NewPresenceTracker(st PresenceStore, typingIdle time.Duration) *PresenceTracker {
	if typingIdle <= 0 {
		typingIdle = DefaultTypingIdle
	}
	return &PresenceTracker{
		store:      st,
		typingIdle: typingIdle,
		now:        time.Now,
		pick:       rand.Intn,
	}
}

// Join adds the user to the session. Rejoining an existing entry only bumps
// last activity; the color assigned at first join never changes.
func (t *PresenceTracker) Join(ctx context.Context, sessionID, userID, documentID string) (store.ActiveUser, error) {
	now := t.now()

	existing, err := t.store.GetActiveUser(ctx, sessionID, userID)
	if err == nil {
		existing.LastActivity = now
		if err := t.store.UpsertActiveUser(ctx, existing); err != nil {
			return store.ActiveUser{}, fmt.Errorf("rejoin presence: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ActiveUser{}, fmt.Errorf("lookup presence: %w", err)
	}

	user := store.ActiveUser{
		SessionID:    sessionID,
		UserID:       userID,
		DocumentID:   documentID,
		Color:        cursorPalette[t.pick(len(cursorPalette))],
		JoinedAt:     now,
		LastActivity: now,
	}
	if err := t.store.UpsertActiveUser(ctx, user); err != nil {
		return store.ActiveUser{}, fmt.Errorf("join presence: %w", err)
	}
	return user, nil
}

// Leave removes the presence entry. Leaving twice is a no-op.
func (t *PresenceTracker) Leave(ctx context.Context, sessionID, userID string) error {
	if err := t.store.DeleteActiveUser(ctx, sessionID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

// ListActive returns the session's users in join order. Typing indicators
// older than the idle threshold are reported as off without writing anything
// back.
func (t *PresenceTracker) ListActive(ctx context.Context, sessionID string) ([]store.ActiveUser, error) {
	users, err := t.store.ListActiveUsers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	cutoff := t.now().Add(-t.typingIdle)
	for i := range users {
		if users[i].IsTyping && users[i].LastActivity.Before(cutoff) {
			users[i].IsTyping = false
		}
	}
	return users, nil
}

// SetTyping flips the typing indicator and counts as an activity heartbeat.
func (t *PresenceTracker) SetTyping(ctx context.Context, sessionID, userID string, isTyping bool) error {
	user, err := t.store.GetActiveUser(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("user not joined to session")
	}
	if err != nil {
		return fmt.Errorf("lookup presence: %w", err)
	}

	user.IsTyping = isTyping
	user.LastActivity = t.now()
	if err := t.store.UpsertActiveUser(ctx, user); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// Touch bumps last activity for a joined user; absent users are ignored.
func (t *PresenceTracker) Touch(ctx context.Context, sessionID, userID string) error {
	user, err := t.store.GetActiveUser(ctx, sessionID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup presence: %w", err)
	}

	user.LastActivity = t.now()
	if err := t.store.UpsertActiveUser(ctx, user); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}
