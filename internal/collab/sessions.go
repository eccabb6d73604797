package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitdesk/api/internal/store"
	"fitdesk/api/internal/util"
)

// DefaultSessionTTL applies when a caller does not ask for a specific TTL.
const DefaultSessionTTL = 120 * time.Minute

// SessionManager creates, validates and reclaims collaboration sessions.
// Session IDs carry 128 bits of entropy; document validity is the caller's
// responsibility, this component only refuses blank references.
type SessionManager struct {
	store EphemeralStore
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

func NewSessionManager(st EphemeralStore, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store: st,
		ttl:   ttl,
		now:   time.Now,
		newID: func() string { return util.NewID("sess") },
	}
}

func (m *SessionManager) Create(ctx context.Context, documentID string, ttl time.Duration) (store.Session, error) {
	if strings.TrimSpace(documentID) == "" {
		return store.Session{}, invalidChange("documentId is required", nil)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.now()
	session := store.Session{
		ID:         m.newID(),
		DocumentID: documentID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTL:        ttl,
	}
	if err := m.store.InsertSession(ctx, session); err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Validate returns the session if it exists and has not passed its TTL. An
// expired session that the sweep has not reclaimed yet is still invalid.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, notFound("session not found")
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("validate session: %w", err)
	}
	if !m.now().Before(session.ExpiresAt) {
		return store.Session{}, expired("session expired")
	}
	return session, nil
}

// Refresh extends the session by its original TTL from now.
func (m *SessionManager) Refresh(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := m.Validate(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}

	ttl := session.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	session.ExpiresAt = m.now().Add(ttl)
	if err := m.store.UpdateSessionExpiry(ctx, sessionID, session.ExpiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, notFound("session not found")
		}
		return store.Session{}, fmt.Errorf("refresh session: %w", err)
	}
	return session, nil
}

// ExpireSweep removes sessions past their TTL together with the presence and
// cursor rows that reference them. Returns the number of sessions reclaimed.
func (m *SessionManager) ExpireSweep(ctx context.Context) (int, error) {
	ids, err := m.store.ExpiredSessionIDs(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep: list expired sessions: %w", err)
	}

	for _, id := range ids {
		if err := m.store.DeleteSessionPresence(ctx, id); err != nil {
			return 0, fmt.Errorf("sweep: delete presence for %s: %w", id, err)
		}
		if err := m.store.DeleteSessionCursors(ctx, id); err != nil {
			return 0, fmt.Errorf("sweep: delete cursors for %s: %w", id, err)
		}
		if err := m.store.DeleteSession(ctx, id); err != nil {
			return 0, fmt.Errorf("sweep: delete session %s: %w", id, err)
		}
	}
	return len(ids), nil
}
