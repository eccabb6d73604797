package collab

import (
	"context"
	"fmt"
	"time"

	"fitdesk/api/internal/config"
	"fitdesk/api/internal/store"
)

// Service is the collaboration core's public surface: session lifecycle,
// presence, cursor sync and the conflict-resolved change log, wired over an
// injected store so instances and tests run isolated.
type Service struct {
	cfg      config.Config
	store    Store
	sessions *SessionManager
	presence *PresenceTracker
	cursors  *CursorSynchronizer
	changes  *ChangeLog
	resolver *ConflictResolver
}

func New(cfg config.Config, st Store) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: NewSessionManager(st, cfg.SessionTTL),
		presence: NewPresenceTracker(st, cfg.TypingIdle),
		cursors:  NewCursorSynchronizer(st),
		changes:  NewChangeLog(st),
		resolver: NewConflictResolver(),
	}
}

// NewWithSessionStore routes the session-scoped entities (sessions, presence,
// cursors) through a separate backend, typically Redis, while the change log
// stays in the durable store.
func NewWithSessionStore(cfg config.Config, st Store, ephemeral EphemeralStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: NewSessionManager(ephemeral, cfg.SessionTTL),
		presence: NewPresenceTracker(ephemeral, cfg.TypingIdle),
		cursors:  NewCursorSynchronizer(ephemeral),
		changes:  NewChangeLog(st),
		resolver: NewConflictResolver(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateSession(ctx context.Context, documentID string, ttl time.Duration) (store.Session, error) {
	return s.sessions.Create(ctx, documentID, ttl)
}

func (s *Service) ValidateSession(ctx context.Context, sessionID string) (store.Session, error) {
	return s.sessions.Validate(ctx, sessionID)
}

func (s *Service) RefreshSession(ctx context.Context, sessionID string) (store.Session, error) {
	return s.sessions.Refresh(ctx, sessionID)
}

// ExpireSweep reclaims expired sessions and their presence and cursor rows.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	return s.sessions.ExpireSweep(ctx)
}

func (s *Service) JoinSession(ctx context.Context, sessionID, userID, documentID string) (store.ActiveUser, error) {
	session, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return store.ActiveUser{}, err
	}
	if documentID != "" && documentID != session.DocumentID {
		return store.ActiveUser{}, invalidChange("session does not cover this document", nil)
	}
	return s.presence.Join(ctx, sessionID, userID, session.DocumentID)
}

// LeaveSession removes presence and cursor state for the user. It never
// validates the session: leaving an expired or unknown session must stay a
// no-op so disconnect races cannot fail.
func (s *Service) LeaveSession(ctx context.Context, sessionID, userID string) error {
	if err := s.presence.Leave(ctx, sessionID, userID); err != nil {
		return err
	}
	return s.cursors.Forget(ctx, sessionID, userID)
}

func (s *Service) ActiveUsers(ctx context.Context, sessionID string) ([]store.ActiveUser, error) {
	if _, err := s.sessions.Validate(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.presence.ListActive(ctx, sessionID)
}

func (s *Service) SetTyping(ctx context.Context, sessionID, userID string, isTyping bool) error {
	if _, err := s.sessions.Validate(ctx, sessionID); err != nil {
		return err
	}
	return s.presence.SetTyping(ctx, sessionID, userID, isTyping)
}

func (s *Service) UpdateCursor(ctx context.Context, cursor store.CursorPosition) (store.CursorPosition, error) {
	session, err := s.sessions.Validate(ctx, cursor.SessionID)
	if err != nil {
		return store.CursorPosition{}, err
	}
	if cursor.DocumentID != "" && cursor.DocumentID != session.DocumentID {
		return store.CursorPosition{}, invalidChange("session does not cover this document", nil)
	}
	cursor.DocumentID = session.DocumentID

	updated, err := s.cursors.Update(ctx, cursor)
	if err != nil {
		return store.CursorPosition{}, err
	}
	// A cursor push doubles as an activity heartbeat.
	if err := s.presence.Touch(ctx, cursor.SessionID, cursor.UserID); err != nil {
		return store.CursorPosition{}, err
	}
	return updated, nil
}

// CursorSnapshot returns the cursors of users who are still present in the
// session; rows of departed users are filtered out read-side.
func (s *Service) CursorSnapshot(ctx context.Context, sessionID string) ([]store.CursorPosition, error) {
	if _, err := s.sessions.Validate(ctx, sessionID); err != nil {
		return nil, err
	}

	cursors, err := s.cursors.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	users, err := s.presence.ListActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(users))
	for _, user := range users {
		present[user.UserID] = struct{}{}
	}

	filtered := cursors[:0]
	for _, cursor := range cursors {
		if _, ok := present[cursor.UserID]; ok {
			filtered = append(filtered, cursor)
		}
	}
	return filtered, nil
}

// RecordChange rebases the incoming change over everything committed since
// its base version and appends it at tip+1. The whole path runs under the
// document's exclusive writer lock, so versions stay gap-free under
// concurrent submissions. A change that no longer matches the live text is
// rejected with CONFLICT_RESYNC and the client must refetch history.
func (s *Service) RecordChange(ctx context.Context, incoming IncomingChange) (store.DocumentChange, error) {
	session, err := s.sessions.Validate(ctx, incoming.SessionID)
	if err != nil {
		return store.DocumentChange{}, err
	}
	if incoming.DocumentID != session.DocumentID {
		return store.DocumentChange{}, invalidChange("session does not cover this document", nil)
	}
	if err := incoming.Validate(); err != nil {
		return store.DocumentChange{}, err
	}

	unlock := s.changes.Lock(incoming.DocumentID)
	defer unlock()

	tip, err := s.changes.CurrentVersion(ctx, incoming.DocumentID)
	if err != nil {
		return store.DocumentChange{}, err
	}
	if incoming.BaseVersion > tip {
		return store.DocumentChange{}, invalidChange(
			fmt.Sprintf("baseVersion %d is ahead of tip %d", incoming.BaseVersion, tip), nil)
	}

	position := incoming.Position
	conflicted := false

	// Format changes skip rebasing and verification entirely.
	if incoming.ChangeType != store.ChangeFormat {
		committed, err := s.changes.History(ctx, incoming.DocumentID, incoming.BaseVersion)
		if err != nil {
			return store.DocumentChange{}, err
		}
		position, conflicted = s.resolver.Rebase(incoming, committed, tip+1)

		liveText, _, err := s.changes.Materialize(ctx, incoming.DocumentID)
		if err != nil {
			return store.DocumentChange{}, err
		}
		if err := s.resolver.Verify(incoming, position, liveText); err != nil {
			return store.DocumentChange{}, err
		}
	}

	change := store.DocumentChange{
		DocumentID:     incoming.DocumentID,
		SessionID:      incoming.SessionID,
		UserID:         incoming.UserID,
		ChangeType:     incoming.ChangeType,
		Position:       position,
		Content:        incoming.Content,
		DeletedContent: incoming.DeletedContent,
		Conflicted:     conflicted,
	}
	committed, err := s.changes.AppendLocked(ctx, tip, change)
	if err != nil {
		return store.DocumentChange{}, err
	}

	// Submitting an edit also counts as activity.
	if err := s.presence.Touch(ctx, incoming.SessionID, incoming.UserID); err != nil {
		return store.DocumentChange{}, err
	}
	return committed, nil
}

func (s *Service) History(ctx context.Context, documentID string, fromVersion int) ([]store.DocumentChange, error) {
	return s.changes.History(ctx, documentID, fromVersion)
}

func (s *Service) CurrentVersion(ctx context.Context, documentID string) (int, error) {
	return s.changes.CurrentVersion(ctx, documentID)
}

// DocumentContent materializes the document text from its change log and
// returns it with the tip version. It reads a single consistent snapshot of
// the history and does not take the writer lock.
func (s *Service) DocumentContent(ctx context.Context, documentID string) (string, int, error) {
	return s.changes.Materialize(ctx, documentID)
}
