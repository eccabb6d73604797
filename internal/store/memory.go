package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all collaboration state in process memory behind one
// RWMutex. It backs tests and single-instance dev mode; every read copies the
// rows it returns so callers never observe a torn view.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	presence map[string]map[string]ActiveUser     // sessionID -> userID
	cursors  map[string]map[string]CursorPosition // sessionID -> userID
	changes  map[string][]DocumentChange          // documentID, ascending version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		presence: make(map[string]map[string]ActiveUser),
		cursors:  make(map[string]map[string]CursorPosition),
		changes:  make(map[string][]DocumentChange),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InsertSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) UpdateSessionExpiry(_ context.Context, sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.ExpiresAt = expiresAt
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) ExpiredSessionIDs(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpsertActiveUser(_ context.Context, user ActiveUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.presence[user.SessionID]
	if !ok {
		users = make(map[string]ActiveUser)
		s.presence[user.SessionID] = users
	}
	users[user.UserID] = user
	return nil
}

func (s *MemoryStore) GetActiveUser(_ context.Context, sessionID, userID string) (ActiveUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.presence[sessionID][userID]
	if !ok {
		return ActiveUser{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) DeleteActiveUser(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence[sessionID], userID)
	return nil
}

func (s *MemoryStore) ListActiveUsers(_ context.Context, sessionID string) ([]ActiveUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]ActiveUser, 0, len(s.presence[sessionID]))
	for _, user := range s.presence[sessionID] {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users, nil
}

func (s *MemoryStore) DeleteSessionPresence(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, sessionID)
	return nil
}

func (s *MemoryStore) UpsertCursor(_ context.Context, cursor CursorPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursors, ok := s.cursors[cursor.SessionID]
	if !ok {
		cursors = make(map[string]CursorPosition)
		s.cursors[cursor.SessionID] = cursors
	}
	if cursor.Selection != nil {
		sel := *cursor.Selection
		cursor.Selection = &sel
	}
	cursors[cursor.UserID] = cursor
	return nil
}

func (s *MemoryStore) ListCursors(_ context.Context, sessionID string) ([]CursorPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursors := make([]CursorPosition, 0, len(s.cursors[sessionID]))
	for _, cursor := range s.cursors[sessionID] {
		if cursor.Selection != nil {
			sel := *cursor.Selection
			cursor.Selection = &sel
		}
		cursors = append(cursors, cursor)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].UserID < cursors[j].UserID })
	return cursors, nil
}

func (s *MemoryStore) DeleteCursor(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors[sessionID], userID)
	return nil
}

func (s *MemoryStore) DeleteSessionCursors(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, sessionID)
	return nil
}

func (s *MemoryStore) InsertChange(_ context.Context, change DocumentChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[change.DocumentID] = append(s.changes[change.DocumentID], change)
	return nil
}

func (s *MemoryStore) MaxChangeVersion(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	changes := s.changes[documentID]
	if len(changes) == 0 {
		return 0, nil
	}
	return changes[len(changes)-1].Version, nil
}

func (s *MemoryStore) ListChanges(_ context.Context, documentID string, fromVersion int) ([]DocumentChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var changes []DocumentChange
	for _, change := range s.changes[documentID] {
		if change.Version > fromVersion {
			changes = append(changes, change)
		}
	}
	return changes, nil
}
