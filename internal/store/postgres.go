package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (id, document_id, created_at, expires_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.DocumentID, session.CreatedAt, session.ExpiresAt, int(session.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var session Session
	var ttlSeconds int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, created_at, expires_at, ttl_seconds FROM collab_sessions WHERE id=$1
	`, sessionID).Scan(&session.ID, &session.DocumentID, &session.CreatedAt, &session.ExpiresAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	session.TTL = time.Duration(ttlSeconds) * time.Second
	return session, nil
}

func (s *PostgresStore) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions SET expires_at=$2 WHERE id=$1
	`, sessionID, expiresAt)
	if err != nil {
		return fmt.Errorf("update session expiry: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collab_sessions WHERE id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExpiredSessionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM collab_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpsertActiveUser(ctx context.Context, user ActiveUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_users (session_id, user_id, document_id, color, is_typing, joined_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			is_typing=EXCLUDED.is_typing,
			last_activity=EXCLUDED.last_activity
	`, user.SessionID, user.UserID, user.DocumentID, user.Color, user.IsTyping, user.JoinedAt, user.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert active user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveUser(ctx context.Context, sessionID, userID string) (ActiveUser, error) {
	var user ActiveUser
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, document_id, color, is_typing, joined_at, last_activity
		FROM active_users WHERE session_id=$1 AND user_id=$2
	`, sessionID, userID).Scan(&user.SessionID, &user.UserID, &user.DocumentID, &user.Color, &user.IsTyping, &user.JoinedAt, &user.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return ActiveUser{}, ErrNotFound
	}
	if err != nil {
		return ActiveUser{}, fmt.Errorf("get active user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) DeleteActiveUser(ctx context.Context, sessionID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_users WHERE session_id=$1 AND user_id=$2`, sessionID, userID); err != nil {
		return fmt.Errorf("delete active user: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context, sessionID string) ([]ActiveUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, document_id, color, is_typing, joined_at, last_activity
		FROM active_users WHERE session_id=$1 ORDER BY joined_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []ActiveUser
	for rows.Next() {
		var user ActiveUser
		if err := rows.Scan(&user.SessionID, &user.UserID, &user.DocumentID, &user.Color, &user.IsTyping, &user.JoinedAt, &user.LastActivity); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteSessionPresence(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_users WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCursor(ctx context.Context, cursor CursorPosition) error {
	var selection []byte
	if cursor.Selection != nil {
		encoded, err := json.Marshal(cursor.Selection)
		if err != nil {
			return fmt.Errorf("marshal selection: %w", err)
		}
		selection = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor_positions (session_id, user_id, document_id, caret_offset, line, col, selection, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			document_id=EXCLUDED.document_id,
			caret_offset=EXCLUDED.caret_offset,
			line=EXCLUDED.line,
			col=EXCLUDED.col,
			selection=EXCLUDED.selection,
			last_updated=EXCLUDED.last_updated
	`, cursor.SessionID, cursor.UserID, cursor.DocumentID, cursor.Offset, cursor.Line, cursor.Column, selection, cursor.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCursors(ctx context.Context, sessionID string) ([]CursorPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, document_id, caret_offset, line, col, selection, last_updated
		FROM cursor_positions WHERE session_id=$1 ORDER BY user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []CursorPosition
	for rows.Next() {
		var cursor CursorPosition
		var selection []byte
		if err := rows.Scan(&cursor.SessionID, &cursor.UserID, &cursor.DocumentID, &cursor.Offset, &cursor.Line, &cursor.Column, &selection, &cursor.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		if len(selection) > 0 {
			var sel Selection
			if err := json.Unmarshal(selection, &sel); err != nil {
				return nil, fmt.Errorf("unmarshal selection: %w", err)
			}
			cursor.Selection = &sel
		}
		cursors = append(cursors, cursor)
	}
	return cursors, rows.Err()
}

func (s *PostgresStore) DeleteCursor(ctx context.Context, sessionID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursor_positions WHERE session_id=$1 AND user_id=$2`, sessionID, userID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSessionCursors(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursor_positions WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session cursors: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertChange(ctx context.Context, change DocumentChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_changes
			(id, document_id, session_id, user_id, change_type, position, content, deleted_content, version, conflicted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, change.ID, change.DocumentID, change.SessionID, change.UserID, change.ChangeType,
		change.Position, change.Content, change.DeletedContent, change.Version, change.Conflicted, change.Timestamp)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxChangeVersion(ctx context.Context, documentID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM document_changes WHERE document_id=$1
	`, documentID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("max change version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, documentID string, fromVersion int) ([]DocumentChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, session_id, user_id, change_type, position, content, deleted_content, version, conflicted, created_at
		FROM document_changes WHERE document_id=$1 AND version > $2 ORDER BY version ASC
	`, documentID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []DocumentChange
	for rows.Next() {
		var change DocumentChange
		if err := rows.Scan(&change.ID, &change.DocumentID, &change.SessionID, &change.UserID, &change.ChangeType,
			&change.Position, &change.Content, &change.DeletedContent, &change.Version, &change.Conflicted, &change.Timestamp); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}
