// Package session provides a Redis backend for the session-scoped
// collaboration entities: sessions, presence and cursors. The durable change
// log is not stored here.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"fitdesk/api/internal/store"
)

const (
	sessionKeyPrefix  = "collab:session:"
	presenceKeyPrefix = "collab:presence:"
	cursorKeyPrefix   = "collab:cursor:"
	sessionIndexKey   = "collab:sessions"
)

// RedisStore keeps sessions as TTL'd JSON values and presence/cursor rows as
// per-session hashes. Redis expires session keys on its own; the sweep still
// runs to cascade-delete the hashes left behind.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type sessionRecord struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

func (s *RedisStore) InsertSession(ctx context.Context, session store.Session) error {
	record := sessionRecord{
		ID:         session.ID,
		DocumentID: session.DocumentID,
		CreatedAt:  session.CreatedAt,
		ExpiresAt:  session.ExpiresAt,
		TTLSeconds: int(session.TTL.Seconds()),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl)
	pipe.SAdd(ctx, sessionIndexKey, session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	payload, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("get session: %w", err)
	}

	var record sessionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return store.Session{
		ID:         record.ID,
		DocumentID: record.DocumentID,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
		TTL:        time.Duration(record.TTLSeconds) * time.Second,
	}, nil
}

func (s *RedisStore) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.ExpiresAt = expiresAt
	return s.InsertSession(ctx, session)
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	pipe.SRem(ctx, sessionIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ExpiredSessionIDs reports indexed sessions whose key Redis has already
// expired, or whose stored expiry is in the past.
func (s *RedisStore) ExpiredSessionIDs(ctx context.Context, now time.Time) ([]string, error) {
	members, err := s.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list session index: %w", err)
	}

	var ids []string
	for _, id := range members {
		session, err := s.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			ids = append(ids, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) UpsertActiveUser(ctx context.Context, user store.ActiveUser) error {
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal active user: %w", err)
	}
	if err := s.client.HSet(ctx, presenceKeyPrefix+user.SessionID, user.UserID, payload).Err(); err != nil {
		return fmt.Errorf("save active user: %w", err)
	}
	return nil
}

func (s *RedisStore) GetActiveUser(ctx context.Context, sessionID, userID string) (store.ActiveUser, error) {
	payload, err := s.client.HGet(ctx, presenceKeyPrefix+sessionID, userID).Result()
	if errors.Is(err, redis.Nil) {
		return store.ActiveUser{}, store.ErrNotFound
	}
	if err != nil {
		return store.ActiveUser{}, fmt.Errorf("get active user: %w", err)
	}

	var user store.ActiveUser
	if err := json.Unmarshal([]byte(payload), &user); err != nil {
		return store.ActiveUser{}, fmt.Errorf("unmarshal active user: %w", err)
	}
	return user, nil
}

func (s *RedisStore) DeleteActiveUser(ctx context.Context, sessionID, userID string) error {
	if err := s.client.HDel(ctx, presenceKeyPrefix+sessionID, userID).Err(); err != nil {
		return fmt.Errorf("delete active user: %w", err)
	}
	return nil
}

func (s *RedisStore) ListActiveUsers(ctx context.Context, sessionID string) ([]store.ActiveUser, error) {
	entries, err := s.client.HGetAll(ctx, presenceKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}

	users := make([]store.ActiveUser, 0, len(entries))
	for _, payload := range entries {
		var user store.ActiveUser
		if err := json.Unmarshal([]byte(payload), &user); err != nil {
			return nil, fmt.Errorf("unmarshal active user: %w", err)
		}
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

func (s *RedisStore) DeleteSessionPresence(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, presenceKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session presence: %w", err)
	}
	return nil
}

func (s *RedisStore) UpsertCursor(ctx context.Context, cursor store.CursorPosition) error {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := s.client.HSet(ctx, cursorKeyPrefix+cursor.SessionID, cursor.UserID, payload).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCursors(ctx context.Context, sessionID string) ([]store.CursorPosition, error) {
	entries, err := s.client.HGetAll(ctx, cursorKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}

	cursors := make([]store.CursorPosition, 0, len(entries))
	for _, payload := range entries {
		var cursor store.CursorPosition
		if err := json.Unmarshal([]byte(payload), &cursor); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].UserID < cursors[j].UserID })
	return cursors, nil
}

func (s *RedisStore) DeleteCursor(ctx context.Context, sessionID, userID string) error {
	if err := s.client.HDel(ctx, cursorKeyPrefix+sessionID, userID).Err(); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSessionCursors(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, cursorKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session cursors: %w", err)
	}
	return nil
}
