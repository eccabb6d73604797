package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"fitdesk/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return redisStore, s
}

func testSession(id string, ttl time.Duration) store.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return store.Session{
		ID:         id,
		DocumentID: "doc-1",
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		TTL:        ttl,
	}
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer redisStore.Close()

	if err := redisStore.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	session := testSession("sess_1", time.Hour)
	if err := redisStore.InsertSession(ctx, session); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	got, err := redisStore.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.DocumentID != "doc-1" {
		t.Errorf("expected document doc-1, got %s", got.DocumentID)
	}
	if got.TTL != time.Hour {
		t.Errorf("expected TTL 1h, got %v", got.TTL)
	}
	if !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Errorf("expected expiry %v, got %v", session.ExpiresAt, got.ExpiresAt)
	}
}

func TestSessionExpiresWithTTL(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	if err := redisStore.InsertSession(ctx, testSession("sess_1", time.Minute)); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := redisStore.GetSession(ctx, "sess_1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}

	ids, err := redisStore.ExpiredSessionIDs(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredSessionIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess_1" {
		t.Fatalf("expected [sess_1], got %v", ids)
	}
}

func TestUpdateSessionExpiry(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	if err := redisStore.InsertSession(ctx, testSession("sess_1", time.Hour)); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	next := time.Now().UTC().Add(3 * time.Hour).Truncate(time.Second)
	if err := redisStore.UpdateSessionExpiry(ctx, "sess_1", next); err != nil {
		t.Fatalf("UpdateSessionExpiry failed: %v", err)
	}

	got, err := redisStore.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.ExpiresAt.Equal(next) {
		t.Errorf("expected expiry %v, got %v", next, got.ExpiresAt)
	}

	if err := redisStore.UpdateSessionExpiry(ctx, "sess_missing", next); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestDeleteSessionRemovesFromIndex(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	if err := redisStore.InsertSession(ctx, testSession("sess_1", time.Hour)); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	if err := redisStore.DeleteSession(ctx, "sess_1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	ids, err := redisStore.ExpiredSessionIDs(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpiredSessionIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty index after delete, got %v", ids)
	}
}

func TestActiveUsersOrderedByJoinTime(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	users := []store.ActiveUser{
		{SessionID: "sess_1", UserID: "user-b", DocumentID: "doc-1", Color: "#0ea5e9", JoinedAt: base.Add(2 * time.Second), LastActivity: base},
		{SessionID: "sess_1", UserID: "user-a", DocumentID: "doc-1", Color: "#f97316", JoinedAt: base, LastActivity: base},
	}
	for _, user := range users {
		if err := redisStore.UpsertActiveUser(ctx, user); err != nil {
			t.Fatalf("UpsertActiveUser failed: %v", err)
		}
	}

	listed, err := redisStore.ListActiveUsers(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListActiveUsers failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 users, got %d", len(listed))
	}
	if listed[0].UserID != "user-a" || listed[1].UserID != "user-b" {
		t.Fatalf("expected join order user-a, user-b, got %s, %s", listed[0].UserID, listed[1].UserID)
	}
}

func TestPresenceDeleteIsIdempotent(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	if err := redisStore.DeleteActiveUser(ctx, "sess_1", "user-ghost"); err != nil {
		t.Fatalf("deleting an absent user must not fail: %v", err)
	}
	if _, err := redisStore.GetActiveUser(ctx, "sess_1", "user-ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCursorRoundTripAndCascade(t *testing.T) {
	redisStore, s := setupTestRedis(t)
	defer redisStore.Close()
	defer s.Close()

	ctx := context.Background()
	cursor := store.CursorPosition{
		SessionID:   "sess_1",
		UserID:      "user-a",
		DocumentID:  "doc-1",
		Offset:      12,
		Line:        1,
		Column:      12,
		Selection:   &store.Selection{Start: 10, End: 12},
		LastUpdated: time.Now().UTC().Truncate(time.Second),
	}
	if err := redisStore.UpsertCursor(ctx, cursor); err != nil {
		t.Fatalf("UpsertCursor failed: %v", err)
	}

	cursors, err := redisStore.ListCursors(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListCursors failed: %v", err)
	}
	if len(cursors) != 1 {
		t.Fatalf("expected 1 cursor, got %d", len(cursors))
	}
	if cursors[0].Selection == nil || cursors[0].Selection.End != 12 {
		t.Fatalf("selection did not survive the round trip: %+v", cursors[0].Selection)
	}

	if err := redisStore.UpsertActiveUser(ctx, store.ActiveUser{SessionID: "sess_1", UserID: "user-a"}); err != nil {
		t.Fatalf("UpsertActiveUser failed: %v", err)
	}
	if err := redisStore.DeleteSessionCursors(ctx, "sess_1"); err != nil {
		t.Fatalf("DeleteSessionCursors failed: %v", err)
	}
	if err := redisStore.DeleteSessionPresence(ctx, "sess_1"); err != nil {
		t.Fatalf("DeleteSessionPresence failed: %v", err)
	}

	cursors, err = redisStore.ListCursors(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListCursors failed: %v", err)
	}
	if len(cursors) != 0 {
		t.Fatalf("expected no cursors after cascade, got %d", len(cursors))
	}
	listed, err := redisStore.ListActiveUsers(ctx, "sess_1")
	if err != nil {
		t.Fatalf("ListActiveUsers failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no users after cascade, got %d", len(listed))
	}
}
