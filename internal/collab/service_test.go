package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fitdesk/api/internal/config"
	"fitdesk/api/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	cfg := config.Config{
		SessionTTL: 2 * time.Hour,
		TypingIdle: 5 * time.Second,
	}
	st := store.NewMemoryStore()
	return New(cfg, st), st
}

// setClock pins every component of the service to the same fake clock.
func setClock(svc *Service, now func() time.Time) {
	svc.sessions.now = now
	svc.presence.now = now
	svc.cursors.now = now
	svc.changes.now = now
}

func TestCreateAndValidateSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !strings.HasPrefix(session.ID, "sess_") {
		t.Fatalf("unexpected session id %q", session.ID)
	}
	if !session.ExpiresAt.After(session.CreatedAt) {
		t.Fatal("expiresAt must be after createdAt")
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != 2*time.Hour {
		t.Fatalf("expected default TTL of 2h, got %v", got)
	}

	validated, err := svc.ValidateSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}
	if validated.DocumentID != "doc-1" {
		t.Fatalf("expected document doc-1, got %q", validated.DocumentID)
	}
}

func TestCreateSessionRequiresDocument(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateSession(context.Background(), "  ", 0); !IsCode(err, CodeInvalidChange) {
		t.Fatalf("expected INVALID_CHANGE, got %v", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ValidateSession(context.Background(), "sess_missing"); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestValidateExpiredButUnsweptSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	now := time.Now()
	setClock(svc, func() time.Time { return now })

	session, err := svc.CreateSession(ctx, "doc-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// No sweep has run, the row is still stored, but validation must
	// already treat the session as invalid.
	now = now.Add(31 * time.Minute)
	if _, err := svc.ValidateSession(ctx, session.ID); !IsCode(err, CodeExpired) {
		t.Fatalf("expected EXPIRED, got %v", err)
	}
}

func TestRefreshExtendsByOriginalTTL(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	start := time.Now()
	now := start
	setClock(svc, func() time.Time { return now })

	session, err := svc.CreateSession(ctx, "doc-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	now = start.Add(10 * time.Minute)
	refreshed, err := svc.RefreshSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("refresh session: %v", err)
	}
	want := start.Add(10 * time.Minute).Add(30 * time.Minute)
	if !refreshed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, refreshed.ExpiresAt)
	}
}

func TestExpireSweepCascades(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	now := time.Now()
	setClock(svc, func() time.Time { return now })

	session, err := svc.CreateSession(ctx, "doc-1", time.Minute)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.JoinSession(ctx, session.ID, "user-a", "doc-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.JoinSession(ctx, session.ID, "user-b", "doc-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.UpdateCursor(ctx, store.CursorPosition{
		SessionID: session.ID, UserID: "user-a", DocumentID: "doc-1", Offset: 3,
	}); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	now = now.Add(2 * time.Minute)
	swept, err := svc.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}

	if _, err := svc.ValidateSession(ctx, session.ID); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND after sweep, got %v", err)
	}
	users, err := st.ListActiveUsers(ctx, session.ID)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no presence rows after sweep, got %d", len(users))
	}
	cursors, err := st.ListCursors(ctx, session.ID)
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	if len(cursors) != 0 {
		t.Fatalf("expected no cursor rows after sweep, got %d", len(cursors))
	}
}

func TestJoinIsIdempotentAndColorStable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	svc.presence.pick = func(int) int { return 2 }

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	first, err := svc.JoinSession(ctx, session.ID, "user-a", "doc-1")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	svc.presence.pick = func(int) int { return 5 }
	second, err := svc.JoinSession(ctx, session.ID, "user-a", "doc-1")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}

	if second.Color != first.Color {
		t.Fatalf("color changed on rejoin: %q -> %q", first.Color, second.Color)
	}
	users, err := svc.ActiveUsers(ctx, session.ID)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 presence row, got %d", len(users))
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.JoinSession(ctx, session.ID, "user-a", "doc-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := svc.LeaveSession(ctx, session.ID, "user-a"); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := svc.LeaveSession(ctx, session.ID, "user-a"); err != nil {
		t.Fatalf("second leave must be a no-op: %v", err)
	}
	if err := svc.LeaveSession(ctx, session.ID, "user-never-joined"); err != nil {
		t.Fatalf("leaving without joining must be a no-op: %v", err)
	}
}

func TestActiveUsersOrderedByJoinTime(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	now := time.Now()
	setClock(svc, func() time.Time { return now })

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for _, userID := range []string{"user-c", "user-a", "user-b"} {
		if _, err := svc.JoinSession(ctx, session.ID, userID, "doc-1"); err != nil {
			t.Fatalf("join %s: %v", userID, err)
		}
		now = now.Add(time.Second)
	}

	users, err := svc.ActiveUsers(ctx, session.ID)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	var order []string
	for _, user := range users {
		order = append(order, user.UserID)
	}
	want := []string{"user-c", "user-a", "user-b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected join order %v, got %v", want, order)
		}
	}
}

func TestTypingIdleFilteredOnRead(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	now := time.Now()
	setClock(svc, func() time.Time { return now })

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.JoinSession(ctx, session.ID, "user-a", "doc-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := svc.SetTyping(ctx, session.ID, "user-a", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	now = now.Add(6 * time.Second)
	users, err := svc.ActiveUsers(ctx, session.ID)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if users[0].IsTyping {
		t.Fatal("idle typing indicator must read as off")
	}

	// Read-side only: the stored row still says typing.
	stored, err := st.GetActiveUser(ctx, session.ID, "user-a")
	if err != nil {
		t.Fatalf("get stored user: %v", err)
	}
	if !stored.IsTyping {
		t.Fatal("the idle filter must not write back")
	}
}

func TestSetTypingForAbsentUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.SetTyping(ctx, session.ID, "user-ghost", true); !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestCursorSnapshotFiltersDepartedUsers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, userID := range []string{"user-a", "user-b"} {
		if _, err := svc.JoinSession(ctx, session.ID, userID, "doc-1"); err != nil {
			t.Fatalf("join %s: %v", userID, err)
		}
		if _, err := svc.UpdateCursor(ctx, store.CursorPosition{
			SessionID: session.ID, UserID: userID, DocumentID: "doc-1", Offset: 1, Line: 1, Column: 1,
		}); err != nil {
			t.Fatalf("cursor %s: %v", userID, err)
		}
	}

	if err := svc.LeaveSession(ctx, session.ID, "user-b"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	cursors, err := svc.CursorSnapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(cursors) != 1 || cursors[0].UserID != "user-a" {
		t.Fatalf("expected only user-a's cursor, got %+v", cursors)
	}
}

func TestCursorRejectsNegativeCoordinates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	session, err := svc.CreateSession(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = svc.UpdateCursor(ctx, store.CursorPosition{
		SessionID: session.ID, UserID: "user-a", DocumentID: "doc-1", Offset: -1,
	})
	if !IsCode(err, CodeInvalidChange) {
		t.Fatalf("expected INVALID_CHANGE, got %v", err)
	}
}

// seedDocument writes base text as version 1 and returns the session.
func seedDocument(t *testing.T, svc *Service, documentID, text string) store.Session {
	t.Helper()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, documentID, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.JoinSession(ctx, session.ID, "seed-user", documentID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID:  documentID,
		SessionID:   session.ID,
		UserID:      "seed-user",
		ChangeType:  store.ChangeInsert,
		Position:    0,
		Content:     text,
		BaseVersion: 0,
	}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return session
}

func TestRecordChangeShiftsConcurrentInserts(t *testing.T) {
	// Base text "hello world" at version 1. A inserts "X" at 0 and B
	// inserts "Y" at 11, both against base version 1. Whatever the commit
	// order, the text must converge to "Xhello worldY".
	for _, firstUser := range []string{"user-a", "user-b"} {
		t.Run("first="+firstUser, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestService(t)
			session := seedDocument(t, svc, "doc-1", "hello world")

			edits := map[string]IncomingChange{
				"user-a": {
					DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
					ChangeType: store.ChangeInsert, Position: 0, Content: "X", BaseVersion: 1,
				},
				"user-b": {
					DocumentID: "doc-1", SessionID: session.ID, UserID: "user-b",
					ChangeType: store.ChangeInsert, Position: 11, Content: "Y", BaseVersion: 1,
				},
			}

			order := []string{"user-a", "user-b"}
			if firstUser == "user-b" {
				order = []string{"user-b", "user-a"}
			}
			for _, userID := range order {
				if _, err := svc.RecordChange(ctx, edits[userID]); err != nil {
					t.Fatalf("record change for %s: %v", userID, err)
				}
			}

			content, version, err := svc.DocumentContent(ctx, "doc-1")
			if err != nil {
				t.Fatalf("content: %v", err)
			}
			if content != "Xhello worldY" {
				t.Fatalf("expected %q, got %q", "Xhello worldY", content)
			}
			if version != 3 {
				t.Fatalf("expected tip 3, got %d", version)
			}
		})
	}
}

func TestRecordChangeOverlappingDeleteRequiresResync(t *testing.T) {
	// Base text "abcdef". A deletes "cd" at 2, B deletes "bcd" at 1, both
	// against the same base. Whoever lands second must get a resync, not a
	// silent wrong deletion.
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "abcdef")

	first := IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-b",
		ChangeType: store.ChangeDelete, Position: 1, DeletedContent: "bcd", BaseVersion: 1,
	}
	second := IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeDelete, Position: 2, DeletedContent: "cd", BaseVersion: 1,
	}

	if _, err := svc.RecordChange(ctx, first); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if _, err := svc.RecordChange(ctx, second); !IsCode(err, CodeConflictResync) {
		t.Fatalf("expected CONFLICT_RESYNC, got %v", err)
	}

	// The losing client refetches and recomputes against the new tip.
	content, version, err := svc.DocumentContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "aef" {
		t.Fatalf("expected %q, got %q", "aef", content)
	}
	if _, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeDelete, Position: 1, DeletedContent: "e", BaseVersion: version,
	}); err != nil {
		t.Fatalf("resubmit after resync: %v", err)
	}
}

func TestRecordChangeOverlapPreservesBothContents(t *testing.T) {
	// A committed delete overlaps an incoming insert. The insert is flagged
	// conflicted and moved after the deleted range; no characters are lost.
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "abcdef")

	if _, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeDelete, Position: 1, DeletedContent: "bcd", BaseVersion: 1,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	committed, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-b",
		ChangeType: store.ChangeInsert, Position: 2, Content: "X", BaseVersion: 1,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !committed.Conflicted {
		t.Fatal("expected the rebased insert to be flagged conflicted")
	}

	content, _, err := svc.DocumentContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "aXef" {
		t.Fatalf("expected %q, got %q", "aXef", content)
	}
}

func TestRecordChangeFormatSkipsRebaseAndVerification(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "abc")

	committed, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeFormat, Position: 999, Content: "bold", BaseVersion: 0,
	})
	if err != nil {
		t.Fatalf("format change: %v", err)
	}
	if committed.Version != 2 {
		t.Fatalf("expected version 2, got %d", committed.Version)
	}
	if committed.Conflicted {
		t.Fatal("format changes never conflict")
	}
	if committed.Position != 999 {
		t.Fatalf("format position must pass through, got %d", committed.Position)
	}

	content, _, err := svc.DocumentContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if content != "abc" {
		t.Fatalf("format must not touch text, got %q", content)
	}
}

func TestRecordChangeRejectsBaseVersionAheadOfTip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "abc")

	_, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeInsert, Position: 0, Content: "x", BaseVersion: 5,
	})
	if !IsCode(err, CodeInvalidChange) {
		t.Fatalf("expected INVALID_CHANGE, got %v", err)
	}
}

func TestRecordChangeRejectsForeignDocument(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "abc")

	_, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-other", SessionID: session.ID, UserID: "user-a",
		ChangeType: store.ChangeInsert, Position: 0, Content: "x", BaseVersion: 0,
	})
	if !IsCode(err, CodeInvalidChange) {
		t.Fatalf("expected INVALID_CHANGE, got %v", err)
	}
}

func TestConcurrentRecordChangeKeepsVersionsGapFree(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "x")

	const writers = 24
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordChange(ctx, IncomingChange{
				DocumentID: "doc-1",
				SessionID:  session.ID,
				UserID:     fmt.Sprintf("user-%02d", i),
				ChangeType: store.ChangeInsert,
				Position:   0,
				Content:    "a",
				// Everyone raced from the same observed tip.
				BaseVersion: 1,
			})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent record change: %v", err)
		}
	}

	changes, err := svc.History(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(changes) != writers+1 {
		t.Fatalf("expected %d changes, got %d", writers+1, len(changes))
	}
	for i, change := range changes {
		if change.Version != i+1 {
			t.Fatalf("version gap at index %d: got %d", i, change.Version)
		}
	}

	// Replay stays deterministic regardless of submission interleaving.
	content, _, err := svc.DocumentContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if len(content) != writers+1 {
		t.Fatalf("expected %d characters, got %d", writers+1, len(content))
	}
}

func TestRecordChangeRequiresValidSession(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.RecordChange(ctx, IncomingChange{
		DocumentID: "doc-1", SessionID: "sess_missing", UserID: "user-a",
		ChangeType: store.ChangeInsert, Position: 0, Content: "x",
	})
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestHistoryFromVersion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	session := seedDocument(t, svc, "doc-1", "a")

	for i := 0; i < 3; i++ {
		tip, err := svc.CurrentVersion(ctx, "doc-1")
		if err != nil {
			t.Fatalf("tip: %v", err)
		}
		if _, err := svc.RecordChange(ctx, IncomingChange{
			DocumentID: "doc-1", SessionID: session.ID, UserID: "seed-user",
			ChangeType: store.ChangeInsert, Position: 0, Content: "b", BaseVersion: tip,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	changes, err := svc.History(ctx, "doc-1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes past version 2, got %d", len(changes))
	}
	if changes[0].Version != 3 || changes[1].Version != 4 {
		t.Fatalf("unexpected versions %d, %d", changes[0].Version, changes[1].Version)
	}
}
