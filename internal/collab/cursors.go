package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fitdesk/api/internal/store"
)

// CursorSynchronizer tracks each user's last-known caret within a session.
// Cursor state is advisory view state: every update is a full replace and it
// never passes through conflict resolution.
type CursorSynchronizer struct {
	store CursorStore
	now   func() time.Time
}

func NewCursorSynchronizer(st CursorStore) *CursorSynchronizer {
	return &CursorSynchronizer{store: st, now: time.Now}
}

func (c *CursorSynchronizer) Update(ctx context.Context, cursor store.CursorPosition) (store.CursorPosition, error) {
	if cursor.Offset < 0 || cursor.Line < 0 || cursor.Column < 0 {
		return store.CursorPosition{}, invalidChange("cursor coordinates must not be negative", nil)
	}
	if cursor.Selection != nil && (cursor.Selection.Start < 0 || cursor.Selection.End < cursor.Selection.Start) {
		return store.CursorPosition{}, invalidChange("selection range is malformed", nil)
	}

	cursor.LastUpdated = c.now()
	if err := c.store.UpsertCursor(ctx, cursor); err != nil {
		return store.CursorPosition{}, fmt.Errorf("update cursor: %w", err)
	}
	return cursor, nil
}

// Snapshot returns every cursor row for the session. Callers filter against
// presence before broadcasting so stale entries are dropped read-side.
func (c *CursorSynchronizer) Snapshot(ctx context.Context, sessionID string) ([]store.CursorPosition, error) {
	cursors, err := c.store.ListCursors(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot cursors: %w", err)
	}
	return cursors, nil
}

// Forget drops the cursor row for a user; absent rows are a no-op.
func (c *CursorSynchronizer) Forget(ctx context.Context, sessionID, userID string) error {
	if err := c.store.DeleteCursor(ctx, sessionID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("forget cursor: %w", err)
	}
	return nil
}
