package collab

import (
	"fmt"
	"strings"

	"fitdesk/api/internal/store"
)

// IncomingChange is an edit as submitted by a client, computed against the
// document as the client last saw it at BaseVersion. The server assigns the
// real version after conflict resolution.
type IncomingChange struct {
	DocumentID     string
	SessionID      string
	UserID         string
	ChangeType     string
	Position       int
	Content        string
	DeletedContent string
	BaseVersion    int
}

// Validate checks the shape of the change before any rebasing happens.
func (c IncomingChange) Validate() error {
	if strings.TrimSpace(c.DocumentID) == "" {
		return invalidChange("documentId is required", nil)
	}
	if c.Position < 0 {
		return invalidChange("position must not be negative", nil)
	}
	if c.BaseVersion < 0 {
		return invalidChange("baseVersion must not be negative", nil)
	}

	switch c.ChangeType {
	case store.ChangeInsert:
		if c.Content == "" {
			return invalidChange("insert requires content", nil)
		}
	case store.ChangeDelete:
		if c.DeletedContent == "" {
			return invalidChange("delete requires deletedContent", nil)
		}
	case store.ChangeReplace:
		if c.Content == "" || c.DeletedContent == "" {
			return invalidChange("replace requires content and deletedContent", nil)
		}
	case store.ChangeFormat:
		// Position and length are advisory for format changes.
	default:
		return invalidChange(fmt.Sprintf("unknown changeType %q", c.ChangeType), nil)
	}
	return nil
}

// consumed is the number of characters the change removes from the text.
func (c IncomingChange) consumed() int {
	switch c.ChangeType {
	case store.ChangeDelete, store.ChangeReplace:
		return len(c.DeletedContent)
	default:
		return 0
	}
}

func committedConsumed(change store.DocumentChange) int {
	switch change.ChangeType {
	case store.ChangeDelete, store.ChangeReplace:
		return len(change.DeletedContent)
	default:
		return 0
	}
}

func committedProduced(change store.DocumentChange) int {
	switch change.ChangeType {
	case store.ChangeInsert, store.ChangeReplace:
		return len(change.Content)
	default:
		return 0
	}
}

// ConflictResolver rebases an incoming change over the changes committed
// since the client's base version, so that appending it after the tip keeps
// the editor's intent as if the edit had applied immediately at the base.
type ConflictResolver struct{}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Rebase walks the committed changes in version order and shifts the incoming
// change's position past each one. Overlapping ranges are a true conflict:
// the deterministically earlier change keeps its ground and the other is
// moved to start right after its resulting range, so no character data is
// ever discarded. The returned flag marks whether any overlap occurred.
//
// candidateVersion is the version the incoming change will take if it
// commits; it breaks ties on the (version, userId) pair.
func (r *ConflictResolver) Rebase(incoming IncomingChange, committed []store.DocumentChange, candidateVersion int) (int, bool) {
	position := incoming.Position
	consumed := incoming.consumed()
	conflicted := false

	for _, change := range committed {
		if change.ChangeType == store.ChangeFormat {
			// Advisory only, never shifts character positions.
			continue
		}

		removed := committedConsumed(change)
		added := committedProduced(change)

		switch {
		case change.Position >= position+consumed:
			// Entirely after the incoming range.
		case change.Position+removed <= position:
			// Entirely before: shift by the committed net length delta.
			position += added - removed
		default:
			conflicted = true
			if orderedBefore(change.Version, change.UserID, candidateVersion, incoming.UserID) {
				// The committed change is earlier; start ours right
				// after its resulting range.
				position = change.Position + added
			}
		}
	}
	return position, conflicted
}

// orderedBefore reports whether (v1, u1) sorts before (v2, u2).
func orderedBefore(v1 int, u1 string, v2 int, u2 string) bool {
	if v1 != v2 {
		return v1 < v2
	}
	return u1 < u2
}

// Verify re-checks a rebased change against the live text. For delete and
// replace the recorded deletedContent must still match the text at the new
// position; an insert must still land inside the text. A mismatch means the
// client has to refetch history and recompute its edit.
func (r *ConflictResolver) Verify(incoming IncomingChange, position int, liveText string) error {
	switch incoming.ChangeType {
	case store.ChangeInsert:
		if position > len(liveText) {
			return conflictResync("insert position is past the end of the document")
		}
	case store.ChangeDelete, store.ChangeReplace:
		end := position + len(incoming.DeletedContent)
		if end > len(liveText) || liveText[position:end] != incoming.DeletedContent {
			return conflictResync("deletedContent no longer matches the document text")
		}
	}
	return nil
}
