package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fitdesk/api/internal/store"
)

// ChangeLog is the append-only, version-ordered record of document mutations.
// Appends for one document are serialized behind a per-document mutex so the
// stored versions are always 1..N with no gaps; reads run concurrently with
// the single writer.
type ChangeLog struct {
	store ChangeStore
	locks documentLocks
	now   func() time.Time
	newID func() string

	// poisoned marks documents whose replay no longer matches the stored
	// log. Further appends for such a document fail until the log is
	// repaired by hand.
	poisonMu sync.Mutex
	poisoned map[string]*StructuralError
}

func NewChangeLog(st ChangeStore) *ChangeLog {
	return &ChangeLog{
		store:    st,
		now:      time.Now,
		newID:    uuid.NewString,
		poisoned: make(map[string]*StructuralError),
	}
}

// documentLocks hands out one mutex per document id. A global lock would
// serialize unrelated documents, so each document gets its own.
type documentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (d *documentLocks) acquire(documentID string) *sync.Mutex {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := d.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[documentID] = lock
	}
	d.mu.Unlock()
	return lock
}

// Lock takes the exclusive writer lock for a document and returns the unlock
// function. Callers hold it across conflict resolution and the append.
func (l *ChangeLog) Lock(documentID string) func() {
	lock := l.locks.acquire(documentID)
	lock.Lock()
	return lock.Unlock
}

func (l *ChangeLog) CurrentVersion(ctx context.Context, documentID string) (int, error) {
	version, err := l.store.MaxChangeVersion(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return version, nil
}

// History returns the committed changes with version > fromVersion in
// ascending version order.
func (l *ChangeLog) History(ctx context.Context, documentID string, fromVersion int) ([]store.DocumentChange, error) {
	changes, err := l.store.ListChanges(ctx, documentID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return changes, nil
}

// AppendLocked commits the change at version tip+1. The caller must hold the
// document's writer lock and pass the tip it resolved against.
func (l *ChangeLog) AppendLocked(ctx context.Context, tip int, change store.DocumentChange) (store.DocumentChange, error) {
	if err := l.poisonErr(change.DocumentID); err != nil {
		return store.DocumentChange{}, err
	}

	change.ID = l.newID()
	change.Version = tip + 1
	change.Timestamp = l.now()
	if err := l.store.InsertChange(ctx, change); err != nil {
		return store.DocumentChange{}, fmt.Errorf("append change: %w", err)
	}
	return change, nil
}

// Materialize folds the document's full history over the empty base text and
// returns the live text plus the tip version. A mismatch between the log and
// its own deletedContent poisons the document.
func (l *ChangeLog) Materialize(ctx context.Context, documentID string) (string, int, error) {
	if err := l.poisonErr(documentID); err != nil {
		return "", 0, err
	}

	changes, err := l.store.ListChanges(ctx, documentID, 0)
	if err != nil {
		return "", 0, fmt.Errorf("materialize: %w", err)
	}

	text, err := Replay("", changes)
	if err != nil {
		var structural *StructuralError
		if errors.As(err, &structural) {
			l.poison(documentID, structural)
		}
		return "", 0, err
	}

	tip := 0
	if len(changes) > 0 {
		tip = changes[len(changes)-1].Version
	}
	return text, tip, nil
}

func (l *ChangeLog) poison(documentID string, structural *StructuralError) {
	l.poisonMu.Lock()
	l.poisoned[documentID] = structural
	l.poisonMu.Unlock()
}

func (l *ChangeLog) poisonErr(documentID string) error {
	l.poisonMu.Lock()
	structural := l.poisoned[documentID]
	l.poisonMu.Unlock()
	if structural != nil {
		return structural
	}
	return nil
}

// Replay folds changes in order over base. insert splices content at the
// position, delete removes exactly deletedContent, replace is delete then
// insert at the same position, format leaves the text untouched.
func Replay(base string, changes []store.DocumentChange) (string, error) {
	text := base
	for _, change := range changes {
		next, err := applyChange(text, change)
		if err != nil {
			return "", err
		}
		text = next
	}
	return text, nil
}

func applyChange(text string, change store.DocumentChange) (string, error) {
	switch change.ChangeType {
	case store.ChangeInsert:
		if change.Position < 0 || change.Position > len(text) {
			return "", &StructuralError{
				DocumentID: change.DocumentID,
				Version:    change.Version,
				Reason:     fmt.Sprintf("insert position %d outside text of length %d", change.Position, len(text)),
			}
		}
		return text[:change.Position] + change.Content + text[change.Position:], nil

	case store.ChangeDelete, store.ChangeReplace:
		end := change.Position + len(change.DeletedContent)
		if change.Position < 0 || end > len(text) {
			return "", &StructuralError{
				DocumentID: change.DocumentID,
				Version:    change.Version,
				Reason:     fmt.Sprintf("range [%d:%d) outside text of length %d", change.Position, end, len(text)),
			}
		}
		if text[change.Position:end] != change.DeletedContent {
			return "", &StructuralError{
				DocumentID: change.DocumentID,
				Version:    change.Version,
				Reason:     fmt.Sprintf("stored deletedContent %q does not match text %q", change.DeletedContent, text[change.Position:end]),
			}
		}
		return text[:change.Position] + change.Content + text[end:], nil

	case store.ChangeFormat:
		// Format changes carry advisory positions only and never touch
		// character content.
		return text, nil

	default:
		return "", &StructuralError{
			DocumentID: change.DocumentID,
			Version:    change.Version,
			Reason:     fmt.Sprintf("unknown change type %q", change.ChangeType),
		}
	}
}
