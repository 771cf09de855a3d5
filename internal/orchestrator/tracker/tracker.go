// Package tracker keeps the durable record of tasks currently in flight.
// A record is written before the external agent is invoked and removed on
// completion, so any record still present at startup marks an invocation
// that died with the process.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeherd/codeherd/internal/storage"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

// ErrRecordNotFound is returned when updating or completing an unknown record
var ErrRecordNotFound = errors.New("active task record not found")

// Tracker owns the active-tasks document.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*v1.ActiveTaskRecord
	store   *storage.Store

	// interrupted holds records found on disk at load time, before any
	// Track call of this process.
	interrupted []*v1.ActiveTaskRecord
}

// NewTracker creates a tracker backed by the given store. Records already on
// disk are surfaced via Interrupted() and removed from the live set.
func NewTracker(store *storage.Store) (*Tracker, error) {
	t := &Tracker{
		records: make(map[string]*v1.ActiveTaskRecord),
		store:   store,
	}
	if store != nil {
		var loaded []*v1.ActiveTaskRecord
		if _, err := store.Load(&loaded); err != nil {
			return nil, fmt.Errorf("failed to load active tasks: %w", err)
		}
		t.interrupted = loaded
	}
	return t, nil
}

// Track records a task as in flight and persists the record durably before
// returning, so the agent is never invoked without a crash marker on disk.
func (t *Tracker) Track(req v1.TaskRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &v1.ActiveTaskRecord{
		ID:         uuid.New().String(),
		ChatID:     req.ChatID,
		Task:       req.Task,
		Complexity: req.Complexity,
		WorkDir:    req.WorkDir,
		StartedAt:  time.Now().UTC(),
	}
	t.records[rec.ID] = rec

	if err := t.persist(); err != nil {
		return rec.ID, err
	}
	return rec.ID, nil
}

// UpdateSessionID attaches the agent's session handle to the record as soon
// as it becomes known. The session id is what makes a crashed run resumable.
func (t *Tracker) UpdateSessionID(id, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.SessionID = sessionID
	return t.persist()
}

// Complete removes the record. Called on both success and failure; only a
// process crash should leave a dangling record.
func (t *Tracker) Complete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return ErrRecordNotFound
	}
	delete(t.records, id)
	return t.persist()
}

// GetAll returns copies of all live records.
func (t *Tracker) GetAll() []*v1.ActiveTaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*v1.ActiveTaskRecord, 0, len(t.records))
	for _, rec := range t.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// GetForChat returns copies of the chat's live records.
func (t *Tracker) GetForChat(chatID int64) []*v1.ActiveTaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*v1.ActiveTaskRecord
	for _, rec := range t.records {
		if rec.ChatID == chatID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// HasInterrupted reports whether records survived the last restart.
func (t *Tracker) HasInterrupted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.interrupted) > 0
}

// Interrupted returns copies of the records found on disk at load time.
// Their SessionID, if set, is the resumption handle to offer the user.
func (t *Tracker) Interrupted() []*v1.ActiveTaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*v1.ActiveTaskRecord, 0, len(t.interrupted))
	for _, rec := range t.interrupted {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// RemoveInterrupted drops one interrupted record once it has been resumed or
// dismissed, and rewrites the document so it cannot resurface. Records stay
// on disk until then; a second crash must not lose the resumption handles.
func (t *Tracker) RemoveInterrupted(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, rec := range t.interrupted {
		if rec.ID == id {
			t.interrupted = append(t.interrupted[:i], t.interrupted[i+1:]...)
			return t.persist()
		}
	}
	return ErrRecordNotFound
}

// persist writes the live records plus any interrupted ones still awaiting a
// decision. Must be called with mu held.
func (t *Tracker) persist() error {
	if t.store == nil {
		return nil
	}
	out := make([]*v1.ActiveTaskRecord, 0, len(t.records)+len(t.interrupted))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	out = append(out, t.interrupted...)
	return t.store.Save(out)
}
