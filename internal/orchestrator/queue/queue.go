// Package queue manages the per-chat FIFO of task requests waiting for
// their chat to become free.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeherd/codeherd/internal/storage"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when a chat's queue is at max capacity.
	// Callers must reject the request; it is never silently dropped.
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskNotFound is returned when cancelling an unknown task
	ErrTaskNotFound = errors.New("task not found in queue")
)

// TaskQueue is the per-chat bounded FIFO. The queue document is the only
// record of backlog work if the process dies, so every mutation is persisted
// durably before the mutating call returns.
type TaskQueue struct {
	mu         sync.RWMutex
	chats      map[int64][]*v1.QueuedTask
	maxPerChat int
	store      *storage.Store
}

// NewTaskQueue creates a task queue backed by the given store, loading any
// persisted backlog.
func NewTaskQueue(store *storage.Store, maxPerChat int) (*TaskQueue, error) {
	q := &TaskQueue{
		chats:      make(map[int64][]*v1.QueuedTask),
		maxPerChat: maxPerChat,
		store:      store,
	}
	if store != nil {
		if _, err := store.Load(&q.chats); err != nil {
			return nil, fmt.Errorf("failed to load task queue: %w", err)
		}
		if q.chats == nil {
			q.chats = make(map[int64][]*v1.QueuedTask)
		}
	}
	return q, nil
}

// Enqueue appends a request to its chat's list. Returns ErrQueueFull when
// the chat already has maxPerChat pending items.
func (q *TaskQueue) Enqueue(req v1.TaskRequest) (*v1.QueuedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.chats[req.ChatID]
	if len(list) >= q.maxPerChat {
		return nil, ErrQueueFull
	}

	qt := &v1.QueuedTask{
		ID:       uuid.New().String(),
		QueuedAt: time.Now().UTC(),
		Request:  req,
	}
	q.chats[req.ChatID] = append(list, qt)

	if err := q.persist(); err != nil {
		// Memory stays authoritative; the next successful write reconciles disk.
		return qt, err
	}
	return qt, nil
}

// Dequeue pops the oldest entry for the chat (FIFO). The chat's list is
// removed entirely once drained. Returns nil when nothing is queued.
func (q *TaskQueue) Dequeue(chatID int64) *v1.QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.chats[chatID]
	if len(list) == 0 {
		return nil
	}

	qt := list[0]
	if len(list) == 1 {
		delete(q.chats, chatID)
	} else {
		q.chats[chatID] = list[1:]
	}

	_ = q.persist()
	return qt
}

// Peek returns the oldest entry for the chat without removing it.
func (q *TaskQueue) Peek(chatID int64) *v1.QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	list := q.chats[chatID]
	if len(list) == 0 {
		return nil
	}
	cp := *list[0]
	return &cp
}

// Cancel scans all chats' lists and removes the first task with the given id.
func (q *TaskQueue) Cancel(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for chatID, list := range q.chats {
		for i, qt := range list {
			if qt.ID == taskID {
				q.removeAt(chatID, i)
				_ = q.persist()
				return nil
			}
		}
	}
	return ErrTaskNotFound
}

// CancelByPosition removes the task at the 1-based position in the chat's
// queue and returns it.
func (q *TaskQueue) CancelByPosition(chatID int64, position int) (*v1.QueuedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.chats[chatID]
	if position < 1 || position > len(list) {
		return nil, ErrTaskNotFound
	}

	qt := list[position-1]
	q.removeAt(chatID, position-1)
	_ = q.persist()
	return qt, nil
}

// GetQueueLength returns the number of tasks queued for the chat.
func (q *TaskQueue) GetQueueLength(chatID int64) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.chats[chatID])
}

// GetTotalCount returns the number of tasks queued across all chats.
func (q *TaskQueue) GetTotalCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	total := 0
	for _, list := range q.chats {
		total += len(list)
	}
	return total
}

// GetChatsWithQueued returns the ids of all chats with pending tasks, sorted
// for stable iteration.
func (q *TaskQueue) GetChatsWithQueued() []int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := make([]int64, 0, len(q.chats))
	for chatID := range q.chats {
		ids = append(ids, chatID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// List returns copies of the chat's queued tasks in FIFO order.
func (q *TaskQueue) List(chatID int64) []*v1.QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	list := q.chats[chatID]
	result := make([]*v1.QueuedTask, 0, len(list))
	for _, qt := range list {
		cp := *qt
		result = append(result, &cp)
	}
	return result
}

// removeAt removes index i from the chat's list. Must be called with mu held.
func (q *TaskQueue) removeAt(chatID int64, i int) {
	list := q.chats[chatID]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(q.chats, chatID)
	} else {
		q.chats[chatID] = list
	}
}

// persist writes the queue document. Must be called with mu held.
func (q *TaskQueue) persist() error {
	if q.store == nil {
		return nil
	}
	return q.store.Save(q.chats)
}
