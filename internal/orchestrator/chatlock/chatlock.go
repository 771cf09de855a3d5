// Package chatlock provides per-chat mutual exclusion and cancellation token
// issuance. State is purely in-memory and rebuilt from the durable stores at
// startup.
package chatlock

import (
	"context"
	"sync"
)

// chatState holds the lock state for one chat.
type chatState struct {
	locked       bool
	executorBusy bool
	cancel       context.CancelFunc
}

// Manager tracks lock and executor-busy state per chat. The executor-busy
// flag is deliberately separate from the lock: a reply being composed and a
// background execution must not be confused when deciding whether to queue.
type Manager struct {
	mu    sync.Mutex
	chats map[int64]*chatState
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{chats: make(map[int64]*chatState)}
}

func (m *Manager) state(chatID int64) *chatState {
	st, ok := m.chats[chatID]
	if !ok {
		st = &chatState{}
		m.chats[chatID] = st
	}
	return st
}

// Lock marks the chat locked and issues a fresh cancellation token derived
// from parent, replacing (and releasing) any prior token.
func (m *Manager) Lock(parent context.Context, chatID int64) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(chatID)
	if st.cancel != nil {
		st.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	st.locked = true
	st.cancel = cancel
	return ctx
}

// Unlock clears the lock without firing the cancellation token.
func (m *Manager) Unlock(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[chatID]
	if !ok {
		return
	}
	st.locked = false
	st.cancel = nil
	m.maybeDrop(chatID, st)
}

// IsLocked reports whether the chat currently holds a lock.
func (m *Manager) IsLocked(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[chatID]
	return ok && st.locked
}

// Cancel signals cancellation and clears the lock. It returns whether a lock
// existed.
func (m *Manager) Cancel(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[chatID]
	if !ok || !st.locked {
		return false
	}
	if st.cancel != nil {
		st.cancel()
	}
	st.locked = false
	st.cancel = nil
	m.maybeDrop(chatID, st)
	return true
}

// SetExecutorBusy marks a background execution as running for the chat.
func (m *Manager) SetExecutorBusy(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(chatID).executorBusy = true
}

// SetExecutorIdle clears the executor-busy flag.
func (m *Manager) SetExecutorIdle(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[chatID]
	if !ok {
		return
	}
	st.executorBusy = false
	m.maybeDrop(chatID, st)
}

// IsExecutorBusy reports whether a background execution is running for the
// chat.
func (m *Manager) IsExecutorBusy(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[chatID]
	return ok && st.executorBusy
}

// maybeDrop removes fully idle chat state. Must be called with mu held.
func (m *Manager) maybeDrop(chatID int64, st *chatState) {
	if !st.locked && !st.executorBusy {
		delete(m.chats, chatID)
	}
}
