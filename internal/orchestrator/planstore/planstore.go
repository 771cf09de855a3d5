// Package planstore holds at most one pending (unapproved) plan per chat.
// Only one plan can be in flight for a conversation; a new plan-phase run
// always supersedes the previous one.
package planstore

import (
	"fmt"
	"sync"

	"github.com/codeherd/codeherd/internal/storage"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

// Store owns the pending-plans document.
type Store struct {
	mu    sync.RWMutex
	plans map[int64]*v1.PendingPlan
	store *storage.Store
}

// NewStore creates a plan store backed by the given document store, loading
// any persisted plans.
func NewStore(store *storage.Store) (*Store, error) {
	s := &Store{
		plans: make(map[int64]*v1.PendingPlan),
		store: store,
	}
	if store != nil {
		if _, err := store.Load(&s.plans); err != nil {
			return nil, fmt.Errorf("failed to load pending plans: %w", err)
		}
		if s.plans == nil {
			s.plans = make(map[int64]*v1.PendingPlan)
		}
	}
	return s, nil
}

// Set stores the plan for its chat, replacing any existing plan
// unconditionally. Carrying the revision count forward is the caller's
// responsibility.
func (s *Store) Set(plan v1.PendingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := plan
	s.plans[plan.ChatID] = &cp
	return s.persist()
}

// Get returns a copy of the chat's pending plan, or nil.
func (s *Store) Get(chatID int64) *v1.PendingPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[chatID]
	if !ok {
		return nil
	}
	cp := *plan
	return &cp
}

// Has reports whether the chat has a pending plan.
func (s *Store) Has(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.plans[chatID]
	return ok
}

// Consume removes and returns the chat's pending plan. Used at approval time
// to seed the execute phase.
func (s *Store) Consume(chatID int64) *v1.PendingPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[chatID]
	if !ok {
		return nil
	}
	delete(s.plans, chatID)
	_ = s.persist()
	cp := *plan
	return &cp
}

// Cancel discards the chat's pending plan. Returns whether one existed.
func (s *Store) Cancel(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[chatID]; !ok {
		return false
	}
	delete(s.plans, chatID)
	_ = s.persist()
	return true
}

// Count returns the number of chats with a pending plan.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans)
}

// persist writes the plans document. Must be called with mu held.
func (s *Store) persist() error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(s.plans)
}
