// Package registry is the process-wide directory of agent invocations
// currently running or recently finished. It is a side channel for
// observers: it holds no authority over scheduling. All changes are
// published as typed events on the bus.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/events"
	"github.com/codeherd/codeherd/internal/events/bus"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

// ErrEntryNotFound is returned when operating on an unknown entry
var ErrEntryNotFound = errors.New("agent entry not found")

// Config bounds the registry's buffers.
type Config struct {
	OutputBufferLines int           // rolling output lines kept per entry
	HistoryLimit      int           // completed-history ring size
	Retention         time.Duration // live-map grace window after completion
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		OutputBufferLines: 30,
		HistoryLimit:      50,
		Retention:         5 * time.Minute,
	}
}

// Update carries the optional fields merged by Registry.Update. Nil fields
// are left unchanged.
type Update struct {
	Phase       *v1.AgentPhase
	Description *string
	Progress    *string
	// LastActivityAt overrides the automatic activity bump when set.
	LastActivityAt *time.Time
}

// Registry is safe for concurrent use: one invocation's callbacks mutate an
// entry while unrelated observers read snapshots.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*v1.AgentEntry
	history []*v1.AgentEntry
	timers  map[string]*time.Timer
	cfg     Config
	bus     bus.EventBus
	logger  *logger.Logger
	stopped bool
}

// New creates a registry publishing change events on the given bus.
func New(eventBus bus.EventBus, cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*v1.AgentEntry),
		timers:  make(map[string]*time.Timer),
		cfg:     cfg,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "registry")),
	}
}

// Register creates an entry with a fresh id and emits a registered event.
func (r *Registry) Register(role string, chatID int64, description string, phase v1.AgentPhase) string {
	now := time.Now().UTC()
	entry := &v1.AgentEntry{
		ID:             uuid.New().String(),
		Role:           role,
		ChatID:         chatID,
		Description:    description,
		Phase:          phase,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	r.entries[entry.ID] = entry
	cp := copyEntry(entry)
	r.mu.Unlock()

	r.publish(events.AgentRegistered, cp)
	return entry.ID
}

// Update merges the given fields and bumps last activity unless explicitly
// overridden.
func (r *Registry) Update(id string, u Update) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}

	if u.Phase != nil {
		entry.Phase = *u.Phase
	}
	if u.Description != nil {
		entry.Description = *u.Description
	}
	if u.Progress != nil {
		entry.Progress = *u.Progress
	}
	if u.LastActivityAt != nil {
		entry.LastActivityAt = *u.LastActivityAt
	} else {
		entry.LastActivityAt = time.Now().UTC()
	}
	cp := copyEntry(entry)
	r.mu.Unlock()

	r.publish(events.AgentUpdated, cp)
	return nil
}

// AddOutput appends lines to the entry's rolling buffer, trimming from the
// front beyond the configured limit.
func (r *Registry) AddOutput(id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}

	entry.Output = append(entry.Output, lines...)
	if over := len(entry.Output) - r.cfg.OutputBufferLines; over > 0 {
		entry.Output = append([]string(nil), entry.Output[over:]...)
	}
	entry.LastActivityAt = time.Now().UTC()
	cp := copyEntry(entry)
	r.mu.Unlock()

	r.publish(events.AgentOutput, cp)
	return nil
}

// Complete sets the terminal state, appends a deep copy to the bounded
// history ring, and schedules removal from the live map after the retention
// window so slow observers can still read the terminal state.
func (r *Registry) Complete(id string, success bool, costUSD *float64) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrEntryNotFound
	}

	now := time.Now().UTC()
	if success {
		entry.Phase = v1.AgentPhaseCompleted
	} else {
		entry.Phase = v1.AgentPhaseFailed
	}
	entry.Success = &success
	entry.CostUSD = costUSD
	entry.CompletedAt = &now
	entry.LastActivityAt = now

	cp := copyEntry(entry)
	r.history = append(r.history, copyEntry(entry))
	if len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}

	if !r.stopped && r.cfg.Retention > 0 {
		r.timers[id] = time.AfterFunc(r.cfg.Retention, func() { r.evict(id) })
	} else {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if success {
		r.publish(events.AgentCompleted, cp)
	} else {
		r.publish(events.AgentFailed, cp)
	}
	return nil
}

// Get returns a copy of the entry, live or retained.
func (r *Registry) Get(id string) *v1.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[id]; ok {
		return copyEntry(entry)
	}
	return nil
}

// GetSnapshot returns copies of every entry in the live map.
func (r *Registry) GetSnapshot() []*v1.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.AgentEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, copyEntry(entry))
	}
	return out
}

// GetActiveAgents returns copies of entries in non-terminal phases.
func (r *Registry) GetActiveAgents() []*v1.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*v1.AgentEntry
	for _, entry := range r.entries {
		if !entry.Phase.Terminal() {
			out = append(out, copyEntry(entry))
		}
	}
	return out
}

// GetActiveExecutorForChat returns the chat's running invocation, or nil.
func (r *Registry) GetActiveExecutorForChat(chatID int64) *v1.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.entries {
		if entry.ChatID == chatID && !entry.Phase.Terminal() {
			return copyEntry(entry)
		}
	}
	return nil
}

// History returns copies of the completed-history ring, oldest first.
func (r *Registry) History() []*v1.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.AgentEntry, 0, len(r.history))
	for _, entry := range r.history {
		out = append(out, copyEntry(entry))
	}
	return out
}

// Stop cancels all retention timers. Entries are left in place; Stop is for
// process shutdown, not cleanup.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// evict removes a retained terminal entry once its grace window ends.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
	delete(r.timers, id)
}

// publish emits a registry change event; failures are logged, never fatal.
func (r *Registry) publish(eventType string, entry *v1.AgentEntry) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "registry", map[string]interface{}{
		"entry": entry,
	})
	subject := events.BuildAgentSubject(eventType, entry.ID)
	if err := r.bus.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("failed to publish registry event",
			zap.String("event_type", eventType),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}
}

// copyEntry returns a deep copy so observers cannot mutate internal state.
func copyEntry(e *v1.AgentEntry) *v1.AgentEntry {
	cp := *e
	if e.Output != nil {
		cp.Output = append([]string(nil), e.Output...)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.Success != nil {
		b := *e.Success
		cp.Success = &b
	}
	if e.CostUSD != nil {
		c := *e.CostUSD
		cp.CostUSD = &c
	}
	return &cp
}
