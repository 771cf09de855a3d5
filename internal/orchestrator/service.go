// Package orchestrator ties the per-chat locks, task queue, plan store,
// tracker, and executor into the task lifecycle: submit, plan, approve,
// execute, and drain the backlog.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/events"
	"github.com/codeherd/codeherd/internal/events/bus"
	"github.com/codeherd/codeherd/internal/orchestrator/chatlock"
	"github.com/codeherd/codeherd/internal/orchestrator/executor"
	"github.com/codeherd/codeherd/internal/orchestrator/planstore"
	"github.com/codeherd/codeherd/internal/orchestrator/queue"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

var (
	// ErrNoPendingPlan is returned when approving, revising, or cancelling
	// a plan for a chat that has none.
	ErrNoPendingPlan = errors.New("no pending plan for chat")
	// ErrChatBusy is returned when an operation needs the chat idle but an
	// invocation is running.
	ErrChatBusy = errors.New("chat has a running invocation")
	// ErrNothingRunning is returned when cancelling a chat with no running
	// invocation.
	ErrNothingRunning = errors.New("no running invocation for chat")
	// ErrEmptyTask is returned for submissions without a task description.
	ErrEmptyTask = errors.New("task description is empty")
	// ErrUnknownInterrupted is returned when resuming an interrupted task
	// that is not on record.
	ErrUnknownInterrupted = errors.New("no interrupted task with that id")
)

// SubmitOutcome reports what happened to a submission.
type SubmitOutcome struct {
	// Queued is true when the chat was busy and the task joined the backlog.
	Queued bool `json:"queued"`
	// TaskID identifies the queued task; empty when planning started.
	TaskID string `json:"task_id,omitempty"`
	// Position is the task's 1-based place in the chat's queue.
	Position int `json:"position,omitempty"`
}

// ChatStatus is a point-in-time view of one chat's work.
type ChatStatus struct {
	Busy        bool                   `json:"busy"`
	Active      *v1.AgentEntry         `json:"active,omitempty"`
	PendingPlan *v1.PendingPlan        `json:"pending_plan,omitempty"`
	Queued      []*v1.QueuedTask       `json:"queued"`
	Interrupted []*v1.ActiveTaskRecord `json:"interrupted,omitempty"`
}

// Service is the orchestrator's control flow. One instance serves all chats.
type Service struct {
	locks    *chatlock.Manager
	queue    *queue.TaskQueue
	tracker  *tracker.Tracker
	plans    *planstore.Store
	registry *registry.Registry
	executor *executor.Executor
	bus      bus.EventBus
	logger   *logger.Logger

	// mu serializes the queue-or-run decisions so two submissions cannot
	// both claim an idle chat.
	mu sync.Mutex

	// interrupted holds crash leftovers surfaced at startup, keyed by
	// record id, until resumed or dismissed.
	interruptedMu sync.Mutex
	interrupted   map[string]*v1.ActiveTaskRecord

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewService wires the orchestrator together.
func NewService(locks *chatlock.Manager, q *queue.TaskQueue, trk *tracker.Tracker, plans *planstore.Store, reg *registry.Registry, exec *executor.Executor, eventBus bus.EventBus, log *logger.Logger) *Service {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Service{
		locks:       locks,
		queue:       q,
		tracker:     trk,
		plans:       plans,
		registry:    reg,
		executor:    exec,
		bus:         eventBus,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		interrupted: make(map[string]*v1.ActiveTaskRecord),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
	}
}

// SubmitTask accepts a task for a chat. An idle chat starts planning
// immediately; a busy chat queues the task, rejecting when the backlog is
// full. A pending unapproved plan does not make the chat busy; the new
// submission's plan supersedes it.
func (s *Service) SubmitTask(req v1.TaskRequest) (*SubmitOutcome, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, ErrEmptyTask
	}
	if !req.Complexity.Valid() {
		req.Complexity = v1.ComplexityModerate
	}

	s.mu.Lock()
	if s.locks.IsExecutorBusy(req.ChatID) {
		qt, err := s.queue.Enqueue(req)
		position := s.queue.GetQueueLength(req.ChatID)
		s.mu.Unlock()

		if errors.Is(err, queue.ErrQueueFull) {
			s.publish(events.TaskRejected, req.ChatID, map[string]interface{}{
				"chat_id": req.ChatID,
				"task":    req.Task,
				"reason":  "queue full",
			})
			return nil, err
		}
		if err != nil {
			// Persistence failure; the task is queued in memory regardless.
			s.logger.WithChatID(req.ChatID).Warn("failed to persist queued task", zap.Error(err))
		}

		s.publish(events.TaskQueued, req.ChatID, map[string]interface{}{
			"chat_id":  req.ChatID,
			"task_id":  qt.ID,
			"task":     req.Task,
			"position": position,
		})
		s.notify(req.ChatID, fmt.Sprintf("Task queued at position %d", position), true)
		return &SubmitOutcome{Queued: true, TaskID: qt.ID, Position: position}, nil
	}

	s.locks.SetExecutorBusy(req.ChatID)
	runCtx := s.locks.Lock(s.rootCtx, req.ChatID)
	s.mu.Unlock()

	s.startPlan(runCtx, req, 0)
	return &SubmitOutcome{}, nil
}

// ApprovePlan consumes the chat's pending plan and starts the execute phase.
func (s *Service) ApprovePlan(chatID int64) error {
	s.mu.Lock()
	if s.locks.IsExecutorBusy(chatID) {
		s.mu.Unlock()
		return ErrChatBusy
	}
	plan := s.plans.Consume(chatID)
	if plan == nil {
		s.mu.Unlock()
		return ErrNoPendingPlan
	}
	s.locks.SetExecutorBusy(chatID)
	runCtx := s.locks.Lock(s.rootCtx, chatID)
	s.mu.Unlock()

	s.publish(events.PlanApproved, chatID, map[string]interface{}{
		"chat_id": chatID,
		"task":    plan.Task,
	})
	s.startExecute(runCtx, plan)
	return nil
}

// RevisePlan re-runs the plan phase with the user's feedback folded in. The
// superseding plan carries an incremented revision count.
func (s *Service) RevisePlan(chatID int64, feedback string) error {
	s.mu.Lock()
	if s.locks.IsExecutorBusy(chatID) {
		s.mu.Unlock()
		return ErrChatBusy
	}
	plan := s.plans.Get(chatID)
	if plan == nil {
		s.mu.Unlock()
		return ErrNoPendingPlan
	}
	s.locks.SetExecutorBusy(chatID)
	runCtx := s.locks.Lock(s.rootCtx, chatID)
	s.mu.Unlock()

	req := v1.TaskRequest{
		ChatID:        chatID,
		Task:          plan.Task,
		Context:       reviseContext(plan, feedback),
		Complexity:    plan.Complexity,
		RawMessage:    plan.RawMessage,
		MemoryContext: plan.MemoryContext,
		WorkDir:       plan.ProjectDir,
	}
	s.startPlan(runCtx, req, plan.RevisionCount+1)
	return nil
}

// CancelPlan discards the chat's pending plan and lets the backlog drain.
func (s *Service) CancelPlan(chatID int64) error {
	if !s.plans.Cancel(chatID) {
		return ErrNoPendingPlan
	}
	s.publish(events.PlanCancelled, chatID, map[string]interface{}{"chat_id": chatID})
	s.notify(chatID, "Plan cancelled", true)
	s.drainNext(chatID)
	return nil
}

// CancelQueued removes the task at the 1-based position in the chat's queue.
func (s *Service) CancelQueued(chatID int64, position int) (*v1.QueuedTask, error) {
	qt, err := s.queue.CancelByPosition(chatID, position)
	if err != nil {
		return nil, err
	}
	s.publish(events.TaskCancelled, chatID, map[string]interface{}{
		"chat_id": chatID,
		"task_id": qt.ID,
		"task":    qt.Request.Task,
	})
	return qt, nil
}

// CancelRunning cancels the chat's in-flight invocation. The run's own
// goroutine settles state and drains the backlog once the agent exits.
func (s *Service) CancelRunning(chatID int64) error {
	if !s.locks.Cancel(chatID) {
		return ErrNothingRunning
	}
	s.notify(chatID, "Cancelling the running task", true)
	return nil
}

// Status returns a snapshot of the chat's work.
func (s *Service) Status(chatID int64) *ChatStatus {
	s.interruptedMu.Lock()
	var interrupted []*v1.ActiveTaskRecord
	for _, rec := range s.interrupted {
		if rec.ChatID == chatID {
			cp := *rec
			interrupted = append(interrupted, &cp)
		}
	}
	s.interruptedMu.Unlock()

	return &ChatStatus{
		Busy:        s.locks.IsExecutorBusy(chatID),
		Active:      s.registry.GetActiveExecutorForChat(chatID),
		PendingPlan: s.plans.Get(chatID),
		Queued:      s.queue.List(chatID),
		Interrupted: interrupted,
	}
}

// RecoverStartup surfaces tasks that were in flight when the previous
// process died. Each one is announced to its chat with its resumption handle
// and held, in memory and on disk, until resumed or dismissed.
func (s *Service) RecoverStartup() error {
	if !s.tracker.HasInterrupted() {
		return nil
	}

	records := s.tracker.Interrupted()
	s.interruptedMu.Lock()
	for _, rec := range records {
		s.interrupted[rec.ID] = rec
	}
	s.interruptedMu.Unlock()

	for _, rec := range records {
		s.logger.WithChatID(rec.ChatID).Info("found interrupted task",
			zap.String("record_id", rec.ID),
			zap.String("session_id", rec.SessionID),
			zap.Time("started_at", rec.StartedAt))

		s.publish(events.TaskInterrupted, rec.ChatID, map[string]interface{}{
			"chat_id":    rec.ChatID,
			"record_id":  rec.ID,
			"task":       rec.Task,
			"session_id": rec.SessionID,
			"started_at": rec.StartedAt,
		})

		msg := fmt.Sprintf("A task was interrupted by a restart: %q", rec.Task)
		if rec.SessionID != "" {
			msg += ". It can be resumed."
		}
		s.notify(rec.ChatID, msg, true)
	}

	return nil
}

// ResumeInterrupted re-submits an interrupted task, carrying its session
// handle so the agent picks up where it left off.
func (s *Service) ResumeInterrupted(recordID string) (*SubmitOutcome, error) {
	s.interruptedMu.Lock()
	rec, ok := s.interrupted[recordID]
	if ok {
		delete(s.interrupted, recordID)
	}
	s.interruptedMu.Unlock()
	if !ok {
		return nil, ErrUnknownInterrupted
	}
	s.dropInterruptedRecord(rec.ID)

	return s.SubmitTask(v1.TaskRequest{
		ChatID:          rec.ChatID,
		Task:            rec.Task,
		Complexity:      rec.Complexity,
		WorkDir:         rec.WorkDir,
		ResumeSessionID: rec.SessionID,
	})
}

// DismissInterrupted drops an interrupted-task record without resuming it.
func (s *Service) DismissInterrupted(recordID string) error {
	s.interruptedMu.Lock()
	_, ok := s.interrupted[recordID]
	delete(s.interrupted, recordID)
	s.interruptedMu.Unlock()

	if !ok {
		return ErrUnknownInterrupted
	}
	s.dropInterruptedRecord(recordID)
	return nil
}

// dropInterruptedRecord removes the durable copy of a handled record.
func (s *Service) dropInterruptedRecord(recordID string) {
	if err := s.tracker.RemoveInterrupted(recordID); err != nil && !errors.Is(err, tracker.ErrRecordNotFound) {
		s.logger.Warn("failed to drop interrupted record",
			zap.String("record_id", recordID),
			zap.Error(err))
	}
}

// Shutdown stops accepting background work and waits for running
// invocations, up to the context's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.rootCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startPlan runs the plan phase in the background. The caller has already
// marked the chat busy and issued runCtx via the lock manager, so a cancel
// arriving before this goroutine is scheduled still finds the run.
func (s *Service) startPlan(runCtx context.Context, req v1.TaskRequest, revision int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		defer func() {
			s.locks.Unlock(req.ChatID)
			s.locks.SetExecutorIdle(req.ChatID)
			s.drainNext(req.ChatID)
		}()

		log := s.logger.WithChatID(req.ChatID)
		log.Info("starting plan phase",
			zap.String("task", req.Task),
			zap.String("complexity", string(req.Complexity)),
			zap.Int("revision", revision))

		res, err := s.executor.Plan(runCtx, req, s.callbacksFor(req.ChatID))
		if err != nil {
			log.Warn("plan phase failed", zap.Error(err))
			s.notify(req.ChatID, fmt.Sprintf("Planning failed: %v", err), true)
			return
		}

		plan := v1.PendingPlan{
			ChatID:        req.ChatID,
			Task:          req.Task,
			Context:       req.Context,
			PlanText:      res.PlanText,
			Complexity:    req.Complexity,
			ProjectDir:    req.WorkDir,
			RawMessage:    req.RawMessage,
			MemoryContext: req.MemoryContext,
			CreatedAt:     time.Now().UTC(),
			RevisionCount: revision,
		}
		if err := s.plans.Set(plan); err != nil {
			log.Warn("failed to persist pending plan", zap.Error(err))
		}

		s.publish(events.PlanCreated, req.ChatID, map[string]interface{}{
			"chat_id":  req.ChatID,
			"task":     req.Task,
			"revision": revision,
		})
		s.notify(req.ChatID, fmt.Sprintf("Plan ready (cost $%.4f):\n\n%s", res.CostUSD, res.PlanText), true)
	}()
}

// startExecute runs the execute phase in the background. The caller has
// already marked the chat busy, consumed the plan, and issued runCtx.
func (s *Service) startExecute(runCtx context.Context, plan *v1.PendingPlan) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		chatID := plan.ChatID
		defer func() {
			s.locks.Unlock(chatID)
			s.locks.SetExecutorIdle(chatID)
			s.drainNext(chatID)
		}()

		log := s.logger.WithChatID(chatID)
		log.Info("starting execute phase",
			zap.String("task", plan.Task),
			zap.String("complexity", string(plan.Complexity)))

		req := v1.TaskRequest{
			ChatID:        chatID,
			Task:          plan.Task,
			Context:       executeContext(plan),
			Complexity:    plan.Complexity,
			RawMessage:    plan.RawMessage,
			MemoryContext: plan.MemoryContext,
			WorkDir:       plan.ProjectDir,
		}
		res := s.executor.Execute(runCtx, req, s.callbacksFor(chatID))

		if res.Success {
			s.notify(chatID, fmt.Sprintf("Done (cost $%.4f, %s):\n\n%s",
				res.CostUSD, res.Duration.Round(time.Second), res.Result), true)
		} else {
			s.notify(chatID, res.Result, true)
		}

		if res.NeedsRestart {
			log.Warn("task reports the service needs a restart")
			s.publish(events.RestartNeeded, chatID, map[string]interface{}{
				"chat_id": chatID,
				"task":    plan.Task,
			})
			s.notify(chatID, "The change touches this service; a restart is needed to apply it.", true)
		}
	}()
}

// drainNext starts the chat's oldest queued task if the chat is free and no
// plan awaits a decision.
func (s *Service) drainNext(chatID int64) {
	s.mu.Lock()
	if s.locks.IsExecutorBusy(chatID) || s.plans.Has(chatID) {
		s.mu.Unlock()
		return
	}
	qt := s.queue.Dequeue(chatID)
	if qt == nil {
		s.mu.Unlock()
		return
	}
	s.locks.SetExecutorBusy(chatID)
	runCtx := s.locks.Lock(s.rootCtx, chatID)
	s.mu.Unlock()

	s.publish(events.TaskDequeued, chatID, map[string]interface{}{
		"chat_id": chatID,
		"task_id": qt.ID,
		"task":    qt.Request.Task,
	})
	s.notify(chatID, fmt.Sprintf("Starting queued task: %s", qt.Request.Task), true)
	s.startPlan(runCtx, qt.Request, 0)
}

// callbacksFor routes executor progress to the chat's status feed.
func (s *Service) callbacksFor(chatID int64) executor.Callbacks {
	return executor.Callbacks{
		OnStatusUpdate: func(message string, important bool) {
			s.notify(chatID, message, important)
		},
	}
}

// notify publishes a chat-addressed status line on the bus.
func (s *Service) notify(chatID int64, message string, important bool) {
	s.publishSubject(events.BuildChatSubject(events.ChatStatus, chatID), events.ChatStatus, map[string]interface{}{
		"chat_id":   chatID,
		"message":   message,
		"important": important,
	})
}

// publish emits a lifecycle event, suffixing the subject with the chat id.
func (s *Service) publish(eventType string, chatID int64, data map[string]interface{}) {
	s.publishSubject(events.BuildChatSubject(eventType, chatID), eventType, data)
}

func (s *Service) publishSubject(subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// executeContext folds the approved plan into the execute-phase context.
func executeContext(plan *v1.PendingPlan) string {
	var b strings.Builder
	if plan.Context != "" {
		b.WriteString(plan.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("Approved plan:\n")
	b.WriteString(plan.PlanText)
	return b.String()
}

// reviseContext folds the previous plan and the user's feedback into the
// context for a revision run.
func reviseContext(plan *v1.PendingPlan, feedback string) string {
	var b strings.Builder
	if plan.Context != "" {
		b.WriteString(plan.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("Previous plan:\n")
	b.WriteString(plan.PlanText)
	b.WriteString("\n\nRevision feedback:\n")
	b.WriteString(feedback)
	return b.String()
}
