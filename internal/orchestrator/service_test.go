package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/codeherd/codeherd/internal/common/config"
	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/orchestrator/chatlock"
	"github.com/codeherd/codeherd/internal/orchestrator/executor"
	"github.com/codeherd/codeherd/internal/orchestrator/planstore"
	"github.com/codeherd/codeherd/internal/orchestrator/queue"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
	"github.com/codeherd/codeherd/internal/storage"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
	"github.com/codeherd/codeherd/pkg/claudecode"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// gatedInvoker answers plan prompts with a canned plan and execute prompts
// with a canned summary. When gated, every invocation waits for one token on
// proceed before answering, letting tests hold a chat busy.
type gatedInvoker struct {
	mu      sync.Mutex
	prompts []string
	opts    []claudecode.Options
	proceed chan struct{}
}

func (f *gatedInvoker) Invoke(ctx context.Context, prompt string, opts claudecode.Options) (*claudecode.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if f.proceed != nil {
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}

	if strings.HasPrefix(prompt, "Investigate") {
		return &claudecode.Result{Text: "1. change the handler\n2. run the tests", CostUSD: 0.02}, nil
	}
	return &claudecode.Result{Text: "Changed the handler and the tests pass.", CostUSD: 0.10}, nil
}

func (f *gatedInvoker) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *gatedInvoker) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *gatedInvoker) lastOpts() claudecode.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

func newTestService(t *testing.T, inv claudecode.Invoker) *Service {
	t.Helper()
	log := testLogger(t)

	q, err := queue.NewTaskQueue(nil, 5)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	trk, err := tracker.NewTracker(nil)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	plans, err := planstore.NewStore(nil)
	if err != nil {
		t.Fatalf("failed to create plan store: %v", err)
	}
	reg := registry.New(nil, registry.DefaultConfig(), log)
	exec := executor.New(inv, reg, trk, config.AgentConfig{}, executor.DefaultConfig(), log)

	return NewService(chatlock.NewManager(), q, trk, plans, reg, exec, nil, log)
}

func submitReq(chatID int64, task string) v1.TaskRequest {
	return v1.TaskRequest{ChatID: chatID, Task: task, Complexity: v1.ComplexityModerate}
}

func TestSubmitIdleChatStartsPlanning(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{}
		s := newTestService(t, inv)

		out, err := s.SubmitTask(submitReq(1, "add pagination"))
		if err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		if out.Queued {
			t.Fatal("idle chat must start planning, not queue")
		}

		synctest.Wait()
		st := s.Status(1)
		if st.Busy {
			t.Error("chat should be idle while the plan awaits approval")
		}
		if st.PendingPlan == nil {
			t.Fatal("expected a pending plan")
		}
		if st.PendingPlan.PlanText != "1. change the handler\n2. run the tests" {
			t.Errorf("unexpected plan text: %q", st.PendingPlan.PlanText)
		}
	})
}

func TestSubmitEmptyTaskRejected(t *testing.T) {
	s := newTestService(t, &gatedInvoker{})
	if _, err := s.SubmitTask(submitReq(1, "   ")); !errors.Is(err, ErrEmptyTask) {
		t.Errorf("expected ErrEmptyTask, got %v", err)
	}
}

func TestBusyChatQueuesUpToCapacity(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{})}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "first")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait() // planning is now blocked inside the agent

		for i := 1; i <= 5; i++ {
			out, err := s.SubmitTask(submitReq(1, "queued task"))
			if err != nil {
				t.Fatalf("submission %d failed: %v", i, err)
			}
			if !out.Queued || out.Position != i {
				t.Errorf("submission %d: got queued=%v position=%d", i, out.Queued, out.Position)
			}
		}

		if _, err := s.SubmitTask(submitReq(1, "one too many")); !errors.Is(err, queue.ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}

		// Another chat is unaffected by this chat's backlog.
		if out, err := s.SubmitTask(submitReq(2, "other chat")); err != nil || out.Queued {
			t.Errorf("independent chat should start planning: out=%+v err=%v", out, err)
		}

		close(inv.proceed)
		synctest.Wait()
	})
}

func TestApproveExecutesAndDrainsQueue(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{}, 16)}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "first")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()

		// Three more land in the queue while planning runs.
		for i := 0; i < 3; i++ {
			if out, err := s.SubmitTask(submitReq(1, "backlog")); err != nil || !out.Queued {
				t.Fatalf("expected queued submission: out=%+v err=%v", out, err)
			}
		}

		inv.proceed <- struct{}{} // let the plan finish
		synctest.Wait()

		st := s.Status(1)
		if st.PendingPlan == nil {
			t.Fatal("expected a pending plan")
		}
		if len(st.Queued) != 3 {
			t.Fatalf("backlog must hold while the plan awaits a decision, got %d", len(st.Queued))
		}

		if err := s.ApprovePlan(1); err != nil {
			t.Fatalf("ApprovePlan failed: %v", err)
		}
		inv.proceed <- struct{}{} // let the execute finish
		synctest.Wait()

		// The execute prompt carries the approved plan.
		execPrompt := ""
		inv.mu.Lock()
		for _, p := range inv.prompts {
			if strings.Contains(p, "Approved plan:") {
				execPrompt = p
			}
		}
		inv.mu.Unlock()
		if execPrompt == "" {
			t.Error("execute prompt never carried the approved plan")
		}

		// Completion drains exactly one queued task into a new plan phase.
		synctest.Wait()
		st = s.Status(1)
		if len(st.Queued) != 2 {
			t.Errorf("expected 2 tasks left queued after the drain, got %d", len(st.Queued))
		}

		// Finish the drained plan and confirm it parked as pending.
		inv.proceed <- struct{}{}
		synctest.Wait()
		if st := s.Status(1); st.PendingPlan == nil {
			t.Error("drained task should produce a pending plan")
		}
	})
}

func TestApproveWithoutPlan(t *testing.T) {
	s := newTestService(t, &gatedInvoker{})
	if err := s.ApprovePlan(9); !errors.Is(err, ErrNoPendingPlan) {
		t.Errorf("expected ErrNoPendingPlan, got %v", err)
	}
}

func TestRevisePlanCarriesFeedback(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "add caching")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()

		if err := s.RevisePlan(1, "use the existing store instead"); err != nil {
			t.Fatalf("RevisePlan failed: %v", err)
		}
		synctest.Wait()

		st := s.Status(1)
		if st.PendingPlan == nil {
			t.Fatal("expected a revised pending plan")
		}
		if st.PendingPlan.RevisionCount != 1 {
			t.Errorf("expected revision count 1, got %d", st.PendingPlan.RevisionCount)
		}
		if !strings.Contains(inv.lastPrompt(), "use the existing store instead") {
			t.Error("revision prompt must carry the feedback")
		}
		if !strings.Contains(inv.lastPrompt(), "Previous plan:") {
			t.Error("revision prompt must carry the previous plan")
		}
	})
}

func TestCancelPlanDrains(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{}, 16)}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "first")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()
		if out, err := s.SubmitTask(submitReq(1, "second")); err != nil || !out.Queued {
			t.Fatalf("expected queued submission: out=%+v err=%v", out, err)
		}

		inv.proceed <- struct{}{}
		synctest.Wait()
		if st := s.Status(1); st.PendingPlan == nil {
			t.Fatal("expected a pending plan")
		}

		if err := s.CancelPlan(1); err != nil {
			t.Fatalf("CancelPlan failed: %v", err)
		}
		synctest.Wait()

		// Cancelling released the backlog: the second task is planning now.
		st := s.Status(1)
		if len(st.Queued) != 0 {
			t.Errorf("expected an empty queue after the drain, got %d", len(st.Queued))
		}
		if !st.Busy {
			t.Error("drained task should be planning")
		}

		inv.proceed <- struct{}{}
		synctest.Wait()
	})
}

func TestCancelRunning(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{})}
		s := newTestService(t, inv)

		if err := s.CancelRunning(1); !errors.Is(err, ErrNothingRunning) {
			t.Fatalf("expected ErrNothingRunning on an idle chat, got %v", err)
		}

		if _, err := s.SubmitTask(submitReq(1, "long task")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()

		if err := s.CancelRunning(1); err != nil {
			t.Fatalf("CancelRunning failed: %v", err)
		}
		synctest.Wait()

		st := s.Status(1)
		if st.Busy {
			t.Error("chat should be idle after cancellation")
		}
		if st.PendingPlan != nil {
			t.Error("a cancelled plan run must not leave a pending plan")
		}
	})
}

func TestCancelLandsRightAfterSubmit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{})}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "doomed task")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}

		// The plan goroutine has not been scheduled yet; the cancel token
		// must already exist.
		if err := s.CancelRunning(1); err != nil {
			t.Fatalf("cancel right after submit must find the run, got %v", err)
		}

		synctest.Wait()
		st := s.Status(1)
		if st.Busy {
			t.Error("chat should settle idle after the cancel")
		}
		if st.PendingPlan != nil {
			t.Error("a cancelled submission must not leave a pending plan")
		}
	})
}

func TestCancelQueuedByPosition(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{proceed: make(chan struct{})}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "running")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()
		if _, err := s.SubmitTask(submitReq(1, "keep me")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		if _, err := s.SubmitTask(submitReq(1, "drop me")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}

		qt, err := s.CancelQueued(1, 2)
		if err != nil {
			t.Fatalf("CancelQueued failed: %v", err)
		}
		if qt.Request.Task != "drop me" {
			t.Errorf("cancelled the wrong task: %q", qt.Request.Task)
		}
		if st := s.Status(1); len(st.Queued) != 1 || st.Queued[0].Request.Task != "keep me" {
			t.Errorf("unexpected queue after cancel: %+v", st.Queued)
		}

		close(inv.proceed)
		synctest.Wait()
	})
}

func TestRecoverStartupSurfacesAndResumes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dir := t.TempDir()
		store, err := storage.NewStore(dir, "active-tasks.json")
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}

		// A previous process tracked a task and attached its session, then
		// died without completing it.
		prev, err := tracker.NewTracker(store)
		if err != nil {
			t.Fatalf("failed to create tracker: %v", err)
		}
		id, err := prev.Track(submitReq(3, "interrupted work"))
		if err != nil {
			t.Fatalf("Track failed: %v", err)
		}
		if err := prev.UpdateSessionID(id, "sess-9"); err != nil {
			t.Fatalf("UpdateSessionID failed: %v", err)
		}

		reborn, err := tracker.NewTracker(store)
		if err != nil {
			t.Fatalf("failed to reload tracker: %v", err)
		}

		log := testLogger(t)
		inv := &gatedInvoker{}
		q, _ := queue.NewTaskQueue(nil, 5)
		plans, _ := planstore.NewStore(nil)
		reg := registry.New(nil, registry.DefaultConfig(), log)
		exec := executor.New(inv, reg, reborn, config.AgentConfig{}, executor.DefaultConfig(), log)
		s := NewService(chatlock.NewManager(), q, reborn, plans, reg, exec, nil, log)

		if err := s.RecoverStartup(); err != nil {
			t.Fatalf("RecoverStartup failed: %v", err)
		}

		st := s.Status(3)
		if len(st.Interrupted) != 1 {
			t.Fatalf("expected 1 interrupted record, got %d", len(st.Interrupted))
		}
		recID := st.Interrupted[0].ID
		if st.Interrupted[0].SessionID != "sess-9" {
			t.Errorf("interrupted record lost its session id: %q", st.Interrupted[0].SessionID)
		}

		out, err := s.ResumeInterrupted(recID)
		if err != nil {
			t.Fatalf("ResumeInterrupted failed: %v", err)
		}
		if out.Queued {
			t.Error("resume on an idle chat should start planning")
		}
		synctest.Wait()

		if got := inv.lastOpts().ResumeSessionID; got != "sess-9" {
			t.Errorf("resumed run must carry the session handle, got %q", got)
		}
		if len(s.Status(3).Interrupted) != 0 {
			t.Error("resumed record should leave the interrupted set")
		}

		// Resuming it twice is an error.
		if _, err := s.ResumeInterrupted(recID); !errors.Is(err, ErrUnknownInterrupted) {
			t.Errorf("expected ErrUnknownInterrupted, got %v", err)
		}
	})
}

func TestInterruptedPersistsUntilHandled(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir, "active-tasks.json")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	prev, err := tracker.NewTracker(store)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	recID, err := prev.Track(submitReq(4, "lost work"))
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	reborn, err := tracker.NewTracker(store)
	if err != nil {
		t.Fatalf("failed to reload tracker: %v", err)
	}

	log := testLogger(t)
	q, _ := queue.NewTaskQueue(nil, 5)
	plans, _ := planstore.NewStore(nil)
	reg := registry.New(nil, registry.DefaultConfig(), log)
	exec := executor.New(&gatedInvoker{}, reg, reborn, config.AgentConfig{}, executor.DefaultConfig(), log)
	s := NewService(chatlock.NewManager(), q, reborn, plans, reg, exec, nil, log)

	if err := s.RecoverStartup(); err != nil {
		t.Fatalf("RecoverStartup failed: %v", err)
	}

	// The user has not acted yet; another restart must still see the record.
	again, err := tracker.NewTracker(store)
	if err != nil {
		t.Fatalf("second reload failed: %v", err)
	}
	if !again.HasInterrupted() {
		t.Error("interrupted record lost before the user handled it")
	}

	if err := s.DismissInterrupted(recID); err != nil {
		t.Fatalf("DismissInterrupted failed: %v", err)
	}
	final, err := tracker.NewTracker(store)
	if err != nil {
		t.Fatalf("final reload failed: %v", err)
	}
	if final.HasInterrupted() {
		t.Error("dismissed record resurfaced on disk")
	}
}

func TestDismissInterruptedUnknown(t *testing.T) {
	s := newTestService(t, &gatedInvoker{})
	if err := s.DismissInterrupted("nope"); !errors.Is(err, ErrUnknownInterrupted) {
		t.Errorf("expected ErrUnknownInterrupted, got %v", err)
	}
}

func TestShutdownWaitsForRuns(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &gatedInvoker{}
		s := newTestService(t, inv)

		if _, err := s.SubmitTask(submitReq(1, "quick task")); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
		synctest.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
}
