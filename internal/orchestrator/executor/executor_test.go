package executor

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
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
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

// fakeInvoker scripts agent behavior per call and records the options of
// every invocation.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []claudecode.Options
	fn    func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string, opts claudecode.Options) (*claudecode.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	n := len(f.calls)
	f.mu.Unlock()
	return f.fn(ctx, n, opts)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) optsOf(call int) claudecode.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call-1]
}

// fastConfig keeps every budget small enough for fake-clock tests. Stall
// thresholds sit far above the timeout so only the budget fires.
func fastConfig() Config {
	return Config{
		ExecuteTimeouts: map[v1.Complexity]time.Duration{
			v1.ComplexityModerate: 5 * time.Second,
		},
		PlanTimeoutCap: 5 * time.Second,
		StallWarn: map[v1.Complexity]time.Duration{
			v1.ComplexityModerate: time.Hour,
		},
		StallKill: map[v1.Complexity]time.Duration{
			v1.ComplexityModerate: 2 * time.Hour,
		},
		StallGraceMult:    1.5,
		StallCheckEvery:   time.Second,
		HeartbeatInterval: time.Hour,
		StatusInterval:    time.Second,
		RetryDelay:        100 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, inv claudecode.Invoker, cfg Config) *Executor {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(nil, registry.DefaultConfig(), log)
	trk, err := tracker.NewTracker(nil)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	return New(inv, reg, trk, config.AgentConfig{}, cfg, log)
}

func moderateRequest() v1.TaskRequest {
	return v1.TaskRequest{
		ChatID:     7,
		Task:       "fix the flaky test",
		Complexity: v1.ComplexityModerate,
	}
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				if call == 1 {
					return nil, errors.New("API error: 429 too many requests")
				}
				return &claudecode.Result{Text: "done", CostUSD: 0.01}, nil
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		res := ex.Execute(context.Background(), moderateRequest(), Callbacks{})
		if !res.Success {
			t.Fatalf("expected success after retry, got %q", res.Result)
		}
		if inv.callCount() != 2 {
			t.Errorf("expected exactly 2 invocations, got %d", inv.callCount())
		}
	})
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				return nil, errors.New("invalid task definition")
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		res := ex.Execute(context.Background(), moderateRequest(), Callbacks{})
		if res.Success {
			t.Fatal("expected failure")
		}
		if !strings.Contains(res.Result, "Execution failed") {
			t.Errorf("unexpected failure message: %q", res.Result)
		}
		if inv.callCount() != 1 {
			t.Errorf("non-transient error must not be retried, got %d invocations", inv.callCount())
		}
	})
}

func TestExpiredSessionReissuedFresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				if opts.ResumeSessionID != "" {
					return nil, errors.New("no conversation found with session id")
				}
				return &claudecode.Result{Text: "resumed from scratch"}, nil
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		req := moderateRequest()
		req.ResumeSessionID = "sess-stale"
		res := ex.Execute(context.Background(), req, Callbacks{})
		if !res.Success {
			t.Fatalf("expected success on the fresh reissue, got %q", res.Result)
		}
		if inv.callCount() != 2 {
			t.Fatalf("expected 2 invocations, got %d", inv.callCount())
		}
		if inv.optsOf(1).ResumeSessionID != "sess-stale" {
			t.Error("first invocation should carry the resume handle")
		}
		if inv.optsOf(2).ResumeSessionID != "" {
			t.Error("reissue must drop the stale resume handle")
		}
	})
}

func TestTimeoutNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				<-ctx.Done()
				return nil, context.Cause(ctx)
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		res := ex.Execute(context.Background(), moderateRequest(), Callbacks{})
		if res.Success {
			t.Fatal("expected timeout failure")
		}
		if !strings.Contains(res.Result, "timed out") {
			t.Errorf("unexpected failure message: %q", res.Result)
		}
		if inv.callCount() != 1 {
			t.Errorf("a timed-out run must never be retried, got %d invocations", inv.callCount())
		}
	})
}

func TestStallAbortsRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := fastConfig()
		cfg.ExecuteTimeouts[v1.ComplexityModerate] = time.Hour
		cfg.StallWarn[v1.ComplexityModerate] = time.Second
		cfg.StallKill[v1.ComplexityModerate] = 2 * time.Second
		cfg.StallCheckEvery = 100 * time.Millisecond

		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				// Total silence: OnActivity is never called.
				<-ctx.Done()
				return nil, context.Cause(ctx)
			},
		}
		ex := newTestExecutor(t, inv, cfg)

		res := ex.Execute(context.Background(), moderateRequest(), Callbacks{})
		if res.Success {
			t.Fatal("expected stall failure")
		}
		if !strings.Contains(res.Result, "stopped producing output") {
			t.Errorf("unexpected failure message: %q", res.Result)
		}
		if inv.callCount() != 1 {
			t.Errorf("a stalled run must never be retried, got %d invocations", inv.callCount())
		}
	})
}

func TestCallerCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				<-ctx.Done()
				return nil, context.Cause(ctx)
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Second)
			cancel()
		}()

		res := ex.Execute(ctx, moderateRequest(), Callbacks{})
		if res.Success {
			t.Fatal("expected cancellation failure")
		}
		if res.Result != "Execution cancelled." {
			t.Errorf("unexpected failure message: %q", res.Result)
		}
	})
}

func TestPlanRejectsEmptyOutput(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				return &claudecode.Result{Text: "   \n  "}, nil
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		_, err := ex.Plan(context.Background(), moderateRequest(), Callbacks{})
		if !errors.Is(err, ErrEmptyPlan) {
			t.Errorf("expected ErrEmptyPlan, got %v", err)
		}
	})
}

func TestPhaseToolAccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				return &claudecode.Result{Text: "step 1: look around"}, nil
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		if _, err := ex.Plan(context.Background(), moderateRequest(), Callbacks{}); err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		planTools := inv.optsOf(1).AllowedTools
		for _, tool := range planTools {
			if tool == claudecode.ToolEdit || tool == claudecode.ToolWrite || tool == claudecode.ToolBash {
				t.Errorf("plan phase must not grant %s", tool)
			}
		}

		_ = ex.Execute(context.Background(), moderateRequest(), Callbacks{})
		execTools := inv.optsOf(2).AllowedTools
		hasEdit := false
		for _, tool := range execTools {
			if tool == claudecode.ToolEdit {
				hasEdit = true
			}
		}
		if !hasEdit {
			t.Error("execute phase must grant Edit")
		}
	})
}

func TestStreamEventsReachCallbacks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				opts.OnRawLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/x.go"}}]}}` + "\n")
				opts.OnRawLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Reading the entrypoint now."}]}}` + "\n")
				return &claudecode.Result{Text: "done"}, nil
			},
		}
		ex := newTestExecutor(t, inv, fastConfig())

		var mu sync.Mutex
		var events []v1.StreamEvent
		var statuses []string
		var rawLines int
		cb := Callbacks{
			OnStatusUpdate: func(msg string, important bool) {
				mu.Lock()
				statuses = append(statuses, msg)
				mu.Unlock()
			},
			OnStreamEvent: func(ev v1.StreamEvent) {
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			},
			OnRawRecord: func(line string) {
				mu.Lock()
				rawLines++
				mu.Unlock()
			},
		}

		res := ex.Execute(context.Background(), moderateRequest(), cb)
		if !res.Success {
			t.Fatalf("unexpected failure: %q", res.Result)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(events) != 2 {
			t.Fatalf("expected 2 stream events, got %d", len(events))
		}
		if events[0].Type != v1.StreamEventFileRead || events[0].Detail != "/x.go" {
			t.Errorf("unexpected first event: %+v", events[0])
		}
		if events[1].Type != v1.StreamEventStatusText {
			t.Errorf("unexpected second event: %+v", events[1])
		}
		found := false
		for _, s := range statuses {
			if s == "Reading the entrypoint now." {
				found = true
			}
		}
		if !found {
			t.Errorf("status text never reached OnStatusUpdate: %v", statuses)
		}
		if rawLines != 2 {
			t.Errorf("expected 2 raw records, got %d", rawLines)
		}
	})
}

func TestSessionIDRecordedFromStream(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				opts.OnRawLine(`{"type":"system","subtype":"init","session_id":"sess-live"}` + "\n")
				return &claudecode.Result{Text: "done"}, nil
			},
		}
		log := testLogger(t)
		reg := registry.New(nil, registry.DefaultConfig(), log)
		trk, err := tracker.NewTracker(nil)
		if err != nil {
			t.Fatalf("failed to create tracker: %v", err)
		}
		ex := New(inv, reg, trk, config.AgentConfig{}, fastConfig(), log)

		var recorded string
		inner := inv.fn
		inv.fn = func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
			res, err := inner(ctx, call, opts)
			// The record is still live at this point; completion removes it.
			for _, rec := range trk.GetAll() {
				recorded = rec.SessionID
			}
			return res, err
		}

		if res := ex.Execute(context.Background(), moderateRequest(), Callbacks{}); !res.Success {
			t.Fatalf("unexpected failure: %q", res.Result)
		}
		if recorded != "sess-live" {
			t.Errorf("session id not attached to the active record: %q", recorded)
		}
	})
}

func TestHeartbeatReportsElapsedTime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := fastConfig()
		cfg.ExecuteTimeouts[v1.ComplexityModerate] = time.Hour
		cfg.HeartbeatInterval = time.Minute

		inv := &fakeInvoker{
			fn: func(ctx context.Context, call int, opts claudecode.Options) (*claudecode.Result, error) {
				select {
				case <-time.After(150 * time.Second):
					return &claudecode.Result{Text: "done"}, nil
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				}
			},
		}
		ex := newTestExecutor(t, inv, cfg)

		var mu sync.Mutex
		var statuses []string
		cb := Callbacks{
			OnStatusUpdate: func(msg string, important bool) {
				mu.Lock()
				statuses = append(statuses, msg)
				mu.Unlock()
			},
		}

		res := ex.Execute(context.Background(), moderateRequest(), cb)
		if !res.Success {
			t.Fatalf("unexpected failure: %q", res.Result)
		}

		mu.Lock()
		defer mu.Unlock()
		beats := 0
		for _, s := range statuses {
			if strings.HasPrefix(s, "Still working") {
				beats++
			}
		}
		// 150 seconds of silence crosses the one-minute interval twice.
		if beats != 2 {
			t.Errorf("expected 2 heartbeat lines, got %d in %v", beats, statuses)
		}
	})
}

func TestTimeoutBudgets(t *testing.T) {
	ex := newTestExecutor(t, &fakeInvoker{}, DefaultConfig())

	cases := []struct {
		phase v1.AgentPhase
		cx    v1.Complexity
		want  time.Duration
	}{
		{v1.AgentPhaseExecuting, v1.ComplexityTrivial, 10 * time.Minute},
		{v1.AgentPhaseExecuting, v1.ComplexityComplex, 45 * time.Minute},
		{v1.AgentPhasePlanning, v1.ComplexityTrivial, 5 * time.Minute},
		{v1.AgentPhasePlanning, v1.ComplexityModerate, 10 * time.Minute},
		// Half of 45m exceeds the plan ceiling.
		{v1.AgentPhasePlanning, v1.ComplexityComplex, 10 * time.Minute},
		// Unknown tier falls back to moderate.
		{v1.AgentPhaseExecuting, v1.Complexity("weird"), 20 * time.Minute},
	}

	for _, tc := range cases {
		if got := ex.timeoutFor(tc.phase, tc.cx); got != tc.want {
			t.Errorf("timeoutFor(%s, %s) = %s, want %s", tc.phase, tc.cx, got, tc.want)
		}
	}
}

func TestDetectRestartNeeded(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"All done. You should restart the service to apply the change.", true},
		{"Updated main.go; a restart is required for the new flag.", true},
		{"After restarting, the new handler will be active.", true},
		{"Fixed the off-by-one in the parser.", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := DetectRestartNeeded(tc.text); got != tc.want {
			t.Errorf("DetectRestartNeeded(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
