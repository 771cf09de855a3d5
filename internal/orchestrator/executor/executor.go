// Package executor runs the external coding agent through its two phases,
// planning and executing, with complexity-scaled time budgets, stall
// escalation, and bounded retry. It owns one invocation at a time per call;
// concurrency policy lives with the caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/config"
	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
	"github.com/codeherd/codeherd/pkg/claudecode"
)

// Sentinel causes distinguishing why a run's context was cancelled.
var (
	// ErrRunTimeout means the run exceeded its complexity time budget.
	ErrRunTimeout = errors.New("run exceeded its time budget")
	// ErrRunStalled means the agent stayed silent past the kill threshold
	// and its grace window.
	ErrRunStalled = errors.New("run aborted after prolonged silence")
	// ErrRunCancelled means the caller cancelled the run.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrEmptyPlan means a plan-phase run finished without producing a plan.
	ErrEmptyPlan = errors.New("agent produced an empty plan")
)

// Config holds the executor's time budgets and reporting cadence.
type Config struct {
	ExecuteTimeouts map[v1.Complexity]time.Duration
	PlanTimeoutCap  time.Duration

	StallWarn       map[v1.Complexity]time.Duration
	StallKill       map[v1.Complexity]time.Duration
	StallGraceMult  float64
	StallCheckEvery time.Duration

	HeartbeatInterval time.Duration
	StatusInterval    time.Duration
	RetryDelay        time.Duration
}

// DefaultConfig returns the standard budgets.
func DefaultConfig() Config {
	return Config{
		ExecuteTimeouts: map[v1.Complexity]time.Duration{
			v1.ComplexityTrivial:  10 * time.Minute,
			v1.ComplexityModerate: 20 * time.Minute,
			v1.ComplexityComplex:  45 * time.Minute,
		},
		PlanTimeoutCap: 10 * time.Minute,
		StallWarn: map[v1.Complexity]time.Duration{
			v1.ComplexityTrivial:  2 * time.Minute,
			v1.ComplexityModerate: 3 * time.Minute,
			v1.ComplexityComplex:  4 * time.Minute,
		},
		StallKill: map[v1.Complexity]time.Duration{
			v1.ComplexityTrivial:  4 * time.Minute,
			v1.ComplexityModerate: 6 * time.Minute,
			v1.ComplexityComplex:  8 * time.Minute,
		},
		StallGraceMult:    1.5,
		StallCheckEvery:   time.Second,
		HeartbeatInterval: time.Minute,
		StatusInterval:    5 * time.Second,
		RetryDelay:        2 * time.Second,
	}
}

// ConfigFromApp converts the seconds-based application config.
func ConfigFromApp(c config.ExecutorConfig) Config {
	cfg := DefaultConfig()

	secondsMap := func(m map[string]int) map[v1.Complexity]time.Duration {
		out := make(map[v1.Complexity]time.Duration, len(m))
		for tier, secs := range m {
			out[v1.Complexity(tier)] = time.Duration(secs) * time.Second
		}
		return out
	}

	if len(c.ExecuteTimeouts) > 0 {
		cfg.ExecuteTimeouts = secondsMap(c.ExecuteTimeouts)
	}
	if c.PlanTimeoutCap > 0 {
		cfg.PlanTimeoutCap = time.Duration(c.PlanTimeoutCap) * time.Second
	}
	if len(c.StallWarn) > 0 {
		cfg.StallWarn = secondsMap(c.StallWarn)
	}
	if len(c.StallKill) > 0 {
		cfg.StallKill = secondsMap(c.StallKill)
	}
	if c.StallGraceMult >= 1.0 {
		cfg.StallGraceMult = c.StallGraceMult
	}
	if c.StallCheckEvery > 0 {
		cfg.StallCheckEvery = time.Duration(c.StallCheckEvery) * time.Second
	}
	if c.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = time.Duration(c.HeartbeatInterval) * time.Second
	}
	if c.StatusInterval > 0 {
		cfg.StatusInterval = time.Duration(c.StatusInterval) * time.Second
	}
	if c.RetryDelay > 0 {
		cfg.RetryDelay = time.Duration(c.RetryDelay) * time.Second
	}
	return cfg
}

// Callbacks deliver progress out of a run. Any field may be nil.
type Callbacks struct {
	// OnStatusUpdate receives human-readable progress lines. Routine
	// updates are throttled; important ones always pass.
	OnStatusUpdate func(message string, important bool)
	// OnStreamEvent receives every typed event parsed from agent output.
	OnStreamEvent func(event v1.StreamEvent)
	// OnRawRecord receives every raw output chunk before parsing.
	OnRawRecord func(line string)
}

// Executor drives agent invocations.
type Executor struct {
	invoker  claudecode.Invoker
	registry *registry.Registry
	tracker  *tracker.Tracker
	agent    config.AgentConfig
	cfg      Config
	logger   *logger.Logger
}

// New creates an executor.
func New(invoker claudecode.Invoker, reg *registry.Registry, trk *tracker.Tracker, agent config.AgentConfig, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		invoker:  invoker,
		registry: reg,
		tracker:  trk,
		agent:    agent,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "executor")),
	}
}

// Plan runs the agent in investigation-only mode and returns the produced
// plan. The run is capped at the smaller of the complexity budget and the
// plan ceiling.
func (e *Executor) Plan(ctx context.Context, req v1.TaskRequest, cb Callbacks) (*v1.PlanResult, error) {
	res, err := e.run(ctx, req, v1.AgentPhasePlanning, cb)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return nil, ErrEmptyPlan
	}
	return &v1.PlanResult{
		PlanText: res.Text,
		CostUSD:  res.CostUSD,
		Duration: res.Duration,
	}, nil
}

// Execute runs the agent with full tool access. Failures are folded into the
// result rather than returned; callers always get something to report.
func (e *Executor) Execute(ctx context.Context, req v1.TaskRequest, cb Callbacks) *v1.ExecutorResult {
	res, err := e.run(ctx, req, v1.AgentPhaseExecuting, cb)
	if err != nil {
		return &v1.ExecutorResult{
			Success: false,
			Result:  e.failureMessage(err, req.Complexity),
		}
	}
	return &v1.ExecutorResult{
		Success:      true,
		Result:       res.Text,
		CostUSD:      res.CostUSD,
		Duration:     res.Duration,
		NeedsRestart: DetectRestartNeeded(res.Text),
	}
}

// run is the shared invocation skeleton: register, track, arm the budget
// and stall monitor, invoke with bounded retry, then settle the books.
func (e *Executor) run(ctx context.Context, req v1.TaskRequest, phase v1.AgentPhase, cb Callbacks) (*claudecode.Result, error) {
	if !req.Complexity.Valid() {
		req.Complexity = v1.ComplexityModerate
	}
	timeout := e.timeoutFor(phase, req.Complexity)
	log := e.logger.WithChatID(req.ChatID)

	runID := e.registry.Register("executor", req.ChatID, truncate(req.Task, maxDetailLen), phase)
	log = log.WithRunID(runID)

	trackID, err := e.tracker.Track(req)
	if err != nil {
		// Memory stays authoritative; a persistence failure never blocks
		// the run.
		log.Warn("failed to persist active task record", zap.Error(err))
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stopPropagate := context.AfterFunc(ctx, func() { cancel(ErrRunCancelled) })
	defer stopPropagate()
	deadline := time.AfterFunc(timeout, func() { cancel(ErrRunTimeout) })
	defer deadline.Stop()

	throttle := newStatusThrottle(e.cfg.StatusInterval, cb.OnStatusUpdate)
	parser := NewStreamParser()

	monitor := newStallMonitor(
		e.stallThresholdsFor(req.Complexity),
		e.cfg.StallCheckEvery,
		func(sig stallSignal, idle time.Duration) {
			e.reportStall(sig, idle, throttle, cb, log)
		},
		func(idle time.Duration) {
			log.Warn("aborting stalled run", zap.Duration("idle", idle))
			cancel(ErrRunStalled)
		},
	)
	monitor.Start()
	defer monitor.Stop()

	started := time.Now()
	heartbeatDone := make(chan struct{})
	go e.heartbeat(started, throttle, heartbeatDone)

	sessionRecorded := false
	opts := claudecode.Options{
		Binary:          e.agent.Binary,
		Model:           e.agent.Model,
		SystemPrompt:    e.agent.SystemPrompt,
		WorkDir:         req.WorkDir,
		AllowedTools:    toolsFor(phase),
		ResumeSessionID: req.ResumeSessionID,
		OnActivity:      monitor.Touch,
		OnRawLine: func(line string) {
			if cb.OnRawRecord != nil {
				cb.OnRawRecord(line)
			}
			for _, ev := range parser.Feed(line) {
				e.handleEvent(runID, ev, cb, throttle)
			}
			if sid := parser.SessionID(); sid != "" && !sessionRecorded {
				sessionRecorded = true
				if err := e.tracker.UpdateSessionID(trackID, sid); err != nil {
					log.Warn("failed to record session id", zap.Error(err))
				}
			}
		},
	}

	res, invokeErr := e.invokeWithRetry(runCtx, buildPrompt(phase, req), opts, throttle, log)

	close(heartbeatDone)
	monitor.Stop()

	if err := e.tracker.Complete(trackID); err != nil && !errors.Is(err, tracker.ErrRecordNotFound) {
		log.Warn("failed to clear active task record", zap.Error(err))
	}

	var cost *float64
	if res != nil {
		c := res.CostUSD
		cost = &c
	}
	if err := e.registry.Complete(runID, invokeErr == nil, cost); err != nil {
		log.Warn("failed to complete registry entry", zap.Error(err))
	}

	if invokeErr != nil {
		log.Info("run finished with error",
			zap.String("phase", string(phase)),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(invokeErr))
		return nil, invokeErr
	}

	log.Info("run finished",
		zap.String("phase", string(phase)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("cost_usd", res.CostUSD))
	return res, nil
}

// invokeWithRetry applies the two recovery rules: a stale resume handle gets
// one fresh-session reissue, and a transient failure gets exactly one retry.
// Timeout, stall, and cancellation are never retried; ctx.Err guards them.
func (e *Executor) invokeWithRetry(ctx context.Context, prompt string, opts claudecode.Options, throttle *statusThrottle, log *logger.Logger) (*claudecode.Result, error) {
	res, err := e.invoker.Invoke(ctx, prompt, opts)

	if err != nil && ctx.Err() == nil && opts.ResumeSessionID != "" && claudecode.IsSessionExpiredError(err) {
		log.Info("resume session expired, reissuing fresh", zap.Error(err))
		throttle.Send("Previous agent session expired, starting fresh", true)
		opts.ResumeSessionID = ""
		res, err = e.invoker.Invoke(ctx, prompt, opts)
	}

	if err != nil && ctx.Err() == nil && claudecode.IsTransientError(err) {
		log.Warn("transient agent failure, retrying once", zap.Error(err))
		throttle.Send("Hit a transient error, retrying", true)
		select {
		case <-time.After(e.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		res, err = e.invoker.Invoke(ctx, prompt, opts)
	}

	return res, err
}

// handleEvent routes one parsed event: status text becomes the registry
// progress line and a throttled update, everything else lands in the rolling
// output buffer. All events reach the stream callback.
func (e *Executor) handleEvent(runID string, ev v1.StreamEvent, cb Callbacks, throttle *statusThrottle) {
	switch ev.Type {
	case v1.StreamEventStatusText:
		progress := ev.Detail
		_ = e.registry.Update(runID, registry.Update{Progress: &progress})
		throttle.Send(ev.Detail, false)
	default:
		_ = e.registry.AddOutput(runID, []string{formatEventLine(ev)})
	}
	if cb.OnStreamEvent != nil {
		cb.OnStreamEvent(ev)
	}
}

// reportStall surfaces stall transitions to the caller. Warn and grace are
// important updates; they bypass the throttle window.
func (e *Executor) reportStall(sig stallSignal, idle time.Duration, throttle *statusThrottle, cb Callbacks, log *logger.Logger) {
	switch sig {
	case stallWarned:
		log.Warn("agent output stalled", zap.Duration("idle", idle))
		throttle.Send(fmt.Sprintf("No output from the agent for %s, still waiting", idle.Round(time.Second)), true)
		if cb.OnStreamEvent != nil {
			cb.OnStreamEvent(newEvent(v1.StreamEventWarning, "agent output stalled", ""))
		}
	case stallGraced:
		log.Warn("agent silence crossed kill threshold", zap.Duration("idle", idle))
		throttle.Send(fmt.Sprintf("Agent silent for %s, terminating soon unless it resumes", idle.Round(time.Second)), true)
		if cb.OnStreamEvent != nil {
			cb.OnStreamEvent(newEvent(v1.StreamEventWarning, "agent silence grace window opened", ""))
		}
	case stallRecovered:
		log.Info("agent output resumed")
		throttle.Send("Agent resumed producing output", true)
	}
}

// heartbeat emits a periodic elapsed-time line through the throttle so a
// long quiet stretch still shows signs of life.
func (e *Executor) heartbeat(started time.Time, throttle *statusThrottle, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := time.Since(started).Round(time.Second)
			throttle.Send(fmt.Sprintf("Still working, %s elapsed", elapsed), false)
		}
	}
}

// timeoutFor returns the phase's time budget for the complexity tier. A plan
// run gets half the execute budget, bounded by the absolute plan ceiling.
func (e *Executor) timeoutFor(phase v1.AgentPhase, cx v1.Complexity) time.Duration {
	t := e.cfg.ExecuteTimeouts[cx]
	if t <= 0 {
		t = e.cfg.ExecuteTimeouts[v1.ComplexityModerate]
	}
	if phase == v1.AgentPhasePlanning {
		t /= 2
		if e.cfg.PlanTimeoutCap > 0 && t > e.cfg.PlanTimeoutCap {
			t = e.cfg.PlanTimeoutCap
		}
	}
	return t
}

// stallThresholdsFor derives the run's stall boundaries.
func (e *Executor) stallThresholdsFor(cx v1.Complexity) stallThresholds {
	warn := e.cfg.StallWarn[cx]
	if warn <= 0 {
		warn = e.cfg.StallWarn[v1.ComplexityModerate]
	}
	kill := e.cfg.StallKill[cx]
	if kill <= 0 {
		kill = e.cfg.StallKill[v1.ComplexityModerate]
	}
	mult := e.cfg.StallGraceMult
	if mult < 1.0 {
		mult = 1.0
	}
	return stallThresholds{
		warn:  warn,
		kill:  kill,
		abort: time.Duration(float64(kill) * mult),
	}
}

// failureMessage renders an execute failure for the chat.
func (e *Executor) failureMessage(err error, cx v1.Complexity) string {
	switch {
	case errors.Is(err, ErrRunTimeout):
		return fmt.Sprintf("Execution timed out after %s.", e.timeoutFor(v1.AgentPhaseExecuting, cx))
	case errors.Is(err, ErrRunStalled):
		return "Execution aborted: the agent stopped producing output."
	case errors.Is(err, ErrRunCancelled), errors.Is(err, context.Canceled):
		return "Execution cancelled."
	default:
		return fmt.Sprintf("Execution failed: %v", err)
	}
}

// toolsFor returns the tool allow-list for the phase. Planning is
// investigation only. An empty list would disable all tools, so the execute
// phase grants the full set explicitly.
func toolsFor(phase v1.AgentPhase) []string {
	if phase == v1.AgentPhasePlanning {
		return claudecode.ReadOnlyTools
	}
	return []string{
		claudecode.ToolRead,
		claudecode.ToolGlob,
		claudecode.ToolGrep,
		claudecode.ToolEdit,
		claudecode.ToolWrite,
		claudecode.ToolNotebookEdit,
		claudecode.ToolBash,
		claudecode.ToolWebFetch,
		claudecode.ToolWebSearch,
		claudecode.ToolTask,
		claudecode.ToolTodoWrite,
	}
}

// buildPrompt assembles the phase prompt from the request.
func buildPrompt(phase v1.AgentPhase, req v1.TaskRequest) string {
	var b strings.Builder

	if phase == v1.AgentPhasePlanning {
		b.WriteString("Investigate the codebase and produce a concise, step-by-step implementation plan for the task below. Do not modify any files or run any commands.\n\n")
	} else {
		b.WriteString("Carry out the task below. Make the changes, verify them, and summarize what you did.\n\n")
	}

	b.WriteString("Task: ")
	b.WriteString(req.Task)
	b.WriteString("\n")

	if req.Context != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}
	if req.MemoryContext != "" {
		b.WriteString("\nProject notes:\n")
		b.WriteString(req.MemoryContext)
		b.WriteString("\n")
	}
	return b.String()
}

// restartMarkers are phrases in an agent's final summary that indicate the
// service itself was modified and needs a restart to pick up the change.
var restartMarkers = []string{
	"restart the bot",
	"restart the service",
	"restart the server",
	"restart the orchestrator",
	"needs to be restarted",
	"restart required",
	"restart is required",
	"restart to apply",
	"restart for the changes",
	"after restarting",
}

// DetectRestartNeeded reports whether the agent's summary says the running
// service must restart to pick up its own changes.
func DetectRestartNeeded(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range restartMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
