// Package claudecode invokes the Claude Code CLI in stream-json mode and
// exposes its newline-delimited output as structured records.
package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/logger"
)

// Invoker runs one agent invocation to completion.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Client invokes the CLI as a pipe-connected subprocess.
type Client struct {
	logger *logger.Logger
}

// NewClient creates a CLI client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		logger: log.WithFields(zap.String("component", "claudecode")),
	}
}

// scannerBufferSize bounds one stream-json record; tool results can carry
// whole file contents.
const scannerBufferSize = 4 * 1024 * 1024

// terminateGrace is how long the process gets to exit after SIGTERM before
// it is killed.
const terminateGrace = 10 * time.Second

// Invoke runs the CLI to completion. Cancellation is cooperative: on ctx
// cancel the process receives SIGTERM and is only killed after the grace
// period.
func (c *Client) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	// An empty allow-list disables all tools.
	args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	c.logger.Debug("agent process started",
		zap.String("binary", binary),
		zap.String("work_dir", opts.WorkDir),
		zap.Bool("resume", opts.ResumeSessionID != ""))

	result := &Result{}
	var sawResult bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		if opts.OnRawLine != nil {
			opts.OnRawLine(line + "\n")
		}
		if opts.OnActivity != nil {
			opts.OnActivity()
		}

		var msg CLIMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Unparseable lines never fail the run.
			continue
		}

		switch msg.Type {
		case MessageTypeSystem:
			if msg.Subtype == SubtypeInit && msg.SessionID != "" {
				result.SessionID = msg.SessionID
			}
		case MessageTypeResult:
			sawResult = true
			result.Text = msg.Result
			result.IsError = msg.IsError
			result.CostUSD = msg.TotalCost
			if msg.SessionID != "" {
				result.SessionID = msg.SessionID
			}
			if msg.IsError && result.Text == "" {
				if msg.Error != "" {
					result.Text = msg.Error
				} else {
					result.Text = msg.ErrorDetail
				}
			}
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	result.Duration = time.Since(started)

	// Context cancellation takes priority over whatever the process reported.
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return nil, cause
		}
		return nil, ctx.Err()
	}

	if scanErr != nil {
		return nil, fmt.Errorf("failed reading agent output: %w", scanErr)
	}

	if !sawResult {
		detail := strings.TrimSpace(tail(stderr.String(), 500))
		if waitErr != nil {
			if detail != "" {
				return nil, fmt.Errorf("agent process failed: %w: %s", waitErr, detail)
			}
			return nil, fmt.Errorf("agent process failed: %w", waitErr)
		}
		return nil, fmt.Errorf("agent exited without a result record: %s", detail)
	}

	if result.IsError {
		return nil, fmt.Errorf("agent reported error: %s", result.Text)
	}
	if waitErr != nil {
		c.logger.Warn("agent exited non-zero after emitting a result",
			zap.Error(waitErr))
	}

	return result, nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
