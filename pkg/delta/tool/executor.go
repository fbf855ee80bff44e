// Package tool – executor.go spawns the resolved invocation and captures
// its streams. Failures are results, never errors: a non-zero exit, a
// spawn failure or a timeout all come back as Result with Success=false so
// the loop can turn them into observations the model reacts to.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds one tool subprocess unless the definition
// overrides it.
const DefaultTimeout = 30 * time.Second

// Result is everything the loop needs to classify and record an execution.
type Result struct {
	Argv       []string
	Stdin      string
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	Success    bool
	TimedOut   bool
	// SpawnError is set when the subprocess never ran (bad program path,
	// invocation composition failure). Distinguishes ERROR from FAILED.
	SpawnError string
}

// Executor runs tool subprocesses in the run workspace.
type Executor struct {
	// WorkspaceDir is the subprocess working directory, the parent of .delta.
	WorkspaceDir string
	// AgentHome is exported as AGENT_HOME and substituted in commands.
	AgentHome string
	// Timeout applies when a definition has no timeout_ms. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExecutor creates an executor for one run.
func NewExecutor(workspaceDir, agentHome string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		WorkspaceDir: workspaceDir,
		AgentHome:    agentHome,
		Timeout:      DefaultTimeout,
		Logger:       logger.With("component", "tool_executor"),
	}
}

// Execute resolves and runs one tool call. Stdout and stderr are captured
// in full; observation truncation is the caller's concern.
func (e *Executor) Execute(ctx context.Context, def Definition, args map[string]any) Result {
	inv, err := BuildInvocation(def, args, e.AgentHome)
	if err != nil {
		return Result{Success: false, ExitCode: -1, SpawnError: err.Error()}
	}
	return e.run(ctx, inv, e.timeoutFor(def))
}

// run spawns the invocation with the workspace CWD, the inherited
// environment plus AGENT_HOME, and a hard wall-clock timeout.
func (e *Executor) run(ctx context.Context, inv Invocation, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = e.WorkspaceDir
	cmd.Env = append(os.Environ(), "AGENT_HOME="+e.AgentHome)
	if inv.HasStdin {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Argv:       inv.Argv,
		Stdin:      inv.Stdin,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
		res.Success = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.Success = false
		res.ExitCode = exitCodeOf(cmd, err)
		e.Logger.Warn("tool subprocess timed out",
			"program", inv.Argv[0],
			"timeout_s", int(timeout.Seconds()),
		)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Success = false
		} else {
			// Never started: command not found, permission denied, bad dir.
			res.ExitCode = -1
			res.Success = false
			res.SpawnError = err.Error()
		}
	}

	e.Logger.Debug("tool subprocess finished",
		"program", inv.Argv[0],
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMs,
		"timed_out", res.TimedOut,
	)
	return res
}

func (e *Executor) timeoutFor(def Definition) time.Duration {
	if def.TimeoutMs > 0 {
		return time.Duration(def.TimeoutMs) * time.Millisecond
	}
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}

// exitCodeOf extracts the process exit code after a kill, falling back to
// -1 when the state is unavailable.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Observation renders the canonical observation string for a result.
// The cap, when positive, truncates with an explicit marker; the audit
// store keeps the full text regardless.
func Observation(res Result, limit int) string {
	var text string
	if res.SpawnError != "" {
		text = fmt.Sprintf("Execution error: %s", res.SpawnError)
	} else {
		suffix := ""
		if res.TimedOut {
			suffix = " (timed out)"
		}
		text = fmt.Sprintf("STDOUT:\n%s\nSTDERR:\n%s\nEXIT CODE: %d%s", res.Stdout, res.Stderr, res.ExitCode, suffix)
	}
	return Truncate(text, limit)
}

// Truncate caps s at n bytes with the truncation marker. n <= 0 disables.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + " ... (truncated)"
}
