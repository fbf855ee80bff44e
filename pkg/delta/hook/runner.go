// Package hook executes lifecycle hooks via file-IPC. Each invocation gets
// a fresh directory under io/hooks/ holding the inputs the hook may read,
// an output/ directory it may write control files into, and an
// execution_meta/ capture of the subprocess itself.
//
// Hooks are advisory by default: a failing or malformed hook degrades to
// the baseline behavior of its phase and is recorded, never fatal.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
)

// Phase names the lifecycle points at which hooks run.
type Phase string

const (
	PhasePreLLMReq    Phase = "pre_llm_req"
	PhasePostLLMResp  Phase = "post_llm_resp"
	PhasePreToolExec  Phase = "pre_tool_exec"
	PhasePostToolExec Phase = "post_tool_exec"
	PhaseOnError      Phase = "on_error"
	PhaseOnRunEnd     Phase = "on_run_end"
)

// DefaultTimeout bounds one hook subprocess unless the spec overrides it.
const DefaultTimeout = 30 * time.Second

// Spec is the declarative hook definition from agent configuration.
type Spec struct {
	Command   []string `yaml:"command"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty"`
}

// Control is the directive a hook may leave in output/control.json.
type Control struct {
	Action  string `json:"action"` // CONTINUE or ABORT
	Skip    bool   `json:"skip"`   // pre_tool_exec only
	Message string `json:"message,omitempty"`
}

// Outcome is what one invocation produced.
type Outcome struct {
	// Success mirrors the subprocess exit code.
	Success    bool
	DurationMs int64
	// Dir is the hook I/O directory, referenced from the journal audit event.
	Dir string
	// Control is the parsed control.json, nil when absent or unreadable.
	Control *Control
	// FinalPayload holds output/final_payload.json when present and
	// JSON-parseable (pre_llm_req only). Nil otherwise.
	FinalPayload []byte
	// Err describes a degraded invocation (spawn failure, timeout,
	// nonzero exit); informational, the loop decides what it means.
	Err error
}

// InvocationContext is written to input/context.json for the hook to read.
type InvocationContext struct {
	Phase     string `json:"phase"`
	Seq       uint64 `json:"seq"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
	CWD       string `json:"cwd"`
}

// Runner invokes hooks for one run.
type Runner struct {
	// HooksDir is the parent for per-invocation I/O directories.
	HooksDir string
	// WorkspaceDir is the hook subprocess working directory.
	WorkspaceDir string
	RunID        string
	Logger       *slog.Logger
}

// NewRunner creates a hook runner for one run.
func NewRunner(hooksDir, workspaceDir, runID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		HooksDir:     hooksDir,
		WorkspaceDir: workspaceDir,
		RunID:        runID,
		Logger:       logger.With("component", "hooks"),
	}
}

// Invoke runs one hook. seq is the journal position at the moment of
// invocation, used for the directory name. payload is the phase-specific
// input document; for pre_llm_req it is the proposed LLM request and is
// written as proposed_payload.json.
func (r *Runner) Invoke(ctx context.Context, phase Phase, spec Spec, seq uint64, payload []byte) Outcome {
	dir := filepath.Join(r.HooksDir, fmt.Sprintf("%d_%s_%s", seq, phase, uuid.NewString()))
	out := Outcome{Dir: dir}

	inputDir := filepath.Join(dir, "input")
	outputDir := filepath.Join(dir, "output")
	metaDir := filepath.Join(dir, "execution_meta")
	for _, d := range []string{inputDir, outputDir, metaDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			out.Err = fmt.Errorf("creating hook io directory: %w", err)
			return out
		}
	}

	invCtx := InvocationContext{
		Phase:     string(phase),
		Seq:       seq,
		RunID:     r.RunID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		CWD:       r.WorkspaceDir,
	}
	ctxBytes, _ := json.MarshalIndent(invCtx, "", "  ")
	writeBestEffort(filepath.Join(inputDir, "context.json"), ctxBytes, r.Logger)

	payloadName := "payload.json"
	if phase == PhasePreLLMReq {
		payloadName = "proposed_payload.json"
	}
	if payload == nil {
		payload = []byte("{}")
	}
	writeBestEffort(filepath.Join(inputDir, payloadName), payload, r.Logger)

	if len(spec.Command) == 0 {
		out.Err = fmt.Errorf("hook for phase %s has an empty command", phase)
		return out
	}

	timeout := DefaultTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = r.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"DELTA_RUN_ID="+r.RunID,
		"DELTA_HOOK_IO_PATH="+dir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	out.DurationMs = time.Since(start).Milliseconds()

	exitCode := 0
	switch {
	case runErr == nil:
		out.Success = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exitCode = -1
		out.Err = fmt.Errorf("hook %s timed out after %s", phase, timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			out.Err = fmt.Errorf("hook %s exited with code %d", phase, exitCode)
		} else {
			exitCode = -1
			out.Err = fmt.Errorf("hook %s failed to spawn: %w", phase, runErr)
		}
	}

	writeBestEffort(filepath.Join(metaDir, "command.txt"), []byte(shellescape.QuoteCommand(spec.Command)+"\n"), r.Logger)
	writeBestEffort(filepath.Join(metaDir, "stdout.log"), stdout.Bytes(), r.Logger)
	writeBestEffort(filepath.Join(metaDir, "stderr.log"), stderr.Bytes(), r.Logger)
	writeBestEffort(filepath.Join(metaDir, "exit_code.txt"), []byte(fmt.Sprintf("%d\n", exitCode)), r.Logger)
	writeBestEffort(filepath.Join(metaDir, "duration_ms.txt"), []byte(fmt.Sprintf("%d\n", out.DurationMs)), r.Logger)

	out.Control = r.readControl(outputDir)
	if phase == PhasePreLLMReq && out.Success {
		out.FinalPayload = r.readFinalPayload(outputDir)
	}

	r.Logger.Debug("hook finished",
		"phase", phase,
		"success", out.Success,
		"duration_ms", out.DurationMs,
		"dir", dir,
	)
	return out
}

// readControl parses output/control.json, tolerating absence and garbage.
func (r *Runner) readControl(outputDir string) *Control {
	data, err := os.ReadFile(filepath.Join(outputDir, "control.json"))
	if err != nil {
		return nil
	}
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		r.Logger.Warn("hook wrote malformed control.json", "dir", outputDir, "error", err)
		return nil
	}
	if c.Action == "" {
		c.Action = "CONTINUE"
	}
	c.Action = strings.ToUpper(c.Action)
	return &c
}

// readFinalPayload returns output/final_payload.json only when it parses
// as JSON; anything else degrades to the baseline payload.
func (r *Runner) readFinalPayload(outputDir string) []byte {
	data, err := os.ReadFile(filepath.Join(outputDir, "final_payload.json"))
	if err != nil {
		return nil
	}
	if !json.Valid(data) {
		r.Logger.Warn("hook wrote invalid final_payload.json, using baseline", "dir", outputDir)
		return nil
	}
	return data
}

func writeBestEffort(path string, data []byte, logger *slog.Logger) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn("hook io write failed", "path", path, "error", err)
	}
}
