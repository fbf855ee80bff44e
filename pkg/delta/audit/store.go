// Package audit implements the on-disk I/O capture for a run: every LLM
// invocation, tool execution and hook execution leaves a directory of the
// exact bytes exchanged. Capture is best-effort by contract — a failure to
// record audit must never fail the operation being audited, so every write
// logs and continues.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
)

// Store writes capture directories under a run's io/ tree.
type Store struct {
	invocationsDir string
	executionsDir  string
	hooksDir       string
	logger         *slog.Logger
}

// NewStore creates a store rooted at <runDir>/io.
func NewStore(runDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	ioDir := filepath.Join(runDir, "io")
	return &Store{
		invocationsDir: filepath.Join(ioDir, "invocations"),
		executionsDir:  filepath.Join(ioDir, "tool_executions"),
		hooksDir:       filepath.Join(ioDir, "hooks"),
		logger:         logger.With("component", "audit"),
	}
}

// HooksDir returns the directory under which hook I/O directories live.
// The hook runner owns the per-invocation directories inside it.
func (s *Store) HooksDir() string { return s.hooksDir }

// NewInvocationID mints an opaque, time-ordered id for one LLM invocation.
func (s *Store) NewInvocationID() string {
	return timeOrderedID("inv")
}

// NewExecutionID mints an opaque, time-ordered id for one tool execution.
func (s *Store) NewExecutionID() string {
	return timeOrderedID("exec")
}

// InvocationMeta is the metadata.json written next to request/response.
type InvocationMeta struct {
	InvocationID string `json:"invocation_id"`
	Model        string `json:"model"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	DurationMs   int64  `json:"duration_ms"`
	Usage        any    `json:"usage,omitempty"`
}

// CaptureInvocationRequest records the exact bytes about to be sent to the
// model. Called before the transport so a failed call still leaves its
// request on disk.
func (s *Store) CaptureInvocationRequest(invocationID string, request []byte) {
	dir := filepath.Join(s.invocationsDir, invocationID)
	s.write(filepath.Join(dir, "request.json"), request)
}

// CaptureInvocationResponse records the raw response bytes and the
// invocation metadata.
func (s *Store) CaptureInvocationResponse(invocationID string, response []byte, meta InvocationMeta) {
	dir := filepath.Join(s.invocationsDir, invocationID)
	s.write(filepath.Join(dir, "response.json"), response)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		s.logger.Warn("audit: marshaling invocation metadata", "invocation_id", invocationID, "error", err)
		return
	}
	s.write(filepath.Join(dir, "metadata.json"), data)
}

// ToolExecution is everything captured for one subprocess run.
type ToolExecution struct {
	Argv       []string
	Stdin      string
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
}

// CaptureToolExecution writes the capture directory for one tool execution.
// command.txt is space-joined with shell quoting for human reading only —
// execution never passes through a shell string.
func (s *Store) CaptureToolExecution(execID string, exec ToolExecution) {
	dir := filepath.Join(s.executionsDir, execID)
	s.write(filepath.Join(dir, "command.txt"), []byte(shellescape.QuoteCommand(exec.Argv)+"\n"))
	s.write(filepath.Join(dir, "stdin.log"), []byte(exec.Stdin))
	s.write(filepath.Join(dir, "stdout.log"), []byte(exec.Stdout))
	s.write(filepath.Join(dir, "stderr.log"), []byte(exec.Stderr))
	s.write(filepath.Join(dir, "exit_code.txt"), []byte(fmt.Sprintf("%d\n", exec.ExitCode)))
	s.write(filepath.Join(dir, "duration_ms.txt"), []byte(fmt.Sprintf("%d\n", exec.DurationMs)))
}

// write creates parents and writes the file, logging instead of failing.
func (s *Store) write(path string, data []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("audit: creating capture directory", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("audit: writing capture file", "path", path, "error", err)
	}
}

// timeOrderedID builds ids like exec_20250801T101530123_1a2b3c4d (UTC
// seconds followed by three millisecond digits): sortable by creation
// time, unique within the run via a uuid fragment.
func timeOrderedID(prefix string) string {
	now := time.Now().UTC()
	frag := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s%03d_%s", prefix, now.Format("20060102T150405"), now.Nanosecond()/1e6, frag)
}
