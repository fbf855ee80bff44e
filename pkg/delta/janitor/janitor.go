// Package janitor decides whether a run whose metadata says RUNNING is
// actually alive. A run left RUNNING by a crash or a kill must be healed
// to INTERRUPTED before it can be resumed; a run whose process still
// exists must be refused, because two writers on one journal is undefined.
package janitor

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jholhewres/delta/pkg/delta/journal"
)

// commNameMax is the kernel truncation length of /proc/<pid>/comm.
const commNameMax = 15

// LiveRunError reports a refusal to touch a run that appears alive.
type LiveRunError struct {
	RunID  string
	PID    int
	Reason string
}

func (e *LiveRunError) Error() string {
	return fmt.Sprintf("run %s appears to be alive (pid %d): %s", e.RunID, e.PID, e.Reason)
}

// Triage inspects a loaded run and heals or refuses it. Statuses other
// than RUNNING pass through untouched — liveness triage is the janitor's
// only job. On a safe recovery only the status field is patched.
func Triage(store *journal.MetadataStore, force bool, logger *slog.Logger) (*journal.Metadata, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "janitor")

	meta, err := store.Read()
	if err != nil {
		return nil, err
	}
	if meta.Status != journal.StatusRunning {
		return meta, nil
	}

	hostname, _ := os.Hostname()
	if meta.Hostname != hostname {
		if !force {
			return nil, fmt.Errorf("run %s was started on host %q (this is %q); cross-host recovery is dangerous, pass force to override",
				meta.RunID, meta.Hostname, hostname)
		}
		logger.Warn("forcing cross-host recovery",
			"run_id", meta.RunID,
			"recorded_host", meta.Hostname,
		)
		return heal(store, meta, "cross-host recovery forced", logger)
	}

	if !processAlive(meta.PID) {
		return heal(store, meta, "owning process is gone", logger)
	}

	name, ok := processName(meta.PID)
	if !ok {
		// Alive but unidentifiable: refuse rather than risk a second writer.
		return nil, &LiveRunError{RunID: meta.RunID, PID: meta.PID, Reason: "process name could not be read"}
	}
	if namesMatch(name, meta.ProcessName) {
		return nil, &LiveRunError{RunID: meta.RunID, PID: meta.PID, Reason: fmt.Sprintf("process %q is still running", name)}
	}

	// The pid was reused by an unrelated process.
	return heal(store, meta, fmt.Sprintf("pid reused by %q", name), logger)
}

func heal(store *journal.MetadataStore, meta *journal.Metadata, reason string, logger *slog.Logger) (*journal.Metadata, error) {
	logger.Info("recovering orphaned run",
		"run_id", meta.RunID,
		"pid", meta.PID,
		"reason", reason,
	)
	return store.Update(func(m *journal.Metadata) {
		m.Status = journal.StatusInterrupted
	})
}

// processAlive probes the pid with signal 0: no signal is delivered, but
// the error tells whether the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means it exists but belongs to someone else.
	return err == syscall.EPERM
}

// processName reads the short executable name of a live process.
func processName(pid int) (string, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// namesMatch compares process names tolerating the kernel's 15-byte comm
// truncation: equal, or one is the truncated prefix of the other.
func namesMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) >= commNameMax && strings.HasPrefix(b, a[:commNameMax]) {
		return true
	}
	if len(b) >= commNameMax && strings.HasPrefix(a, b[:commNameMax]) {
		return true
	}
	return false
}
