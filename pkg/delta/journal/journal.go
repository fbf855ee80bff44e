// Package journal – journal.go implements the append-only JSON Lines event
// log that is the single source of truth for a run.
//
// Format contract: the file is named exactly journal.jsonl; every line is a
// single compact JSON object terminated by \n; seq numbers are contiguous
// starting at 1. External tools have historically rewritten the file as a
// pretty-printed JSON array, silently breaking the append contract, so the
// open path refuses anything that does not look like JSON Lines.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the only accepted journal file name.
const FileName = "journal.jsonl"

// CorruptionError is a fatal diagnostic about an unusable journal file.
// It always names the file and advises restore-or-delete, because the
// journal cannot be regenerated.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal %s is corrupt: %s; restore it from a backup or delete the run directory", e.Path, e.Reason)
}

// Journal is the append handle for one run's event log. All appends within
// the process are serialized by an internal mutex; cross-process appending
// is not supported (the janitor prevents it at load time).
type Journal struct {
	path    string
	file    *os.File
	lastSeq uint64
	mu      sync.Mutex
	logger  *slog.Logger
}

// Open validates and opens (or creates) the journal at path. A trailing
// partial line — the residue of a crash mid-append — is discarded and its
// offset becomes the append position.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if filepath.Base(path) != FileName {
		return nil, &CorruptionError{Path: path, Reason: fmt.Sprintf("file must be named %q", FileName)}
	}

	j := &Journal{path: path, logger: logger.With("component", "journal")}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh journal.
	case err != nil:
		return nil, fmt.Errorf("reading journal: %w", err)
	default:
		keep, lastSeq, cerr := validate(path, data)
		if cerr != nil {
			return nil, cerr
		}
		j.lastSeq = lastSeq
		if keep < int64(len(data)) {
			j.logger.Warn("discarding partial trailing line",
				"path", path,
				"bytes_discarded", int64(len(data))-keep,
			)
			if err := os.Truncate(path, keep); err != nil {
				return nil, fmt.Errorf("truncating partial line: %w", err)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal for append: %w", err)
	}
	j.file = f
	return j, nil
}

// validate runs the format sanity checks and the seq scan over raw journal
// bytes. Returns the byte offset of the last complete line and the last seq.
func validate(path string, data []byte) (keep int64, lastSeq uint64, err error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return 0, 0, nil
	}
	if trimmed[0] == '[' {
		return 0, 0, &CorruptionError{Path: path, Reason: "content is a JSON array, not JSON Lines"}
	}
	if data[0] == ' ' || data[0] == '\t' {
		return 0, 0, &CorruptionError{Path: path, Reason: "first line is indented (pretty-printed JSON?)"}
	}

	var offset int64
	expect := uint64(1)
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// Trailing partial line: stop here, caller truncates.
			break
		}
		line := data[:nl]
		var ev Event
		if uerr := json.Unmarshal(line, &ev); uerr != nil {
			return 0, 0, &CorruptionError{Path: path, Reason: fmt.Sprintf("line with seq %d is not a valid event: %v", expect, uerr)}
		}
		if ev.Seq != expect {
			return 0, 0, &CorruptionError{Path: path, Reason: fmt.Sprintf("seq gap: expected %d, found %d", expect, ev.Seq)}
		}
		expect++
		lastSeq = ev.Seq
		offset += int64(nl) + 1
		data = data[nl+1:]
	}
	return offset, lastSeq, nil
}

// Append serializes the event to one compact line and flushes it to the OS
// before returning. The caller supplies seq; Append enforces monotonicity.
func (j *Journal) Append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if ev.Seq != j.lastSeq+1 {
		return fmt.Errorf("journal %s: appending seq %d after %d would create a gap", j.path, ev.Seq, j.lastSeq)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("appending to journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	j.lastSeq = ev.Seq
	return nil
}

// ReadAll returns every event currently in the journal, in seq order.
func (j *Journal) ReadAll() ([]Event, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	var events []Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, &CorruptionError{Path: j.path, Reason: fmt.Sprintf("unreadable line after seq %d: %v", len(events), err)}
		}
		events = append(events, ev)
	}
	return events, nil
}

// LastSeq returns the seq of the most recent event, 0 for an empty journal.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close releases the underlying file handle. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadFile loads a journal without opening it for append. Used by read-only
// consumers (CLI inspection, engine tests).
func ReadFile(path string) ([]Event, error) {
	j := &Journal{path: path, logger: slog.Default()}
	return j.ReadAll()
}
