// Package journal – metadata.go implements the small mutable state file
// that sits next to the journal. Unlike the journal it is rewritten in
// place, always via write-to-tempfile + atomic rename so a partial write is
// never observable.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetadataFileName is the metadata file name inside a run directory.
const MetadataFileName = "metadata.json"

// Metadata is the mutable run descriptor. Status transitions to a terminal
// state may only be written by the process recorded in PID — the janitor is
// the single exception, and only for recovery to INTERRUPTED.
type Metadata struct {
	RunID               string    `json:"run_id"`
	StartTime           string    `json:"start_time"`
	StartTimeUnix       int64     `json:"start_time_unix"`
	EndTime             string    `json:"end_time,omitempty"`
	AgentRef            string    `json:"agent_ref"`
	Task                string    `json:"task"`
	Status              RunStatus `json:"status"`
	IterationsCompleted uint32    `json:"iterations_completed"`
	PID                 int       `json:"pid"`
	Hostname            string    `json:"hostname"`
	ProcessName         string    `json:"process_name"`
	Error               string    `json:"error,omitempty"`
}

// MetadataStore handles read-modify-write access to one metadata.json.
type MetadataStore struct {
	path string
	mu   sync.Mutex
}

// NewMetadataStore returns a store for the given metadata.json path.
func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{path: path}
}

// Initialize creates the metadata file for a fresh run. Fails if the file
// already exists — an existing file means the run id is taken.
func (s *MetadataStore) Initialize(runID, agentRef, task string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return nil, fmt.Errorf("metadata already exists at %s", s.path)
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	meta := &Metadata{
		RunID:         runID,
		StartTime:     now.Format(time.RFC3339Nano),
		StartTimeUnix: now.Unix(),
		AgentRef:      agentRef,
		Task:          task,
		Status:        StatusRunning,
		PID:           os.Getpid(),
		Hostname:      hostname,
		ProcessName:   currentProcessName(),
	}
	if err := s.writeLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Read loads the current metadata.
func (s *MetadataStore) Read() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Update applies patch under the store lock and persists atomically.
// Returns the metadata after the patch.
func (s *MetadataStore) Update(patch func(*Metadata)) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	patch(meta)
	if err := s.writeLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Exists reports whether the metadata file is present.
func (s *MetadataStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the metadata file path.
func (s *MetadataStore) Path() string { return s.path }

func (s *MetadataStore) readLocked() (*Metadata, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata %s: %w", s.path, err)
	}
	return &meta, nil
}

func (s *MetadataStore) writeLocked(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("creating metadata tempfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing metadata tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing metadata tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing metadata tempfile: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming metadata into place: %w", err)
	}
	return nil
}

// currentProcessName returns the short name of this executable, the value
// the janitor later compares against a live process.
func currentProcessName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}
