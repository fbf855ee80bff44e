// Package engine – rundir.go owns the on-disk layout of one run:
// <workspace>/.delta/<run_id>/ with the journal, metadata, engine log,
// io/ capture tree, interaction/ exchange and context_artifacts/.
// A run directory is created at run start and kept forever; ephemeral
// subdirectories may be overwritten on later iterations but the core
// never deletes them.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jholhewres/delta/pkg/delta/journal"
)

// DeltaDirName is the state directory created inside the workspace.
const DeltaDirName = ".delta"

// RunDir resolves the paths of one run.
type RunDir struct {
	// WorkspaceDir is the run's working directory, the parent of .delta.
	WorkspaceDir string
	RunID        string
}

// Root returns <workspace>/.delta/<run_id>.
func (d RunDir) Root() string {
	return filepath.Join(d.WorkspaceDir, DeltaDirName, d.RunID)
}

// JournalPath returns the journal.jsonl path.
func (d RunDir) JournalPath() string {
	return filepath.Join(d.Root(), journal.FileName)
}

// MetadataPath returns the metadata.json path.
func (d RunDir) MetadataPath() string {
	return filepath.Join(d.Root(), journal.MetadataFileName)
}

// EngineLogPath returns the human-readable trace file path.
func (d RunDir) EngineLogPath() string {
	return filepath.Join(d.Root(), "engine.log")
}

// InteractionDir returns the ephemeral ask-human exchange directory.
func (d RunDir) InteractionDir() string {
	return filepath.Join(d.Root(), "interaction")
}

// ArtifactsDir returns the directory for context generator outputs.
func (d RunDir) ArtifactsDir() string {
	return filepath.Join(d.Root(), "context_artifacts")
}

// Exists reports whether the run directory is already on disk.
func (d RunDir) Exists() bool {
	_, err := os.Stat(d.Root())
	return err == nil
}

// Create materializes the run directory skeleton.
func (d RunDir) Create() error {
	for _, dir := range []string{d.Root(), d.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating run directory: %w", err)
		}
	}
	return nil
}

// ListRuns returns the run ids present under a workspace, newest-first by
// directory modification time.
func ListRuns(workspaceDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(workspaceDir, DeltaDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	type runEntry struct {
		id  string
		mod int64
	}
	var runs []runEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, runEntry{id: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod > runs[j].mod })
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.id
	}
	return ids, nil
}
