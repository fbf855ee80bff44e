// Package agent – manifest.go loads context.yaml, the ordered list of
// context sources the composer evaluates. The manifest is required; an
// agent with no explicit journal source still gets the full conversation
// replay appended by the composer.
package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the context manifest file inside the agent root.
const ManifestFileName = "context.yaml"

// Source type discriminators.
const (
	SourceFile         = "file"
	SourceComputedFile = "computed_file"
	SourceJournal      = "journal"
)

// OnMissing policies for file-backed sources.
const (
	MissingError = "error"
	MissingSkip  = "skip"
)

// DefaultGeneratorTimeoutMs bounds a computed_file generator subprocess.
const DefaultGeneratorTimeoutMs = 30000

// GeneratorSpec describes the subprocess that produces a computed file.
type GeneratorSpec struct {
	Command   []string `yaml:"command"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty"`
}

// ContextSource is one entry of the manifest. Type selects which of the
// remaining fields apply.
type ContextSource struct {
	Type          string         `yaml:"type"`
	ID            string         `yaml:"id,omitempty"`
	Path          string         `yaml:"path,omitempty"`
	OnMissing     string         `yaml:"on_missing,omitempty"`
	Generator     *GeneratorSpec `yaml:"generator,omitempty"`
	OutputPath    string         `yaml:"output_path,omitempty"`
	MaxIterations int            `yaml:"max_iterations,omitempty"`
}

// Manifest is the parsed context.yaml.
type Manifest struct {
	Sources []ContextSource `yaml:"sources"`
}

// HasJournalSource reports whether an explicit journal source is declared.
func (m *Manifest) HasJournalSource() bool {
	for _, s := range m.Sources {
		if s.Type == SourceJournal {
			return true
		}
	}
	return false
}

// LoadManifest reads and validates context.yaml from the agent root.
func LoadManifest(agentHome string) (*Manifest, error) {
	path := filepath.Join(agentHome, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading context manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("%s declares no sources", path)
	}

	for i := range m.Sources {
		if err := validateSource(&m.Sources[i]); err != nil {
			return nil, fmt.Errorf("%s source %d: %w", path, i, err)
		}
	}
	return &m, nil
}

func validateSource(s *ContextSource) error {
	if s.OnMissing == "" {
		s.OnMissing = MissingError
	}
	if s.OnMissing != MissingError && s.OnMissing != MissingSkip {
		return fmt.Errorf("on_missing must be %q or %q, got %q", MissingError, MissingSkip, s.OnMissing)
	}

	switch s.Type {
	case SourceFile:
		if s.Path == "" {
			return fmt.Errorf("file source requires path")
		}
	case SourceComputedFile:
		if s.Generator == nil || len(s.Generator.Command) == 0 {
			return fmt.Errorf("computed_file source requires generator.command")
		}
		if s.OutputPath == "" {
			return fmt.Errorf("computed_file source requires output_path")
		}
		if s.Generator.TimeoutMs == 0 {
			s.Generator.TimeoutMs = DefaultGeneratorTimeoutMs
		}
	case SourceJournal:
		if s.MaxIterations < 0 {
			return fmt.Errorf("journal source max_iterations cannot be negative")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}
