// Package agent – loader.go handles loading agent configuration from YAML
// files: agent.yaml (or the legacy config.yaml), nested imports, and the
// optional sibling hooks.yaml overlay.
//
// Import rules: paths are relative to the importing file, must not escape
// the agent root (no ".." segments, no absolute paths), cycles are
// rejected, and the merge is last-write-wins on tool name — imports first,
// the importing file last.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/delta/pkg/delta/hook"
	"github.com/jholhewres/delta/pkg/delta/tool"
)

// configFileNames are tried in order inside the agent root.
var configFileNames = []string{"agent.yaml", "config.yaml"}

// HooksFileName is the sibling hook overlay. When present, its phases win
// over lifecycle_hooks in the agent config.
const HooksFileName = "hooks.yaml"

// rawConfig mirrors the YAML surface before normalization.
type rawConfig struct {
	Name           string               `yaml:"name"`
	Version        string               `yaml:"version"`
	Description    string               `yaml:"description"`
	LLM            LLMSettings          `yaml:"llm"`
	Tools          []tool.RawDefinition `yaml:"tools"`
	MaxIterations  int                  `yaml:"max_iterations"`
	LifecycleHooks map[string]hook.Spec `yaml:"lifecycle_hooks"`
	Imports        []string             `yaml:"imports"`
}

// LoadConfig reads, merges, validates and normalizes the agent
// configuration rooted at agentHome.
func LoadConfig(agentHome string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	absHome, err := filepath.Abs(agentHome)
	if err != nil {
		return nil, fmt.Errorf("resolving agent root: %w", err)
	}

	var rootPath string
	for _, name := range configFileNames {
		candidate := filepath.Join(absHome, name)
		if _, err := os.Stat(candidate); err == nil {
			rootPath = candidate
			break
		}
	}
	if rootPath == "" {
		return nil, fmt.Errorf("no agent.yaml or config.yaml found in %s", absHome)
	}

	ld := &loader{agentHome: absHome, visited: make(map[string]bool), logger: logger}
	root, tools, hooks, err := ld.load(rootPath)
	if err != nil {
		return nil, err
	}

	// Sibling hooks.yaml wins per phase over lifecycle_hooks.
	fileHooks, err := loadHooksFile(filepath.Join(absHome, HooksFileName))
	if err != nil {
		return nil, err
	}
	for phase, spec := range fileHooks {
		if _, shadowed := hooks[phase]; shadowed {
			logger.Warn("hooks.yaml overrides lifecycle_hooks phase", "phase", phase)
		}
		hooks[phase] = spec
	}

	cfg := &Config{
		Name:           root.Name,
		Version:        root.Version,
		Description:    root.Description,
		LLM:            root.LLM,
		MaxIterations:  root.MaxIterations,
		LifecycleHooks: hooks,
		AgentHome:      absHome,
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	for _, raw := range tools {
		def, err := tool.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("normalizing tools: %w", err)
		}
		cfg.Tools = append(cfg.Tools, def)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Info("agent config loaded",
		"name", cfg.Name,
		"model", cfg.LLM.Model,
		"tools", len(cfg.Tools),
		"hooks", len(cfg.LifecycleHooks),
		"max_iterations", cfg.MaxIterations,
	)
	return cfg, nil
}

// loader tracks state across nested imports.
type loader struct {
	agentHome string
	visited   map[string]bool
	logger    *slog.Logger
}

// load parses one file after its imports, returning the root document plus
// the merged tool list (last write wins on name) and hook map.
func (l *loader) load(path string) (*rawConfig, []tool.RawDefinition, map[hook.Phase]hook.Spec, error) {
	clean := filepath.Clean(path)
	if l.visited[clean] {
		return nil, nil, nil, fmt.Errorf("circular import involving %s", clean)
	}
	l.visited[clean] = true
	defer delete(l.visited, clean)

	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reading config file: %w", err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, nil, fmt.Errorf("parsing %s: %w", clean, err)
	}

	var tools []tool.RawDefinition
	hooks := make(map[hook.Phase]hook.Spec)

	for _, imp := range raw.Imports {
		impPath, err := l.resolveImport(clean, imp)
		if err != nil {
			return nil, nil, nil, err
		}
		_, impTools, impHooks, err := l.load(impPath)
		if err != nil {
			return nil, nil, nil, err
		}
		tools = mergeTools(tools, impTools)
		for phase, spec := range impHooks {
			hooks[phase] = spec
		}
	}

	tools = mergeTools(tools, raw.Tools)
	for name, spec := range raw.LifecycleHooks {
		hooks[hook.Phase(name)] = spec
	}
	return &raw, tools, hooks, nil
}

// resolveImport validates an import path: relative, no parent escapes,
// confined to the agent root.
func (l *loader) resolveImport(from, imp string) (string, error) {
	if filepath.IsAbs(imp) {
		return "", fmt.Errorf("import %q in %s: absolute paths are not allowed", imp, from)
	}
	for _, seg := range strings.Split(filepath.ToSlash(imp), "/") {
		if seg == ".." {
			return "", fmt.Errorf("import %q in %s: \"..\" segments are not allowed", imp, from)
		}
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(from), imp))
	rel, err := filepath.Rel(l.agentHome, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("import %q in %s escapes the agent root", imp, from)
	}
	return resolved, nil
}

// mergeTools appends next over base with last-write-wins on tool name.
func mergeTools(base, next []tool.RawDefinition) []tool.RawDefinition {
	out := make([]tool.RawDefinition, 0, len(base)+len(next))
	index := make(map[string]int, len(base))
	for _, t := range base {
		index[t.Name] = len(out)
		out = append(out, t)
	}
	for _, t := range next {
		if i, ok := index[t.Name]; ok {
			out[i] = t
			continue
		}
		index[t.Name] = len(out)
		out = append(out, t)
	}
	return out
}

// hooksFile tolerates both a lifecycle_hooks: wrapper and a bare
// phase → spec mapping.
type hooksFile struct {
	LifecycleHooks map[string]hook.Spec `yaml:"lifecycle_hooks"`
}

func loadHooksFile(path string) (map[hook.Phase]hook.Spec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var wrapped hooksFile
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.LifecycleHooks) > 0 {
		return toPhaseMap(wrapped.LifecycleHooks), nil
	}
	var bare map[string]hook.Spec
	if err := yaml.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return toPhaseMap(bare), nil
}

func toPhaseMap(in map[string]hook.Spec) map[hook.Phase]hook.Spec {
	out := make(map[hook.Phase]hook.Spec, len(in))
	for name, spec := range in {
		out[hook.Phase(name)] = spec
	}
	return out
}
