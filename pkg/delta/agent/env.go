// Package agent – env.go merges .env files into the effective environment
// the engine consults for credentials and endpoint overrides. More specific
// locations win: workspace over agent root over the process working
// directory, with the process environment lowest.
package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Env is the merged key/value view used for credential resolution.
type Env map[string]string

// LoadEnv builds the effective environment for a run.
func LoadEnv(workspaceDir, agentHome string, logger *slog.Logger) Env {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "env")

	env := make(Env)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	// Least specific first so later overlays win.
	cwd, _ := os.Getwd()
	for _, dir := range []string{cwd, agentHome, workspaceDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, ".env")
		vals, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range vals {
			env[k] = v
		}
		logger.Debug("merged .env file", "path", path, "keys", len(vals))
	}
	return env
}

// Get returns the value for key, empty when unset.
func (e Env) Get(key string) string { return e[key] }

// First returns the value of the first set key.
func (e Env) First(keys ...string) string {
	for _, k := range keys {
		if v := e[k]; v != "" {
			return v
		}
	}
	return ""
}

// BaseURL resolves the LLM endpoint override, DELTA_BASE_URL taking
// precedence over OPENAI_API_URL. Empty means the client default.
func (e Env) BaseURL() string {
	return e.First("DELTA_BASE_URL", "OPENAI_API_URL")
}
