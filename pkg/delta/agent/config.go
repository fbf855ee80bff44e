// Package agent – config.go holds the typed agent configuration. The
// configuration is read-only during a run; everything mutable lives in the
// run directory.
package agent

import (
	"fmt"

	"github.com/jholhewres/delta/pkg/delta/hook"
	"github.com/jholhewres/delta/pkg/delta/tool"
)

// DefaultMaxIterations caps the Think→Act→Observe loop when the agent
// configuration does not say otherwise.
const DefaultMaxIterations = 30

// DefaultTemperature is used when llm.temperature is absent.
const DefaultTemperature = 0.7

// LLMSettings is the llm: block of agent.yaml.
type LLMSettings struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// EffectiveTemperature applies the default.
func (s LLMSettings) EffectiveTemperature() float64 {
	if s.Temperature == nil {
		return DefaultTemperature
	}
	return *s.Temperature
}

// Config is the fully loaded, validated, normalized agent configuration.
type Config struct {
	Name           string
	Version        string
	Description    string
	LLM            LLMSettings
	Tools          []tool.Definition
	MaxIterations  int
	LifecycleHooks map[hook.Phase]hook.Spec

	// AgentHome is the absolute path of the agent root directory the
	// configuration was loaded from.
	AgentHome string
}

// Tool returns the definition for name, if configured.
func (c *Config) Tool(name string) (tool.Definition, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return tool.Definition{}, false
}

// Hook returns the spec for a lifecycle phase, if configured.
func (c *Config) Hook(phase hook.Phase) (hook.Spec, bool) {
	spec, ok := c.LifecycleHooks[phase]
	return spec, ok
}

// validate enforces the invariants a run depends on.
func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent config: name is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("agent config: llm.model is required")
	}
	if c.LLM.Temperature != nil && (*c.LLM.Temperature < 0 || *c.LLM.Temperature > 2) {
		return fmt.Errorf("agent config: llm.temperature %v out of range [0, 2]", *c.LLM.Temperature)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("agent config: max_iterations cannot be negative")
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if seen[t.Name] {
			return fmt.Errorf("agent config: duplicate tool %q after merge", t.Name)
		}
		seen[t.Name] = true
	}
	for phase := range c.LifecycleHooks {
		switch phase {
		case hook.PhasePreLLMReq, hook.PhasePostLLMResp, hook.PhasePreToolExec,
			hook.PhasePostToolExec, hook.PhaseOnError, hook.PhaseOnRunEnd:
		default:
			return fmt.Errorf("agent config: unknown lifecycle hook phase %q", phase)
		}
	}
	return nil
}
