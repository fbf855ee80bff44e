package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/delta/pkg/delta/hook"
)

func writeAgent(t *testing.T, files map[string]string) string {
	t.Helper()
	home := t.TempDir()
	for name, content := range files {
		path := filepath.Join(home, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return home
}

const minimalAgent = `
name: demo
version: "1.0"
llm:
  model: gpt-4o-mini
tools:
  - name: echo
    exec: "echo ${msg}"
`

func TestLoadConfigMinimal(t *testing.T) {
	home := writeAgent(t, map[string]string{"agent.yaml": minimalAgent})

	cfg, err := LoadConfig(home, nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, DefaultMaxIterations, cfg.MaxIterations)
	assert.InDelta(t, DefaultTemperature, cfg.LLM.EffectiveTemperature(), 1e-9)

	def, ok := cfg.Tool("echo")
	require.True(t, ok)
	assert.Equal(t, []string{"echo"}, def.Command)
}

func TestLoadConfigLegacyName(t *testing.T) {
	home := writeAgent(t, map[string]string{"config.yaml": minimalAgent})
	cfg, err := LoadConfig(home, nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Name)
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(t.TempDir(), nil)
	require.Error(t, err)
}

func TestLoadConfigRequiresModel(t *testing.T) {
	home := writeAgent(t, map[string]string{"agent.yaml": "name: x\n"})
	_, err := LoadConfig(home, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.model")
}

func TestLoadConfigTemperatureRange(t *testing.T) {
	home := writeAgent(t, map[string]string{"agent.yaml": `
name: x
llm:
  model: m
  temperature: 3.5
`})
	_, err := LoadConfig(home, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestLoadConfigImportsMerge(t *testing.T) {
	home := writeAgent(t, map[string]string{
		"agent.yaml": `
name: demo
llm:
  model: m
imports:
  - shared/tools.yaml
tools:
  - name: echo
    exec: "echo --local ${msg}"
`,
		"shared/tools.yaml": `
tools:
  - name: echo
    exec: "echo --shared ${msg}"
  - name: count
    exec: "wc -l ${file}"
`,
	})

	cfg, err := LoadConfig(home, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Tools, 2)

	// The importing file wins on a name collision.
	def, ok := cfg.Tool("echo")
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "--local"}, def.Command)
	_, ok = cfg.Tool("count")
	assert.True(t, ok)
}

func TestLoadConfigImportRejectsEscape(t *testing.T) {
	for _, imp := range []string{"../outside.yaml", "/etc/passwd"} {
		home := writeAgent(t, map[string]string{
			"agent.yaml": "name: x\nllm: {model: m}\nimports: [\"" + imp + "\"]\n",
		})
		_, err := LoadConfig(home, nil)
		require.Error(t, err, "import %q must be rejected", imp)
	}
}

func TestLoadConfigImportCycle(t *testing.T) {
	home := writeAgent(t, map[string]string{
		"agent.yaml": "name: x\nllm: {model: m}\nimports: [a.yaml]\n",
		"a.yaml":     "imports: [b.yaml]\n",
		"b.yaml":     "imports: [a.yaml]\n",
	})
	_, err := LoadConfig(home, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestLoadConfigHooksFileWins(t *testing.T) {
	home := writeAgent(t, map[string]string{
		"agent.yaml": `
name: x
llm: {model: m}
lifecycle_hooks:
  pre_llm_req:
    command: [sh, -c, "echo config"]
  on_run_end:
    command: [sh, -c, "echo config-end"]
`,
		"hooks.yaml": `
lifecycle_hooks:
  pre_llm_req:
    command: [sh, -c, "echo file"]
`,
	})

	cfg, err := LoadConfig(home, nil)
	require.NoError(t, err)

	spec, ok := cfg.Hook(hook.PhasePreLLMReq)
	require.True(t, ok)
	assert.Equal(t, []string{"sh", "-c", "echo file"}, spec.Command)

	// Phases not shadowed by hooks.yaml survive.
	spec, ok = cfg.Hook(hook.PhaseOnRunEnd)
	require.True(t, ok)
	assert.Equal(t, []string{"sh", "-c", "echo config-end"}, spec.Command)
}

func TestLoadConfigRejectsUnknownHookPhase(t *testing.T) {
	home := writeAgent(t, map[string]string{
		"agent.yaml": `
name: x
llm: {model: m}
lifecycle_hooks:
  before_everything:
    command: [sh, -c, "true"]
`,
	})
	_, err := LoadConfig(home, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown lifecycle hook phase")
}

func TestLoadManifest(t *testing.T) {
	home := writeAgent(t, map[string]string{"context.yaml": `
sources:
  - type: file
    id: system
    path: ${AGENT_HOME}/system.md
    on_missing: error
  - type: computed_file
    generator:
      command: [sh, -c, "date > now.txt"]
    output_path: ${CWD}/now.txt
    on_missing: skip
  - type: journal
    max_iterations: 10
`})

	m, err := LoadManifest(home)
	require.NoError(t, err)
	require.Len(t, m.Sources, 3)
	assert.True(t, m.HasJournalSource())
	assert.Equal(t, MissingError, m.Sources[0].OnMissing)
	assert.Equal(t, DefaultGeneratorTimeoutMs, m.Sources[1].Generator.TimeoutMs)
}

func TestLoadManifestRequired(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	require.Error(t, err)
}

func TestLoadManifestValidation(t *testing.T) {
	home := writeAgent(t, map[string]string{"context.yaml": `
sources:
  - type: file
    path: a.md
    on_missing: maybe
`})
	_, err := LoadManifest(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_missing")
}

func TestLoadEnvPrecedence(t *testing.T) {
	workspace := t.TempDir()
	agentHome := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(agentHome, ".env"), []byte("DELTA_TEST_KEY=agent\nDELTA_TEST_ONLY_AGENT=yes\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, ".env"), []byte("DELTA_TEST_KEY=workspace\n"), 0o644))

	env := LoadEnv(workspace, agentHome, nil)
	assert.Equal(t, "workspace", env.Get("DELTA_TEST_KEY"))
	assert.Equal(t, "yes", env.Get("DELTA_TEST_ONLY_AGENT"))
}

func TestEnvBaseURLPrecedence(t *testing.T) {
	env := Env{"OPENAI_API_URL": "http://openai", "DELTA_BASE_URL": "http://delta"}
	assert.Equal(t, "http://delta", env.BaseURL())
	delete(env, "DELTA_BASE_URL")
	assert.Equal(t, "http://openai", env.BaseURL())
}
