package tool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeExplicit(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name:    "echo",
		Command: []string{"echo"},
		Parameters: []Parameter{
			{Name: "msg", InjectAs: InjectArgument},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, def.Command)
	assert.Equal(t, "string", def.Parameters[0].Type)
}

func TestNormalizeExplicitRejectsTwoStdin(t *testing.T) {
	_, err := Normalize(RawDefinition{
		Name:    "bad",
		Command: []string{"cat"},
		Parameters: []Parameter{
			{Name: "a", InjectAs: InjectStdin},
			{Name: "b", InjectAs: InjectStdin},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdin")
}

func TestNormalizeExplicitRequiresOptionName(t *testing.T) {
	_, err := Normalize(RawDefinition{
		Name:    "bad",
		Command: []string{"ls"},
		Parameters: []Parameter{
			{Name: "depth", InjectAs: InjectOption},
		},
	})
	require.Error(t, err)
}

func TestNormalizeRejectsMultipleSurfaces(t *testing.T) {
	_, err := Normalize(RawDefinition{
		Name:    "bad",
		Command: []string{"ls"},
		Exec:    "ls ${p}",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestNormalizeExec(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name: "count",
		Exec: "wc -l ${file}",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wc", "-l"}, def.Command)
	require.Len(t, def.Parameters, 1)
	p := def.Parameters[0]
	assert.Equal(t, "file", p.Name)
	assert.Equal(t, InjectArgument, p.InjectAs)
	require.NotNil(t, p.Position)
	assert.Equal(t, 0, *p.Position)
}

func TestNormalizeExecRejectsMetacharacters(t *testing.T) {
	cases := []string{
		"cat ${f} | grep x",
		"cat ${f} > out",
		"cat < ${f}",
		"true; false",
		"sleep 1 & wait",
		"echo $(date)",
		"echo `date`",
		"true || false",
		"true && false",
		"echo hi >> log",
	}
	for _, template := range cases {
		t.Run(template, func(t *testing.T) {
			_, err := Normalize(RawDefinition{Name: "bad", Exec: template})
			require.Error(t, err, "template %q must be rejected", template)
			assert.Contains(t, err.Error(), "metacharacter")
		})
	}
}

func TestNormalizeExecRejectsRawModifier(t *testing.T) {
	_, err := Normalize(RawDefinition{Name: "bad", Exec: "echo ${msg:raw}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raw")
}

func TestNormalizeExecRejectsEmbeddedPlaceholder(t *testing.T) {
	_, err := Normalize(RawDefinition{Name: "bad", Exec: "grep --file=${f} ."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole token")
}

func TestNormalizeExecWithStdin(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name:  "write",
		Exec:  "tee ${path}",
		Stdin: "content",
	})
	require.NoError(t, err)
	assert.Equal(t, "content", def.StdinParameter)
	require.Len(t, def.Parameters, 2)
	assert.Equal(t, InjectStdin, def.Parameters[1].InjectAs)
}

func TestNormalizeShellQuotesPlaceholders(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name:  "pipeline",
		Shell: "cat ${file} | grep ${pattern}",
	})
	require.NoError(t, err)

	require.Len(t, def.Command, 4)
	assert.Equal(t, "sh", def.Command[0])
	assert.Equal(t, "-c", def.Command[1])
	assert.Equal(t, `cat "$1" | grep "$2"`, def.Command[2])
	assert.Equal(t, "--", def.Command[3])

	require.Len(t, def.Parameters, 2)
	assert.Equal(t, "file", def.Parameters[0].Name)
	assert.Equal(t, "pattern", def.Parameters[1].Name)
}

func TestNormalizeShellRawModifier(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name:  "expand",
		Shell: "ls ${flags:raw} ${dir}",
	})
	require.NoError(t, err)
	assert.Equal(t, `ls $1 "$2"`, def.Command[2])
}

func TestNormalizeShellRepeatedPlaceholder(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name:  "twice",
		Shell: "cp ${name} ${name}.bak",
	})
	require.NoError(t, err)
	assert.Equal(t, `cp "$1" "$1".bak`, def.Command[2])
	require.Len(t, def.Parameters, 1)
}

func TestNormalizeSugarParameterOverride(t *testing.T) {
	def, err := Normalize(RawDefinition{
		Name: "search",
		Exec: "grep ${pattern}",
		Parameters: []Parameter{
			{Name: "pattern", Description: "regex to match", Required: true},
		},
	})
	require.NoError(t, err)
	p := def.Parameters[0]
	assert.Equal(t, "regex to match", p.Description)
	assert.True(t, p.Required)
	assert.Equal(t, InjectArgument, p.InjectAs)
}

func TestNormalizeSugarRejectsInjectAsOverride(t *testing.T) {
	_, err := Normalize(RawDefinition{
		Name: "bad",
		Exec: "grep ${pattern}",
		Parameters: []Parameter{
			{Name: "pattern", InjectAs: InjectOption, OptionName: "-e"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inject_as")
}

func TestNormalizeSugarRejectsUnknownParameter(t *testing.T) {
	_, err := Normalize(RawDefinition{
		Name: "bad",
		Exec: "grep ${pattern}",
		Parameters: []Parameter{
			{Name: "nope"},
		},
	})
	require.Error(t, err)
}

func TestBuildInvocationComposition(t *testing.T) {
	def := Definition{
		Name:    "deploy",
		Command: []string{"deployctl", "--verbose"},
		Parameters: []Parameter{
			{Name: "env", InjectAs: InjectOption, OptionName: "--env"},
			{Name: "service", InjectAs: InjectArgument},
			{Name: "manifest", InjectAs: InjectStdin},
		},
	}

	inv, err := BuildInvocation(def, map[string]any{
		"env":      "prod",
		"service":  "api",
		"manifest": "replicas: 3",
	}, "/agents/deploy")
	require.NoError(t, err)
	assert.Equal(t, []string{"deployctl", "--verbose", "--env", "prod", "api"}, inv.Argv)
	assert.True(t, inv.HasStdin)
	assert.Equal(t, "replicas: 3", inv.Stdin)
}

func TestBuildInvocationOmitsMissingValues(t *testing.T) {
	def := Definition{
		Name:    "deploy",
		Command: []string{"deployctl"},
		Parameters: []Parameter{
			{Name: "env", InjectAs: InjectOption, OptionName: "--env"},
			{Name: "service", InjectAs: InjectArgument},
			{Name: "manifest", InjectAs: InjectStdin},
		},
	}

	inv, err := BuildInvocation(def, map[string]any{}, "/home")
	require.NoError(t, err)
	assert.Equal(t, []string{"deployctl"}, inv.Argv)
	assert.False(t, inv.HasStdin)
}

func TestBuildInvocationSubstitutesAgentHome(t *testing.T) {
	def := Definition{
		Name:    "helper",
		Command: []string{"python3", "${AGENT_HOME}/tools/helper.py"},
	}
	inv, err := BuildInvocation(def, nil, "/agents/demo")
	require.NoError(t, err)
	assert.Equal(t, "/agents/demo/tools/helper.py", inv.Argv[1])
}

func TestBuildInvocationCoercesValues(t *testing.T) {
	def := Definition{
		Name:    "calc",
		Command: []string{"calc"},
		Parameters: []Parameter{
			{Name: "n", InjectAs: InjectArgument},
			{Name: "flag", InjectAs: InjectArgument},
		},
	}
	inv, err := BuildInvocation(def, map[string]any{"n": float64(42), "flag": true}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"calc", "42", "true"}, inv.Argv)
}

func TestValidateRequired(t *testing.T) {
	def := Definition{
		Name:    "t",
		Command: []string{"t"},
		Parameters: []Parameter{
			{Name: "must", InjectAs: InjectArgument, Required: true},
		},
	}
	require.Error(t, ValidateRequired(def, map[string]any{}))
	require.NoError(t, ValidateRequired(def, map[string]any{"must": "x"}))
}

func TestTruncateAddsMarker(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := Truncate(long, 10)
	assert.True(t, strings.HasSuffix(out, "(truncated)"))
	assert.Equal(t, long[:10], out[:10])
	assert.Equal(t, long, Truncate(long, 0))
}
