// Package tool – def.go defines the canonical tool shape and the mapping
// from model-supplied arguments to an argv/stdin invocation.
//
// Security invariant: argument values are delivered as argv elements or
// stdin bytes, never concatenated into a command string. The shell-sugar
// path in expand.go preserves this by dereferencing quoted positional
// parameters inside the generated script.
package tool

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// InjectMode says how a parameter value reaches the subprocess.
type InjectMode string

const (
	InjectArgument InjectMode = "argument"
	InjectOption   InjectMode = "option"
	InjectStdin    InjectMode = "stdin"
)

// AgentHomeVar is the placeholder substituted with the agent root in
// command entries at invocation time.
const AgentHomeVar = "${AGENT_HOME}"

// Parameter describes one model-visible argument of a tool.
type Parameter struct {
	Name        string     `yaml:"name" json:"name"`
	Type        string     `yaml:"type,omitempty" json:"type,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	InjectAs    InjectMode `yaml:"inject_as,omitempty" json:"inject_as,omitempty"`
	OptionName  string     `yaml:"option_name,omitempty" json:"option_name,omitempty"`
	Position    *int       `yaml:"position,omitempty" json:"position,omitempty"`
	Required    bool       `yaml:"required,omitempty" json:"required,omitempty"`
}

// Definition is the normalized tool form every sugar surface expands into:
// argv[0] is the program, the rest are leading fixed arguments.
type Definition struct {
	Name           string
	Command        []string
	Parameters     []Parameter
	StdinParameter string
	TimeoutMs      int
}

// Invocation is a fully resolved subprocess call.
type Invocation struct {
	Argv     []string
	Stdin    string
	HasStdin bool
}

// BuildInvocation composes the argv and stdin for a call. Parameters are
// appended in declaration order; a missing argument or option value is
// simply omitted — absence means "not provided".
func BuildInvocation(def Definition, args map[string]any, agentHome string) (Invocation, error) {
	if len(def.Command) == 0 {
		return Invocation{}, fmt.Errorf("tool %q has an empty command", def.Name)
	}

	argv := make([]string, 0, len(def.Command)+len(def.Parameters)*2)
	for _, part := range def.Command {
		argv = append(argv, strings.ReplaceAll(part, AgentHomeVar, agentHome))
	}

	inv := Invocation{}
	for _, p := range def.Parameters {
		val, ok := args[p.Name]
		switch p.InjectAs {
		case InjectOption:
			if !ok {
				continue
			}
			if p.OptionName == "" {
				return Invocation{}, fmt.Errorf("tool %q parameter %q: inject_as option without option_name", def.Name, p.Name)
			}
			argv = append(argv, p.OptionName, stringify(val))
		case InjectArgument, "":
			if !ok {
				continue
			}
			argv = append(argv, stringify(val))
		case InjectStdin:
			// At most one stdin parameter; silently skipped when missing.
			if ok {
				inv.Stdin = stringify(val)
				inv.HasStdin = true
			}
		default:
			return Invocation{}, fmt.Errorf("tool %q parameter %q: unknown inject_as %q", def.Name, p.Name, p.InjectAs)
		}
	}

	inv.Argv = argv
	return inv, nil
}

// ValidateRequired reports the first parameter marked required whose value
// is absent. Separate from BuildInvocation: composition treats absence as
// "not provided", callers opt into strictness.
func ValidateRequired(def Definition, args map[string]any) error {
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			return fmt.Errorf("tool %q: required parameter %q not provided", def.Name, p.Name)
		}
	}
	return nil
}

// HumanCommand renders an invocation for human readers (journal and audit).
// Never used for execution.
func HumanCommand(inv Invocation) string {
	return shellescape.QuoteCommand(inv.Argv)
}

// stringify coerces a JSON-decoded value to its natural string form.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// SchemaProperties returns the JSON-schema fragment advertised to the model
// for this tool's parameters.
func SchemaProperties(def Definition) (props map[string]any, required []string) {
	props = make(map[string]any, len(def.Parameters))
	required = []string{}
	for _, p := range def.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		entry := map[string]any{"type": typ}
		if p.Description != "" {
			entry["description"] = p.Description
		}
		props[p.Name] = entry
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return props, required
}
