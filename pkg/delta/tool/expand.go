// Package tool – expand.go normalizes the exec:/shell: sugar surfaces into
// the canonical command+parameters form before anything is executed.
//
// exec: templates must be shell-free — presence of any metacharacter is a
// fatal configuration error, caught at load time rather than run time.
// shell: templates become a script whose placeholders dereference quoted
// positional parameters; values travel to the shell via argv, so a value
// like "; rm -rf /" can never split the command.
package tool

import (
	"fmt"
	"regexp"
	"strings"
)

// RawDefinition is a tool entry as written in agent configuration, before
// normalization. Exactly one of Command, Exec, Shell must be set.
type RawDefinition struct {
	Name       string      `yaml:"name"`
	Command    []string    `yaml:"command,omitempty"`
	Exec       string      `yaml:"exec,omitempty"`
	Shell      string      `yaml:"shell,omitempty"`
	Stdin      string      `yaml:"stdin,omitempty"`
	Parameters []Parameter `yaml:"parameters,omitempty"`
	TimeoutMs  int         `yaml:"timeout_ms,omitempty"`
}

// placeholderRe matches ${name} and ${name:raw} template placeholders.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:raw)?\}`)

// execForbidden are the shell metacharacters that make an exec: template a
// configuration error. "||", "&&" and ">>" are implied by their single
// characters but listed first so the error message names them; "$(" has
// no single-character entry and is checked on its own.
var execForbidden = []string{"$(", "`", "||", "&&", ">>", "|", ">", "<", ";", "&"}

// Normalize converts a raw tool entry into the canonical Definition.
func Normalize(raw RawDefinition) (Definition, error) {
	if raw.Name == "" {
		return Definition{}, fmt.Errorf("tool with empty name")
	}

	surfaces := 0
	if len(raw.Command) > 0 {
		surfaces++
	}
	if raw.Exec != "" {
		surfaces++
	}
	if raw.Shell != "" {
		surfaces++
	}
	if surfaces != 1 {
		return Definition{}, fmt.Errorf("tool %q: exactly one of command, exec, shell must be set", raw.Name)
	}

	switch {
	case len(raw.Command) > 0:
		return normalizeExplicit(raw)
	case raw.Exec != "":
		return normalizeExec(raw)
	default:
		return normalizeShell(raw)
	}
}

// normalizeExplicit validates the already-canonical form.
func normalizeExplicit(raw RawDefinition) (Definition, error) {
	def := Definition{
		Name:       raw.Name,
		Command:    raw.Command,
		Parameters: raw.Parameters,
		TimeoutMs:  raw.TimeoutMs,
	}
	stdinCount := 0
	for i := range def.Parameters {
		p := &def.Parameters[i]
		if p.Type == "" {
			p.Type = "string"
		}
		switch p.InjectAs {
		case InjectArgument, InjectOption, "":
			if p.InjectAs == "" {
				p.InjectAs = InjectArgument
			}
			if p.InjectAs == InjectOption && p.OptionName == "" {
				return Definition{}, fmt.Errorf("tool %q parameter %q: inject_as option requires option_name", raw.Name, p.Name)
			}
		case InjectStdin:
			stdinCount++
			def.StdinParameter = p.Name
		default:
			return Definition{}, fmt.Errorf("tool %q parameter %q: unknown inject_as %q", raw.Name, p.Name, p.InjectAs)
		}
	}
	if stdinCount > 1 {
		return Definition{}, fmt.Errorf("tool %q: at most one parameter may use inject_as stdin", raw.Name)
	}
	return def, nil
}

// templatePlaceholder is one ${name} occurrence in a sugar template.
type templatePlaceholder struct {
	name string
	raw  bool
}

// scanPlaceholders extracts placeholders in left-to-right order, keeping
// the first occurrence of each name.
func scanPlaceholders(template string) []templatePlaceholder {
	seen := make(map[string]bool)
	var out []templatePlaceholder
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, templatePlaceholder{name: m[1], raw: m[2] != ""})
	}
	return out
}

// normalizeExec expands an exec: template. The template is split on
// whitespace; placeholder tokens are removed and the remaining tokens form
// the command, with each placeholder becoming an implicit positional
// argument parameter.
func normalizeExec(raw RawDefinition) (Definition, error) {
	stripped := placeholderRe.ReplaceAllString(raw.Exec, "")
	for _, meta := range execForbidden {
		if strings.Contains(stripped, meta) {
			return Definition{}, fmt.Errorf("tool %q: exec template contains shell metacharacter %q; use shell: if shell features are needed", raw.Name, meta)
		}
	}

	placeholders := scanPlaceholders(raw.Exec)
	for _, ph := range placeholders {
		if ph.raw {
			return Definition{}, fmt.Errorf("tool %q: ${%s:raw} is forbidden in exec mode", raw.Name, ph.name)
		}
	}

	var command []string
	for _, token := range strings.Fields(raw.Exec) {
		if placeholderRe.MatchString(token) {
			if placeholderRe.ReplaceAllString(token, "") != "" {
				return Definition{}, fmt.Errorf("tool %q: placeholder must be a whole token in exec mode, got %q", raw.Name, token)
			}
			continue
		}
		command = append(command, token)
	}
	if len(command) == 0 {
		return Definition{}, fmt.Errorf("tool %q: exec template has no program", raw.Name)
	}

	params, stdinName, err := sugarParameters(raw, placeholders, nil)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Name:           raw.Name,
		Command:        command,
		Parameters:     params,
		StdinParameter: stdinName,
		TimeoutMs:      raw.TimeoutMs,
	}, nil
}

// normalizeShell expands a shell: template into sh -c <script> -- <args>.
// Each placeholder is rewritten as a positional parameter reference,
// double-quoted unless the :raw modifier opted out.
func normalizeShell(raw RawDefinition) (Definition, error) {
	placeholders := scanPlaceholders(raw.Shell)
	index := make(map[string]int, len(placeholders))
	for i, ph := range placeholders {
		index[ph.name] = i + 1 // $1-based; $0 is the "--" sentinel.
	}

	script := placeholderRe.ReplaceAllStringFunc(raw.Shell, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		n := index[sub[1]]
		if sub[2] != "" {
			return fmt.Sprintf("$%d", n)
		}
		return fmt.Sprintf("\"$%d\"", n)
	})

	params, stdinName, err := sugarParameters(raw, placeholders, index)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Name:           raw.Name,
		Command:        []string{"sh", "-c", script, "--"},
		Parameters:     params,
		StdinParameter: stdinName,
		TimeoutMs:      raw.TimeoutMs,
	}, nil
}

// sugarParameters builds the implicit parameter list for a sugar template:
// one argument parameter per placeholder (positional), plus an optional
// stdin parameter from the stdin: key. Explicit parameters: entries may
// refine description, type and required — never inject_as.
func sugarParameters(raw RawDefinition, placeholders []templatePlaceholder, index map[string]int) ([]Parameter, string, error) {
	overrides := make(map[string]Parameter, len(raw.Parameters))
	for _, p := range raw.Parameters {
		if p.InjectAs != "" {
			return nil, "", fmt.Errorf("tool %q parameter %q: inject_as cannot be overridden in a sugar definition", raw.Name, p.Name)
		}
		overrides[p.Name] = p
	}

	var params []Parameter
	for i, ph := range placeholders {
		pos := i
		p := Parameter{
			Name:     ph.name,
			Type:     "string",
			InjectAs: InjectArgument,
			Position: &pos,
		}
		if ov, ok := overrides[ph.name]; ok {
			if ov.Description != "" {
				p.Description = ov.Description
			}
			if ov.Type != "" {
				p.Type = ov.Type
			}
			p.Required = ov.Required
			delete(overrides, ph.name)
		}
		params = append(params, p)
	}

	stdinName := ""
	if raw.Stdin != "" {
		for _, ph := range placeholders {
			if ph.name == raw.Stdin {
				return nil, "", fmt.Errorf("tool %q: stdin parameter %q also appears as a template placeholder", raw.Name, raw.Stdin)
			}
		}
		p := Parameter{Name: raw.Stdin, Type: "string", InjectAs: InjectStdin}
		if ov, ok := overrides[raw.Stdin]; ok {
			p.Description = ov.Description
			p.Required = ov.Required
			delete(overrides, raw.Stdin)
		}
		params = append(params, p)
		stdinName = raw.Stdin
	}

	for name := range overrides {
		return nil, "", fmt.Errorf("tool %q: parameters entry %q does not match any template placeholder", raw.Name, name)
	}
	return params, stdinName, nil
}
