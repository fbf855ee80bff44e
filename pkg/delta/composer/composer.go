// Package composer deterministically rebuilds the model's input from the
// context manifest and the journal. Sources are evaluated in declaration
// order and their outputs concatenated; given identical bytes on disk the
// build returns identical bytes. Generator subprocesses are allowed to be
// non-deterministic — the build takes whatever they produced at that
// moment.
package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/delta/pkg/delta/agent"
	"github.com/jholhewres/delta/pkg/delta/journal"
	"github.com/jholhewres/delta/pkg/delta/llm"
)

// pendingObservation stands in for an ACTION_REQUEST that has no result
// yet, which can only happen for a still-pending ask_human.
const pendingObservation = "(awaiting human input)"

// Composer builds the message list for one run.
type Composer struct {
	Manifest     *agent.Manifest
	AgentHome    string
	WorkspaceDir string
	RunID        string
	Logger       *slog.Logger
}

// New creates a composer for one run.
func New(manifest *agent.Manifest, agentHome, workspaceDir, runID string, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		Manifest:     manifest,
		AgentHome:    agentHome,
		WorkspaceDir: workspaceDir,
		RunID:        runID,
		Logger:       logger.With("component", "composer"),
	}
}

// Build evaluates every source in order. When the manifest has no explicit
// journal source, the full conversation replay is appended anyway — agents
// that omit it still need their history.
func (c *Composer) Build(ctx context.Context, events []journal.Event) ([]llm.Message, error) {
	var messages []llm.Message

	for i, src := range c.Manifest.Sources {
		var (
			out []llm.Message
			err error
		)
		switch src.Type {
		case agent.SourceFile:
			out, err = c.buildFile(src)
		case agent.SourceComputedFile:
			out, err = c.buildComputedFile(ctx, src)
		case agent.SourceJournal:
			out = c.buildJournal(events, src.MaxIterations)
		default:
			err = fmt.Errorf("unknown source type %q", src.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("context source %d (%s): %w", i, src.Type, err)
		}
		messages = append(messages, out...)
	}

	if !c.Manifest.HasJournalSource() {
		messages = append(messages, c.buildJournal(events, 0)...)
	}
	return messages, nil
}

// buildFile reads a file source and wraps it as one system message.
func (c *Composer) buildFile(src agent.ContextSource) ([]llm.Message, error) {
	path := c.expand(src.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && src.OnMissing == agent.MissingSkip {
			c.Logger.Debug("context file missing, skipping", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return []llm.Message{c.wrapBlock(src, path, data)}, nil
}

// buildComputedFile runs the generator, then reads the output path like a
// file source. A failed or timed-out generator makes the output "missing"
// and the on_missing policy applies.
func (c *Composer) buildComputedFile(ctx context.Context, src agent.ContextSource) ([]llm.Message, error) {
	if err := c.runGenerator(ctx, src); err != nil {
		if src.OnMissing == agent.MissingSkip {
			c.Logger.Warn("context generator failed, skipping source", "error", err)
			return nil, nil
		}
		return nil, err
	}

	path := c.expand(src.OutputPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && src.OnMissing == agent.MissingSkip {
			c.Logger.Warn("generator produced no output, skipping", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("reading generator output %s: %w", path, err)
	}
	return []llm.Message{c.wrapBlock(src, path, data)}, nil
}

// runGenerator spawns the generator subprocess. Its stdout/stderr go to
// the engine log for debugging; they never enter the model context.
func (c *Composer) runGenerator(ctx context.Context, src agent.ContextSource) error {
	argv := make([]string, len(src.Generator.Command))
	for i, part := range src.Generator.Command {
		argv[i] = c.expand(part)
	}

	timeout := time.Duration(src.Generator.TimeoutMs) * time.Millisecond
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(genCtx, argv[0], argv[1:]...)
	cmd.Dir = c.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"DELTA_RUN_ID="+c.RunID,
		"DELTA_AGENT_HOME="+c.AgentHome,
		"DELTA_CWD="+c.WorkspaceDir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.Logger.Debug("context generator finished",
		"program", argv[0],
		"duration_ms", time.Since(start).Milliseconds(),
		"stdout", strings.TrimSpace(stdout.String()),
		"stderr", strings.TrimSpace(stderr.String()),
	)
	if err != nil {
		return fmt.Errorf("generator %s: %w", argv[0], err)
	}
	return nil
}

// wrapBlock renders the canonical context-block system message.
func (c *Composer) wrapBlock(src agent.ContextSource, path string, data []byte) llm.Message {
	id := src.ID
	if id == "" {
		id = filepath.Base(path)
	}
	return llm.Message{
		Role:    "system",
		Content: fmt.Sprintf("# Context Block: %s\n\n%s", id, string(data)),
	}
}

// thoughtGroup is one THOUGHT event with the ACTION_REQUESTs that follow
// it, up to the next THOUGHT.
type thoughtGroup struct {
	content  string
	requests []journal.ActionRequestPayload
}

// buildJournal reconstructs the conversation so far as assistant/tool
// messages. maxIterations > 0 keeps only the last N thought groups.
func (c *Composer) buildJournal(events []journal.Event, maxIterations int) []llm.Message {
	var (
		task    string
		hasTask bool
		groups  []thoughtGroup
		results = make(map[string]journal.ActionResultPayload)
	)

	for _, ev := range events {
		switch ev.Type {
		case journal.EventRunStart:
			var p journal.RunStartPayload
			if err := journal.DecodePayload(ev, &p); err == nil {
				task = p.Task
				hasTask = true
			}
		case journal.EventThought:
			var p journal.ThoughtPayload
			if err := journal.DecodePayload(ev, &p); err == nil {
				groups = append(groups, thoughtGroup{content: p.Content})
			}
		case journal.EventActionRequest:
			var p journal.ActionRequestPayload
			if err := journal.DecodePayload(ev, &p); err == nil && len(groups) > 0 {
				g := &groups[len(groups)-1]
				g.requests = append(g.requests, p)
			}
		case journal.EventActionResult:
			var p journal.ActionResultPayload
			if err := journal.DecodePayload(ev, &p); err == nil {
				results[p.ActionID] = p
			}
		}
	}

	if maxIterations > 0 && len(groups) > maxIterations {
		groups = groups[len(groups)-maxIterations:]
	}

	var messages []llm.Message
	if hasTask {
		messages = append(messages, llm.Message{Role: "user", Content: task})
	}

	for _, g := range groups {
		assistant := llm.Message{Role: "assistant", Content: g.content}
		for _, req := range g.requests {
			assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
				ID:   req.ActionID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      req.ToolName,
					Arguments: marshalArgs(req.ToolArgs),
				},
			})
		}
		messages = append(messages, assistant)

		for _, req := range g.requests {
			content := pendingObservation
			if res, ok := results[req.ActionID]; ok {
				content = res.ObservationContent
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: req.ActionID,
				Content:    content,
			})
		}
	}
	return messages
}

// marshalArgs renders tool arguments deterministically (encoding/json
// sorts map keys).
func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// expand substitutes the path variables ${AGENT_HOME} and ${CWD}.
func (c *Composer) expand(s string) string {
	s = strings.ReplaceAll(s, "${AGENT_HOME}", c.AgentHome)
	s = strings.ReplaceAll(s, "${CWD}", c.WorkspaceDir)
	return s
}
