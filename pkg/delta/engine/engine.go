// Package engine – engine.go implements the Think→Act→Observe loop that
// orchestrates the journal, the context composer, the tool executor, the
// hook runner and the human-interaction broker.
//
// The loop is strictly sequential: at any instant it is building context,
// calling the LLM, executing one tool or hook, or writing the journal.
// Tool calls from a single response run in the order the model returned
// them. Everything recoverable becomes a journal event and an observation;
// only configuration errors, journal corruption and LLM transport failures
// propagate out.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/delta/pkg/delta/agent"
	"github.com/jholhewres/delta/pkg/delta/audit"
	"github.com/jholhewres/delta/pkg/delta/composer"
	"github.com/jholhewres/delta/pkg/delta/hook"
	"github.com/jholhewres/delta/pkg/delta/interaction"
	"github.com/jholhewres/delta/pkg/delta/janitor"
	"github.com/jholhewres/delta/pkg/delta/journal"
	"github.com/jholhewres/delta/pkg/delta/llm"
	"github.com/jholhewres/delta/pkg/delta/tool"
)

// AskHumanToolName is the built-in tool that pauses for human input.
const AskHumanToolName = "ask_human"

// DefaultObservationLimit caps observation strings injected into the
// journal. The audit store always keeps the full text.
const DefaultObservationLimit = 5 * 1024

// Process exit codes, an external contract tooling depends on.
const (
	ExitCompleted       = 0
	ExitFailed          = 1
	ExitWaitingForInput = 101
)

// ChatClient is the LLM collaborator surface. The payload is pre-marshaled
// so hook overrides reach the wire byte-for-byte.
type ChatClient interface {
	ChatBytes(ctx context.Context, payload []byte) (*llm.ChatResponse, []byte, error)
}

// Options configure one engine run.
type Options struct {
	// WorkspaceDir is the run working directory; .delta/ is created inside.
	WorkspaceDir string
	// RunID resumes an existing run or names a new one; empty generates one.
	RunID string
	// Task is the user task for a new run; ignored on resume.
	Task string
	// AgentRef identifies the agent in metadata and the journal.
	AgentRef string
	// Interactive answers ask_human inline instead of pausing.
	Interactive bool
	// Force permits cross-host janitor recovery.
	Force bool
	// ObservationLimit overrides DefaultObservationLimit when positive.
	ObservationLimit int
	// Logger receives setup-time messages before engine.log exists.
	Logger *slog.Logger
}

// Result is the terminal outcome of Run.
type Result struct {
	Status        journal.RunStatus
	FinalResponse string
	ExitCode      int
	Err           error
}

// loopExit is the typed reason the iteration loop stopped.
type loopExit struct {
	status   journal.RunStatus
	response string
	err      error
}

// Engine executes one run. Per-process state is confined to one instance;
// there is no package-level mutable state.
type Engine struct {
	cfg      *agent.Config
	manifest *agent.Manifest
	client   ChatClient
	opts     Options

	dir      RunDir
	jr       *journal.Journal
	meta     *journal.MetadataStore
	auditor  *audit.Store
	hooks    *hook.Runner
	executor *tool.Executor
	broker   *interaction.Broker
	comp     *composer.Composer

	logger  *slog.Logger
	logFile *os.File

	seq        uint64
	iterations uint32
	resumed    bool
}

// New prepares a run: directory, metadata (with janitor triage on resume),
// journal, and the component wiring. The caller must Close the engine
// (Run does it on every path).
func New(cfg *agent.Config, manifest *agent.Manifest, client ChatClient, opts Options) (*Engine, error) {
	if opts.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	workspace, err := filepath.Abs(opts.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	opts.WorkspaceDir = workspace
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.ObservationLimit <= 0 {
		opts.ObservationLimit = DefaultObservationLimit
	}
	setupLogger := opts.Logger
	if setupLogger == nil {
		setupLogger = slog.Default()
	}

	dir := RunDir{WorkspaceDir: workspace, RunID: opts.RunID}
	meta := journal.NewMetadataStore(dir.MetadataPath())

	e := &Engine{
		cfg:      cfg,
		manifest: manifest,
		client:   client,
		opts:     opts,
		dir:      dir,
		meta:     meta,
	}

	if meta.Exists() {
		if err := e.prepareResume(setupLogger); err != nil {
			return nil, err
		}
	} else {
		if err := e.prepareNew(setupLogger); err != nil {
			return nil, err
		}
	}

	if err := e.openLog(); err != nil {
		return nil, err
	}

	e.jr, err = journal.Open(dir.JournalPath(), e.logger)
	if err != nil {
		e.closeLog()
		return nil, err
	}
	e.seq = e.jr.LastSeq()
	e.resumed = e.seq > 0

	m, err := meta.Read()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.iterations = m.IterationsCompleted

	e.auditor = audit.NewStore(dir.Root(), e.logger)
	e.hooks = hook.NewRunner(e.auditor.HooksDir(), workspace, opts.RunID, e.logger)
	e.executor = tool.NewExecutor(workspace, cfg.AgentHome, e.logger)
	e.broker = interaction.NewBroker(dir.InteractionDir(), e.logger)
	e.comp = composer.New(manifest, cfg.AgentHome, workspace, opts.RunID, e.logger)

	e.logger.Info("engine ready",
		"run_id", opts.RunID,
		"agent", cfg.Name,
		"model", cfg.LLM.Model,
		"resumed", e.resumed,
		"interactive", opts.Interactive,
		"max_iterations", cfg.MaxIterations,
	)
	return e, nil
}

// prepareNew creates the run directory and metadata for a fresh run.
func (e *Engine) prepareNew(logger *slog.Logger) error {
	if e.opts.Task == "" {
		return fmt.Errorf("a task is required to start a new run")
	}
	if err := e.dir.Create(); err != nil {
		return err
	}
	// Metadata is created before the first journal write, status RUNNING.
	if _, err := e.meta.Initialize(e.opts.RunID, e.opts.AgentRef, e.opts.Task); err != nil {
		return err
	}
	logger.Info("run created", "run_id", e.opts.RunID, "workspace", e.opts.WorkspaceDir)
	return nil
}

// prepareResume triages a RUNNING run, refuses finished ones, and takes
// ownership of the metadata for this process.
func (e *Engine) prepareResume(logger *slog.Logger) error {
	m, err := janitor.Triage(e.meta, e.opts.Force, logger)
	if err != nil {
		return err
	}
	switch m.Status {
	case journal.StatusCompleted, journal.StatusFailed:
		return fmt.Errorf("run %s already finished with status %s", m.RunID, m.Status)
	}

	hostname, _ := os.Hostname()
	_, err = e.meta.Update(func(m *journal.Metadata) {
		m.Status = journal.StatusRunning
		m.PID = os.Getpid()
		m.Hostname = hostname
		m.ProcessName = filepath.Base(os.Args[0])
		m.EndTime = ""
		m.Error = ""
	})
	if err != nil {
		return err
	}
	e.opts.Task = m.Task
	logger.Info("resuming run", "run_id", m.RunID, "prior_status", m.Status)
	return nil
}

func (e *Engine) openLog() error {
	f, err := os.OpenFile(e.dir.EngineLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening engine.log: %w", err)
	}
	e.logFile = f
	e.logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return nil
}

func (e *Engine) closeLog() {
	if e.logFile != nil {
		e.logFile.Close()
		e.logFile = nil
	}
}

// Close releases the journal and log handles. Safe to call twice.
func (e *Engine) Close() {
	if e.jr != nil {
		e.jr.Close()
		e.jr = nil
	}
	e.closeLog()
}

// Run drives the loop to a terminal state or an orderly pause.
func (e *Engine) Run(ctx context.Context) Result {
	defer e.Close()

	if !e.resumed {
		if err := e.append(journal.EventRunStart, journal.RunStartPayload{
			Task:     e.opts.Task,
			AgentRef: e.opts.AgentRef,
		}); err != nil {
			return e.fatal(ctx, err)
		}
	} else if err := e.settlePendingAskHuman(); err != nil {
		return e.fatal(ctx, err)
	}

	for {
		exit := e.iterate(ctx)
		if exit == nil {
			continue
		}
		switch exit.status {
		case journal.StatusCompleted:
			return e.complete(ctx, exit.response)
		case journal.StatusWaitingForInput:
			return e.pause()
		default:
			return e.fatal(ctx, exit.err)
		}
	}
}

// iterate performs one Think→Act→Observe cycle. A nil return means the
// loop continues.
func (e *Engine) iterate(ctx context.Context) *loopExit {
	events, err := e.jr.ReadAll()
	if err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}

	messages, err := e.comp.Build(ctx, events)
	if err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}

	req := &llm.ChatRequest{
		Model:       e.cfg.LLM.Model,
		Temperature: e.cfg.LLM.EffectiveTemperature(),
		MaxTokens:   e.cfg.LLM.MaxTokens,
		Messages:    messages,
		Tools:       e.toolSchemas(),
	}
	baseline, err := json.Marshal(req)
	if err != nil {
		return &loopExit{status: journal.StatusFailed, err: fmt.Errorf("marshaling LLM request: %w", err)}
	}

	// pre_llm_req may replace the payload; any failure means baseline.
	effective := baseline
	if out := e.runHook(ctx, hook.PhasePreLLMReq, baseline); out != nil && out.Success && out.FinalPayload != nil {
		effective = out.FinalPayload
		e.logger.Info("pre_llm_req hook overrode the request payload", "bytes", len(effective))
	}

	invID := e.auditor.NewInvocationID()
	e.auditor.CaptureInvocationRequest(invID, effective)

	llmStart := time.Now()
	resp, raw, err := e.client.ChatBytes(ctx, effective)
	llmEnd := time.Now()
	if raw != nil || err == nil {
		invMeta := audit.InvocationMeta{
			InvocationID: invID,
			Model:        e.cfg.LLM.Model,
			StartTime:    llmStart.UTC().Format(time.RFC3339Nano),
			EndTime:      llmEnd.UTC().Format(time.RFC3339Nano),
			DurationMs:   llmEnd.Sub(llmStart).Milliseconds(),
		}
		if resp != nil {
			invMeta.Usage = resp.Usage
		}
		e.auditor.CaptureInvocationResponse(invID, raw, invMeta)
	}
	if err != nil {
		return &loopExit{status: journal.StatusFailed, err: fmt.Errorf("LLM call failed: %w", err)}
	}
	e.logger.Info("LLM call finished",
		"invocation_id", invID,
		"latency_ms", llmEnd.Sub(llmStart).Milliseconds(),
		"tool_calls", len(resp.ToolCalls),
	)

	if aerr := e.append(journal.EventThought, journal.ThoughtPayload{
		Content:          resp.Content,
		LLMInvocationRef: invID,
	}); aerr != nil {
		return &loopExit{status: journal.StatusFailed, err: aerr}
	}

	if len(resp.ToolCalls) == 0 {
		return &loopExit{status: journal.StatusCompleted, response: resp.Content}
	}

	e.runHook(ctx, hook.PhasePostLLMResp, mustJSON(map[string]any{
		"content":    resp.Content,
		"tool_calls": resp.ToolCalls,
	}))

	for _, tc := range resp.ToolCalls {
		if exit := e.act(ctx, tc); exit != nil {
			return exit
		}
	}

	// The Act step is complete: every ACTION_RESULT for this iteration is
	// in the journal before the counter moves.
	e.iterations++
	if _, err := e.meta.Update(func(m *journal.Metadata) {
		m.IterationsCompleted = e.iterations
	}); err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}

	e.logger.Info("iteration complete",
		"iteration", e.iterations,
		"tool_calls", len(resp.ToolCalls),
	)

	if int(e.iterations) >= e.cfg.MaxIterations {
		return &loopExit{status: journal.StatusCompleted, response: "Maximum iterations reached"}
	}
	return nil
}

// act processes one tool call: request event, hooks, execution or human
// hand-off, result event.
func (e *Engine) act(ctx context.Context, tc llm.ToolCall) *loopExit {
	args := llm.NormalizeToolArguments(tc.Function.Arguments)
	name := tc.Function.Name

	def, found := e.cfg.Tool(name)
	resolved := name
	if found {
		if inv, err := tool.BuildInvocation(def, args, e.cfg.AgentHome); err == nil {
			resolved = tool.HumanCommand(inv)
		}
	}

	if err := e.append(journal.EventActionRequest, journal.ActionRequestPayload{
		ActionID:        tc.ID,
		ToolName:        name,
		ToolArgs:        args,
		ResolvedCommand: resolved,
	}); err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}

	// The built-in wins only when the agent did not define its own.
	if name == AskHumanToolName && !found {
		return e.actAskHuman(tc.ID, args)
	}

	preOut := e.runHook(ctx, hook.PhasePreToolExec, mustJSON(map[string]any{
		"tool_name":        name,
		"tool_args":        args,
		"resolved_command": resolved,
	}))
	if preOut != nil && preOut.Control != nil && preOut.Control.Skip {
		e.logger.Info("tool execution skipped by pre_tool_exec hook", "tool", name)
		if err := e.appendResult(tc.ID, journal.ActionSuccess, "skipped by pre_tool_exec hook", nil); err != nil {
			return &loopExit{status: journal.StatusFailed, err: err}
		}
		e.runHook(ctx, hook.PhasePostToolExec, mustJSON(map[string]any{
			"tool_name": name,
			"status":    string(journal.ActionSuccess),
			"skipped":   true,
		}))
		return nil
	}

	if !found {
		if err := e.appendResult(tc.ID, journal.ActionError, "Tool not found: "+name, nil); err != nil {
			return &loopExit{status: journal.StatusFailed, err: err}
		}
		return nil
	}

	res := e.executor.Execute(ctx, def, args)
	execID := e.auditor.NewExecutionID()
	e.auditor.CaptureToolExecution(execID, audit.ToolExecution{
		Argv:       res.Argv,
		Stdin:      res.Stdin,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
	})

	status := journal.ActionFailed
	switch {
	case res.SpawnError != "":
		status = journal.ActionError
	case res.Success:
		status = journal.ActionSuccess
	}

	observation := tool.Observation(res, e.opts.ObservationLimit)
	if err := e.appendResult(tc.ID, status, observation, &execID); err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}

	e.runHook(ctx, hook.PhasePostToolExec, mustJSON(map[string]any{
		"tool_name":     name,
		"status":        string(status),
		"exit_code":     res.ExitCode,
		"duration_ms":   res.DurationMs,
		"execution_ref": execID,
	}))
	return nil
}

// actAskHuman answers inline in interactive mode, otherwise records the
// request and pauses the run with no ACTION_RESULT.
func (e *Engine) actAskHuman(actionID string, rawArgs map[string]any) *loopExit {
	args, err := interaction.ParseArgs(rawArgs)
	if err != nil {
		if aerr := e.appendResult(actionID, journal.ActionError, err.Error(), nil); aerr != nil {
			return &loopExit{status: journal.StatusFailed, err: aerr}
		}
		return nil
	}

	if e.opts.Interactive {
		answer, err := e.broker.AskInteractive(args)
		if err == nil {
			if aerr := e.appendResult(actionID, journal.ActionSuccess, answer, nil); aerr != nil {
				return &loopExit{status: journal.StatusFailed, err: aerr}
			}
			return nil
		}
		e.logger.Warn("interactive prompt unavailable, pausing instead", "error", err)
	}

	if _, err := e.broker.WriteRequest(args); err != nil {
		return &loopExit{status: journal.StatusFailed, err: err}
	}
	return &loopExit{status: journal.StatusWaitingForInput}
}

// settlePendingAskHuman resolves a pending ask_human exchange on resume.
// With a response on disk the ACTION_RESULT is appended and the exchange
// files removed; without one, execution proceeds and the model re-decides.
func (e *Engine) settlePendingAskHuman() error {
	events, err := e.jr.ReadAll()
	if err != nil {
		return err
	}

	answered := make(map[string]bool)
	var pending *journal.ActionRequestPayload
	for _, ev := range events {
		switch ev.Type {
		case journal.EventActionResult:
			var p journal.ActionResultPayload
			if err := journal.DecodePayload(ev, &p); err == nil {
				answered[p.ActionID] = true
			}
		case journal.EventActionRequest:
			var p journal.ActionRequestPayload
			if err := journal.DecodePayload(ev, &p); err == nil && p.ToolName == AskHumanToolName {
				pending = &p
			}
		}
	}
	if pending == nil || answered[pending.ActionID] {
		return nil
	}

	answer, ok, err := e.broker.TakeResponse()
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("no human response yet, continuing without it",
			"action_id", pending.ActionID,
		)
		return nil
	}

	e.logger.Info("human response received", "action_id", pending.ActionID)
	return e.appendResult(pending.ActionID, journal.ActionSuccess, answer, nil)
}

// runHook invokes the configured hook for a phase, records the audit event
// and degrades failures to a WARN. Returns nil when the phase has no hook.
func (e *Engine) runHook(ctx context.Context, phase hook.Phase, payload []byte) *hook.Outcome {
	spec, ok := e.cfg.Hook(phase)
	if !ok {
		return nil
	}

	out := e.hooks.Invoke(ctx, phase, spec, e.seq+1, payload)

	status := "SUCCESS"
	if !out.Success {
		status = "FAILED"
	}
	ref := out.Dir
	if rel, err := filepath.Rel(e.dir.Root(), out.Dir); err == nil {
		ref = rel
	}
	if err := e.append(journal.EventHookExecutionAudit, journal.HookExecutionAuditPayload{
		HookName:   string(phase),
		Status:     status,
		IOPathRef:  ref,
		DurationMs: out.DurationMs,
	}); err != nil {
		e.logger.Error("failed to record hook audit event", "phase", phase, "error", err)
	}

	if !out.Success {
		msg := fmt.Sprintf("hook %s failed: %v", phase, out.Err)
		e.logger.Warn(msg)
		if err := e.append(journal.EventSystemMessage, journal.SystemMessagePayload{
			Level:   "WARN",
			Message: msg,
		}); err != nil {
			e.logger.Error("failed to record hook warning", "phase", phase, "error", err)
		}
	}
	return &out
}

// complete finishes the run: on_run_end, RUN_END, metadata.
func (e *Engine) complete(ctx context.Context, finalResponse string) Result {
	e.runHook(ctx, hook.PhaseOnRunEnd, mustJSON(map[string]any{
		"status":         string(journal.StatusCompleted),
		"final_response": finalResponse,
		"iterations":     e.iterations,
	}))

	if err := e.append(journal.EventRunEnd, journal.RunEndPayload{
		Status:        journal.StatusCompleted,
		FinalResponse: finalResponse,
	}); err != nil {
		return e.fatal(ctx, err)
	}
	if _, err := e.meta.Update(func(m *journal.Metadata) {
		m.Status = journal.StatusCompleted
		m.EndTime = nowUTC()
	}); err != nil {
		return e.fatal(ctx, err)
	}

	e.logger.Info("run completed",
		"iterations", e.iterations,
		"response_len", len(finalResponse),
	)
	return Result{Status: journal.StatusCompleted, FinalResponse: finalResponse, ExitCode: ExitCompleted}
}

// pause is the orderly WAITING_FOR_INPUT exit: metadata only, no RUN_END.
func (e *Engine) pause() Result {
	if _, err := e.meta.Update(func(m *journal.Metadata) {
		m.Status = journal.StatusWaitingForInput
		m.EndTime = nowUTC()
	}); err != nil {
		e.logger.Error("failed to mark run waiting", "error", err)
	}
	e.logger.Info("run paused for human input", "run_id", e.opts.RunID)
	return Result{Status: journal.StatusWaitingForInput, ExitCode: ExitWaitingForInput}
}

// fatal handles unrecoverable failures: on_error hook, ERROR system
// message, on_run_end, RUN_END(FAILED), metadata. Journal writes here are
// best-effort — the original error is what propagates.
func (e *Engine) fatal(ctx context.Context, cause error) Result {
	e.logger.Error("run failed", "error", cause)

	e.runHook(ctx, hook.PhaseOnError, mustJSON(map[string]any{
		"error_type": fmt.Sprintf("%T", cause),
		"message":    cause.Error(),
		"run_id":     e.opts.RunID,
		"iterations": e.iterations,
		"seq":        e.seq,
	}))

	if err := e.append(journal.EventSystemMessage, journal.SystemMessagePayload{
		Level:   "ERROR",
		Message: cause.Error(),
	}); err != nil {
		e.logger.Error("failed to record error event", "error", err)
	}

	e.runHook(ctx, hook.PhaseOnRunEnd, mustJSON(map[string]any{
		"status": string(journal.StatusFailed),
		"error":  cause.Error(),
	}))

	if err := e.append(journal.EventRunEnd, journal.RunEndPayload{
		Status: journal.StatusFailed,
		Error:  cause.Error(),
	}); err != nil {
		e.logger.Error("failed to record RUN_END", "error", err)
	}
	if _, err := e.meta.Update(func(m *journal.Metadata) {
		m.Status = journal.StatusFailed
		m.EndTime = nowUTC()
		m.Error = cause.Error()
	}); err != nil {
		e.logger.Error("failed to update metadata", "error", err)
	}
	return Result{Status: journal.StatusFailed, ExitCode: ExitFailed, Err: cause}
}

// toolSchemas advertises the configured tools plus the ask_human built-in.
func (e *Engine) toolSchemas() []llm.Tool {
	tools := make([]llm.Tool, 0, len(e.cfg.Tools)+1)
	hasAskHuman := false
	for _, def := range e.cfg.Tools {
		if def.Name == AskHumanToolName {
			hasAskHuman = true
			e.logger.Warn("agent defines its own ask_human tool; built-in disabled")
		}
		props, required := tool.SchemaProperties(def)
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name: def.Name,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	if !hasAskHuman {
		tools = append(tools, askHumanSchema())
	}
	return tools
}

func askHumanSchema() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        AskHumanToolName,
			Description: "Ask the human operator a question and wait for the answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "The question to ask.",
					},
					"input_type": map[string]any{
						"type": "string",
						"enum": []string{interaction.InputText, interaction.InputPassword, interaction.InputConfirmation},
					},
					"sensitive": map[string]any{
						"type": "boolean",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// append assigns the next seq and writes one event.
func (e *Engine) append(typ journal.EventType, payload any) error {
	ev, err := journal.NewEvent(e.seq+1, typ, payload)
	if err != nil {
		return err
	}
	if err := e.jr.Append(ev); err != nil {
		return err
	}
	e.seq++
	return nil
}

func (e *Engine) appendResult(actionID string, status journal.ActionStatus, observation string, executionRef *string) error {
	return e.append(journal.EventActionResult, journal.ActionResultPayload{
		ActionID:           actionID,
		Status:             status,
		ObservationContent: observation,
		ExecutionRef:       executionRef,
	})
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
