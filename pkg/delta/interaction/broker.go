// Package interaction implements the built-in ask_human tool.
//
// Interactive mode prompts on the controlling terminal: plain line input,
// echo-suppressed password input, or a yes/no confirmation. Async mode
// leaves a request.json in the run's interaction/ directory and lets the
// engine pause the run; a later invocation picks up response.txt and
// settles the pending action.
package interaction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// Input types accepted by ask_human.
const (
	InputText         = "text"
	InputPassword     = "password"
	InputConfirmation = "confirmation"
)

// File names inside the interaction directory.
const (
	RequestFileName  = "request.json"
	ResponseFileName = "response.txt"
)

// Args are the ask_human tool arguments after normalization.
type Args struct {
	Prompt    string
	InputType string
	Sensitive bool
}

// ParseArgs applies the ask_human defaults to raw tool arguments.
func ParseArgs(raw map[string]any) (Args, error) {
	args := Args{InputType: InputText}
	if v, ok := raw["prompt"].(string); ok {
		args.Prompt = v
	}
	if args.Prompt == "" {
		return args, fmt.Errorf("ask_human requires a prompt")
	}
	if v, ok := raw["input_type"].(string); ok && v != "" {
		args.InputType = v
	}
	switch args.InputType {
	case InputText, InputPassword, InputConfirmation:
	default:
		return args, fmt.Errorf("ask_human: unknown input_type %q", args.InputType)
	}
	if v, ok := raw["sensitive"].(bool); ok {
		args.Sensitive = v
	}
	return args, nil
}

// Request is the document written for the async exchange.
type Request struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	Prompt    string `json:"prompt"`
	InputType string `json:"input_type"`
	Sensitive bool   `json:"sensitive"`
}

// Broker mediates one run's human exchanges.
type Broker struct {
	// Dir is the run's interaction/ directory.
	Dir    string
	Logger *slog.Logger
}

// NewBroker creates a broker over the given interaction directory.
func NewBroker(dir string, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{Dir: dir, Logger: logger.With("component", "interaction")}
}

// AskInteractive prompts on the controlling terminal and returns the
// answer. Fails when stdin is not a terminal so the engine can fall back
// to the async exchange.
func (b *Broker) AskInteractive(args Args) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	switch args.InputType {
	case InputConfirmation:
		return b.askConfirmation(args.Prompt)
	case InputPassword:
		return b.askPassword(args.Prompt)
	default:
		return b.askLine(args.Prompt)
	}
}

func (b *Broker) askLine(prompt string) (string, error) {
	rl, err := readline.New(prompt + " ")
	if err != nil {
		return "", fmt.Errorf("opening terminal: %w", err)
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (b *Broker) askPassword(prompt string) (string, error) {
	rl, err := readline.New("")
	if err != nil {
		return "", fmt.Errorf("opening terminal: %w", err)
	}
	defer rl.Close()

	pw, err := rl.ReadPassword(prompt + " ")
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func (b *Broker) askConfirmation(prompt string) (string, error) {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(prompt).
			Affirmative("yes").
			Negative("no").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if confirmed {
		return "yes", nil
	}
	return "no", nil
}

// WriteRequest records the async request document. Any stale exchange from
// a previous pause is overwritten.
func (b *Broker) WriteRequest(args Args) (*Request, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating interaction directory: %w", err)
	}
	req := &Request{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Prompt:    args.Prompt,
		InputType: args.InputType,
		Sensitive: args.Sensitive,
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling interaction request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.Dir, RequestFileName), append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing interaction request: %w", err)
	}
	b.Logger.Info("human input requested, pausing run",
		"request_id", req.RequestID,
		"input_type", req.InputType,
	)
	return req, nil
}

// TakeResponse consumes a pending response.txt, if present. The trimmed
// content becomes the observation; both exchange files are deleted so the
// next pause starts clean.
func (b *Broker) TakeResponse() (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, ResponseFileName))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading interaction response: %w", err)
	}
	answer := strings.TrimSpace(string(data))

	for _, name := range []string{RequestFileName, ResponseFileName} {
		if err := os.Remove(filepath.Join(b.Dir, name)); err != nil && !os.IsNotExist(err) {
			b.Logger.Warn("removing interaction file", "file", name, "error", err)
		}
	}
	return answer, true, nil
}
