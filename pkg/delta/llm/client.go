// Package llm – client.go implements the chat completions client. Uses the
// OpenAI-compatible API format, which works with OpenAI, Anthropic proxies
// and any compatible endpoint.
//
// The client is deliberately thin: no streaming, no retries, no rate
// limiting. A transport failure is fatal for the engine iteration that
// issued it; layering a retry policy belongs to a wrapper, not here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client handles communication with the LLM provider API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the given endpoint and key.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

// Chat marshals the request and sends it. Convenience wrapper over
// ChatBytes for callers without a hook-modified payload.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling chat request: %w", err)
	}
	return c.ChatBytes(ctx, body)
}

// ChatBytes sends a pre-marshaled request body verbatim and returns the
// parsed first choice alongside the raw response bytes. The engine uses
// this path so hook-overridden payloads reach the wire byte-for-byte and
// so the audit store captures exact bytes in both directions.
func (c *Client) ChatBytes(ctx context.Context, payload []byte) (*ChatResponse, []byte, error) {
	if c.apiKey == "" {
		return nil, nil, fmt.Errorf("API key not configured. Set DELTA_API_KEY or OPENAI_API_KEY")
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"endpoint", endpoint,
		"payload_bytes", len(payload),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 200),
		)
		return nil, respBody, fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var wire chatWireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, respBody, fmt.Errorf("parsing response: %w", err)
	}
	if wire.Error != nil {
		return nil, respBody, fmt.Errorf("API error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, respBody, fmt.Errorf("no response from model")
	}

	msg := wire.Choices[0].Message
	out := &ChatResponse{
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		Model:     wire.Model,
		Usage:     wire.Usage,
	}

	c.logger.Info("chat completion done",
		"model", wire.Model,
		"duration_ms", duration.Milliseconds(),
		"tool_calls", len(msg.ToolCalls),
		"prompt_tokens", wire.Usage.PromptTokens,
		"completion_tokens", wire.Usage.CompletionTokens,
	)
	return out, respBody, nil
}

// truncate returns the first n characters of s, adding "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
