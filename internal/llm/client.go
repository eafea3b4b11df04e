// Package llm implements the unified RPC client for remote model servers.
// The wire contract is an OpenAI-compatible chat completion: system prompt,
// prior turns, user message, and tool definitions in; text content plus
// zero or more structured tool calls out. Malformed tool calls are
// preserved verbatim; repair belongs to the tool executor.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autonomy/internal/config"
	"autonomy/internal/logging"
	"autonomy/internal/types"
)

// ErrHostsExhausted is returned once every configured host has failed at
// the transport level. The client never returns a partial response.
var ErrHostsExhausted = errors.New("all model hosts exhausted")

// Client talks to one or more model servers with ordered fallback.
type Client struct {
	hosts      []string
	models     config.ModelsConfig
	httpClient *http.Client
	log        *logging.Logger
}

// New creates a client from configuration.
func New(cfg *config.Config) *Client {
	return &Client{
		hosts:  cfg.Hosts,
		models: cfg.Models,
		httpClient: &http.Client{
			Timeout: cfg.Models.Timeout,
		},
		log: logging.Get(logging.CategoryModel),
	}
}

// modelFor resolves the model name for a role.
func (c *Client) modelFor(role types.ModelRole) string {
	switch role {
	case types.RoleArbiter:
		return c.models.Arbiter
	case types.RoleCoder:
		return c.models.Coder
	case types.RoleReasoner:
		return c.models.Reasoner
	case types.RoleAnalyst:
		return c.models.Analyst
	case types.RoleInterpreter:
		return c.models.Interpreter
	default:
		return c.models.Reasoner
	}
}

// wire types (OpenAI-compatible chat completions)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat sends the conversation and tool definitions to the first reachable
// host and parses the response. Transport failures fall through the host
// list in order; server-reported errors on a reachable host are returned
// directly.
func (c *Client) Chat(ctx context.Context, role types.ModelRole, messages []types.ChatMessage, tools []types.ToolDefinition) (*types.ModelResponse, error) {
	model := c.modelFor(role)
	req := wireRequest{Model: model}
	for _, m := range messages {
		req.Messages = append(req.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToJSON(t.Schema),
			},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for _, host := range c.hosts {
		resp, err := c.post(ctx, host, body)
		if err != nil {
			c.log.Warn("host %s failed for model %s: %v", host, model, err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: last error: %v", ErrHostsExhausted, lastErr)
}

func (c *Client) post(ctx context.Context, host string, body []byte) (*types.ModelResponse, error) {
	url := strings.TrimRight(host, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d: %s", httpResp.StatusCode, truncate(string(data), 200))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("model error (%s): %s", wire.Error.Type, wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response carried no choices")
	}

	choice := wire.Choices[0]
	out := &types.ModelResponse{
		Content: choice.Message.Content,
		Model:   wire.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, parseToolCall(tc))
	}

	c.log.Debug("chat ok host=%s model=%s tools=%d dur=%v", host, wire.Model, len(out.ToolCalls), time.Since(start))
	return out, nil
}

// parseToolCall decodes one wire tool call. Empty names and unparseable
// argument blobs are preserved rather than rejected; the executor repairs
// or fails them without halting the phase.
func parseToolCall(tc wireToolCall) types.ToolCall {
	call := types.ToolCall{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: map[string]any{},
	}
	if tc.Function.Arguments == "" {
		return call
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
		// Keep the raw blob so the interpreter specialist can see it.
		call.Args = map[string]any{"_raw": tc.Function.Arguments}
	}
	return call
}

// schemaToJSON renders a ToolSchema as a JSON-schema object map.
func schemaToJSON(s types.ToolSchema) map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Summarizer adapts the client's reasoner role to the conversation
// manager's summarization hook.
type Summarizer struct {
	Client *Client
}

// Summarize condenses a pruned conversation segment into a short digest.
func (s *Summarizer) Summarize(ctx context.Context, messages []types.ChatMessage) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 400))
	}
	resp, err := s.Client.Chat(ctx, types.RoleReasoner, []types.ChatMessage{
		{Role: types.RoleSystem, Content: "Summarize the following conversation segment in at most three sentences. Preserve file names and task ids."},
		{Role: types.RoleUser, Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
