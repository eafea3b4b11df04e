package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autonomy/internal/config"
	"autonomy/internal/types"
)

func testConfig(hosts ...string) *config.Config {
	cfg := config.Default()
	cfg.Hosts = hosts
	cfg.Models.Timeout = 2 * time.Second
	return cfg
}

func chatServer(t *testing.T, handler func(req wireRequest) wireResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(handler(req))
	}))
}

func textResponse(content string) wireResponse {
	raw := `{"model": "coder-v1", "choices": [{"message": {"role": "assistant", "content": ""}, "finish_reason": "stop"}]}`
	var resp wireResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		panic(err)
	}
	resp.Choices[0].Message.Content = content
	return resp
}

func TestChatParsesContentAndToolCalls(t *testing.T) {
	srv := chatServer(t, func(req wireRequest) wireResponse {
		resp := textResponse("working on it")
		var tc wireToolCall
		tc.ID = "call-1"
		tc.Type = "function"
		tc.Function.Name = "create_file"
		tc.Function.Arguments = `{"filepath": "x.py", "content": "print(1)"}`
		resp.Choices[0].Message.ToolCalls = []wireToolCall{tc}
		return resp
	})
	defer srv.Close()

	c := New(testConfig(srv.URL))
	resp, err := c.Chat(context.Background(), types.RoleCoder, []types.ChatMessage{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "write x.py"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "working on it" {
		t.Errorf("content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "create_file" {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args["filepath"] != "x.py" {
		t.Errorf("args not decoded: %v", resp.ToolCalls[0].Args)
	}
}

func TestChatPreservesMalformedToolCall(t *testing.T) {
	srv := chatServer(t, func(req wireRequest) wireResponse {
		resp := textResponse("")
		var tc wireToolCall
		tc.Function.Name = "" // malformed: empty name
		tc.Function.Arguments = `{"filepath": "src/ui.py"}`
		resp.Choices[0].Message.ToolCalls = []wireToolCall{tc}
		return resp
	})
	defer srv.Close()

	c := New(testConfig(srv.URL))
	resp, err := c.Chat(context.Background(), types.RoleCoder, nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatal("malformed call must be preserved, not dropped")
	}
	if resp.ToolCalls[0].Name != "" {
		t.Error("empty name must be preserved verbatim for executor repair")
	}
	if resp.ToolCalls[0].Args["filepath"] != "src/ui.py" {
		t.Errorf("args lost: %v", resp.ToolCalls[0].Args)
	}
}

func TestChatFallsBackToSecondHost(t *testing.T) {
	good := chatServer(t, func(req wireRequest) wireResponse {
		return textResponse("fallback served")
	})
	defer good.Close()

	c := New(testConfig("http://127.0.0.1:1", good.URL))
	resp, err := c.Chat(context.Background(), types.RoleArbiter, nil, nil)
	if err != nil {
		t.Fatalf("Chat should succeed via fallback: %v", err)
	}
	if resp.Content != "fallback served" {
		t.Errorf("content: %q", resp.Content)
	}
}

func TestChatExhaustsHosts(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1", "http://127.0.0.1:2"))
	_, err := c.Chat(context.Background(), types.RoleArbiter, nil, nil)
	if !errors.Is(err, ErrHostsExhausted) {
		t.Errorf("expected ErrHostsExhausted, got %v", err)
	}
}

func TestChatSelectsModelPerRole(t *testing.T) {
	var gotModel string
	srv := chatServer(t, func(req wireRequest) wireResponse {
		gotModel = req.Model
		return textResponse("ok")
	})
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Models.Analyst = "special-analyst"
	c := New(cfg)
	if _, err := c.Chat(context.Background(), types.RoleAnalyst, nil, nil); err != nil {
		t.Fatal(err)
	}
	if gotModel != "special-analyst" {
		t.Errorf("model selection wrong: %q", gotModel)
	}
}

func TestChatSendsToolDefinitions(t *testing.T) {
	var gotTools int
	var gotRequired bool
	srv := chatServer(t, func(req wireRequest) wireResponse {
		gotTools = len(req.Tools)
		if len(req.Tools) > 0 {
			_, gotRequired = req.Tools[0].Function.Parameters["required"]
		}
		return textResponse("ok")
	})
	defer srv.Close()

	c := New(testConfig(srv.URL))
	tools := []types.ToolDefinition{{
		Name:        "create_file",
		Description: "create a file",
		Schema: types.ToolSchema{
			Required: []string{"filepath"},
			Properties: map[string]types.Property{
				"filepath": {Type: "string"},
			},
		},
	}}
	if _, err := c.Chat(context.Background(), types.RoleCoder, nil, tools); err != nil {
		t.Fatal(err)
	}
	if gotTools != 1 || !gotRequired {
		t.Errorf("tool definitions not marshaled: tools=%d required=%v", gotTools, gotRequired)
	}
}
