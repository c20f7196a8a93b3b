package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ema/internal/models"
	"ema/internal/retry"
)

type stubTool struct{}

func (stubTool) Name() string        { return "time_now" }
func (stubTool) Description() string { return "returns the current time" }
func (stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (stubTool) Execute(models.ToolExecContext, map[string]any) models.ToolResult {
	return models.ToolResult{Success: true, Content: "now"}
}

func TestGenerateReturnsTextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Fatalf("expected model gpt-4o-mini, got %q", req.Model)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("expected bearer auth, got %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", "gpt-4o-mini", retry.DefaultPolicy())
	resp, err := client.Generate(context.Background(), []models.Message{models.UserMessage("hi")}, nil, "be helpful")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Message.Role != models.RoleModel {
		t.Fatalf("expected model role, got %q", resp.Message.Role)
	}
	if models.RenderText(resp.Message.Contents) != "hello there" {
		t.Fatalf("unexpected content: %q", models.RenderText(resp.Message.Contents))
	}
	if resp.TotalTokens != 42 {
		t.Fatalf("expected 42 total tokens, got %d", resp.TotalTokens)
	}
}

func TestGenerateParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "time_now" {
			t.Fatalf("expected time_now tool def, got %+v", req.Tools)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"call-1","type":"function","function":{"name":"time_now","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "test-key", "gpt-4o-mini", retry.DefaultPolicy())
	resp, err := client.Generate(context.Background(), []models.Message{models.UserMessage("what time is it")}, []models.Tool{stubTool{}}, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "time_now" {
		t.Fatalf("expected one time_now tool call, got %+v", resp.Message.ToolCalls)
	}
}

func TestGenerateRetriesOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	policy := retry.DefaultPolicy()
	policy.InitialDelay = 1
	client := NewOpenAIClient(server.URL, "test-key", "gpt-4o-mini", policy)
	resp, err := client.Generate(context.Background(), []models.Message{models.UserMessage("hi")}, nil, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if models.RenderText(resp.Message.Contents) != "ok" {
		t.Fatalf("unexpected content: %q", models.RenderText(resp.Message.Contents))
	}
}
