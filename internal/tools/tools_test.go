package tools

import (
	"encoding/json"
	"testing"

	"ema/internal/models"
)

func TestEmaReplyValidatesRequiredFields(t *testing.T) {
	tool := NewEmaReplyTool("", nil, nil)

	result := tool.Execute(models.ToolExecContext{}, map[string]any{
		"think":      "considering the greeting",
		"expression": "开心",
		"action":     "挥手",
		"response":   "hi there",
	})
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}

	var reply models.EmaReply
	if err := json.Unmarshal([]byte(result.Content), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Response != "hi there" {
		t.Fatalf("unexpected response: %q", reply.Response)
	}
}

func TestEmaReplyRejectsUnknownExpression(t *testing.T) {
	tool := NewEmaReplyTool("", nil, nil)

	result := tool.Execute(models.ToolExecContext{}, map[string]any{
		"think":      "t",
		"expression": "ecstatic",
		"action":     "无",
		"response":   "hi",
	})
	if result.Success {
		t.Fatalf("expected failure for unknown expression")
	}
}

func TestEmaReplyRejectsEmptyThink(t *testing.T) {
	tool := NewEmaReplyTool("", nil, nil)

	result := tool.Execute(models.ToolExecContext{}, map[string]any{
		"think":      "",
		"expression": "普通",
		"action":     "无",
		"response":   "hi",
	})
	if result.Success {
		t.Fatalf("expected failure for empty think")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(TimeNowTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(TimeNowTool{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCalculatorOperations(t *testing.T) {
	tool := CalculatorTool{}

	result := tool.Execute(models.ToolExecContext{}, map[string]any{"operation": "add", "a": 2.0, "b": 3.0})
	if !result.Success || result.Content != "5" {
		t.Fatalf("expected 5, got %+v", result)
	}

	result = tool.Execute(models.ToolExecContext{}, map[string]any{"operation": "divide", "a": 1.0, "b": 0.0})
	if result.Success {
		t.Fatalf("expected division-by-zero failure")
	}
}

func TestNewDefaultRegistryRegistersEnabledTools(t *testing.T) {
	r, err := NewDefaultRegistry(EmaReplyToolName, true, true, false)
	if err != nil {
		t.Fatalf("new default registry: %v", err)
	}
	if _, ok := r.Get("ema_reply"); !ok {
		t.Fatalf("expected ema_reply to be registered")
	}
	if _, ok := r.Get("time_now"); !ok {
		t.Fatalf("expected time_now to be registered")
	}
	if _, ok := r.Get("calculator"); ok {
		t.Fatalf("expected calculator to be disabled")
	}
}
