package tools

import (
	"encoding/json"
	"fmt"

	"ema/internal/models"
)

// EmaReplyToolName is the default sentinel tool name the run loop treats
// specially, overridable via the agent configuration's EmaReplyToolName
// (environment variable EMA_REPLY_TOOL_NAME).
const EmaReplyToolName = "ema_reply"

// DefaultExpressions and DefaultActions are the enums EmaReplyTool validates
// against when the caller doesn't supply its own.
var (
	DefaultExpressions = []string{"普通", "开心", "伤心", "生气", "惊讶"}
	DefaultActions     = []string{"无", "挥手", "点头", "摇头"}
)

// EmaReplyTool is the distinguished reply tool: its successful result
// carries the user-visible reply, validated against the configured
// expression/action enums rather than silently accepted.
type EmaReplyTool struct {
	name        string
	expressions []string
	actions     []string
}

// NewEmaReplyTool builds the reply tool under name, falling back to the
// package defaults when expressions/actions are nil.
func NewEmaReplyTool(name string, expressions, actions []string) *EmaReplyTool {
	if name == "" {
		name = EmaReplyToolName
	}
	if expressions == nil {
		expressions = DefaultExpressions
	}
	if actions == nil {
		actions = DefaultActions
	}
	return &EmaReplyTool{name: name, expressions: expressions, actions: actions}
}

func (t *EmaReplyTool) Name() string { return t.name }

func (t *EmaReplyTool) Description() string {
	return "Deliver the final reply to the user: a think trace, an expression, an action, and the spoken response."
}

func (t *EmaReplyTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"think":      map[string]any{"type": "string", "description": "Internal reasoning, not shown to the user."},
			"expression": map[string]any{"type": "string", "enum": t.expressions},
			"action":     map[string]any{"type": "string", "enum": t.actions},
			"response":   map[string]any{"type": "string", "description": "The reply shown to the user."},
		},
		"required": []string{"think", "expression", "action", "response"},
	}
}

// Execute validates args against the four required fields and their enums,
// returning a failed ToolResult on any mismatch rather than downgrading
// silently.
func (t *EmaReplyTool) Execute(_ models.ToolExecContext, args map[string]any) models.ToolResult {
	reply, err := t.parse(args)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}

	content, err := json.Marshal(reply)
	if err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("marshal reply: %v", err)}
	}
	return models.ToolResult{Success: true, Content: string(content)}
}

func (t *EmaReplyTool) parse(args map[string]any) (models.EmaReply, error) {
	think, _ := args["think"].(string)
	if think == "" {
		return models.EmaReply{}, fmt.Errorf("ema_reply: think is required")
	}

	expression, _ := args["expression"].(string)
	if !contains(t.expressions, expression) {
		return models.EmaReply{}, fmt.Errorf("ema_reply: expression %q is not one of %v", expression, t.expressions)
	}

	action, _ := args["action"].(string)
	if !contains(t.actions, action) {
		return models.EmaReply{}, fmt.Errorf("ema_reply: action %q is not one of %v", action, t.actions)
	}

	response, _ := args["response"].(string)
	if response == "" {
		return models.EmaReply{}, fmt.Errorf("ema_reply: response is required")
	}

	return models.EmaReply{Think: think, Expression: expression, Action: action, Response: response}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
