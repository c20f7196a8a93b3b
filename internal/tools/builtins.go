package tools

import (
	"fmt"
	"time"

	"ema/internal/models"
)

// TimeNowTool returns the current time, illustrating a zero-argument
// built-in the loop can exercise without any external network call.
type TimeNowTool struct{}

func (TimeNowTool) Name() string        { return "time_now" }
func (TimeNowTool) Description() string { return "Returns the current UTC time in RFC3339 format." }
func (TimeNowTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (TimeNowTool) Execute(_ models.ToolExecContext, _ map[string]any) models.ToolResult {
	return models.ToolResult{Success: true, Content: time.Now().UTC().Format(time.RFC3339)}
}

// CalculatorTool evaluates a single binary arithmetic operation, the other
// network-free illustrative built-in named in the registry's contract.
type CalculatorTool struct{}

func (CalculatorTool) Name() string        { return "calculator" }
func (CalculatorTool) Description() string { return "Evaluates a binary arithmetic operation: add, subtract, multiply, or divide." }
func (CalculatorTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"add", "subtract", "multiply", "divide"}},
			"a":         map[string]any{"type": "number"},
			"b":         map[string]any{"type": "number"},
		},
		"required": []string{"operation", "a", "b"},
	}
}

func (CalculatorTool) Execute(_ models.ToolExecContext, args map[string]any) models.ToolResult {
	op, _ := args["operation"].(string)
	a, aOK := numericArg(args["a"])
	b, bOK := numericArg(args["b"])
	if !aOK || !bOK {
		return models.ToolResult{Success: false, Error: "calculator: a and b must be numbers"}
	}

	var result float64
	switch op {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return models.ToolResult{Success: false, Error: "calculator: division by zero"}
		}
		result = a / b
	default:
		return models.ToolResult{Success: false, Error: fmt.Sprintf("calculator: unknown operation %q", op)}
	}

	return models.ToolResult{Success: true, Content: fmt.Sprintf("%g", result)}
}

func numericArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
