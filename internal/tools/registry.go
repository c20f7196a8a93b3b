// Package tools implements the agent's built-in tool set (D3): the
// distinguished ema_reply tool plus a couple of network-free illustrative
// tools, and a small registry generalized from the teacher's
// name-to-Tool map.
package tools

import (
	"fmt"
	"sync"

	"ema/internal/models"
)

// Registry holds the tools available to an agent run, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]models.Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]models.Tool)}
}

// Register adds a tool, failing if its name is already taken.
func (r *Registry) Register(tool models.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool.Name() == "" {
		return fmt.Errorf("register tool: name cannot be empty")
	}
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("register tool: %q is already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// All returns every registered tool, in no particular order, for handing to
// the LLM client as the available tool set.
func (r *Registry) All() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs a tool by name against args, resolving the tool first.
func (r *Registry) Execute(ctx models.ToolExecContext, name string, args map[string]any) models.ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("tool %q not found", name)}
	}
	return tool.Execute(ctx, args)
}

// NewDefaultRegistry registers the always-on built-ins per the gating
// flags, with ema_reply keyed under toolName rather than a hardcoded
// constant so the agent configuration's EmaReplyToolName can override it.
func NewDefaultRegistry(toolName string, enableEmaReply, enableTimeNow, enableCalculator bool) (*Registry, error) {
	r := NewRegistry()
	if enableEmaReply {
		if err := r.Register(NewEmaReplyTool(toolName, nil, nil)); err != nil {
			return nil, err
		}
	}
	if enableTimeNow {
		if err := r.Register(TimeNowTool{}); err != nil {
			return nil, err
		}
	}
	if enableCalculator {
		if err := r.Register(CalculatorTool{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
