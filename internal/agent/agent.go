// Package agent implements the bounded reasoning loop (C5): call the LLM,
// execute any requested tools, append results, repeat until the model
// stops calling tools or the step budget is exhausted. Grounded on the
// daemon execution loop's call-LLM/execute-tools/append/continue shape,
// generalized to the typed AgentEvent model instead of text-sniffing for
// completion.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"

	"ema/internal/eventbus"
	"ema/internal/llm"
	"ema/internal/models"
	"ema/internal/retry"
)

// Runner executes one agent run at a time against a shared LLM client.
type Runner struct {
	client          llm.Client
	maxSteps        int
	emaReplyTool    string
	aborted         atomic.Bool
	cancel          context.CancelFunc
}

// NewRunner builds a runner bound to client, with a bounded step count and
// the configured ema_reply sentinel tool name.
func NewRunner(client llm.Client, maxSteps int, emaReplyTool string) *Runner {
	return &Runner{client: client, maxSteps: maxSteps, emaReplyTool: emaReplyTool}
}

// Abort sets the abort flag and cancels the run's context, which interrupts
// an in-flight LLM call. A tool that is already executing is not interrupted
// (tools receive no context); the flag stops the next tool call from
// starting. Idempotent and non-blocking, per §4.3's abort contract.
func (r *Runner) Abort() {
	r.aborted.Store(true)
	if cancel := r.cancel; cancel != nil {
		cancel()
	}
}

// Aborted reports whether Abort was called on this run, letting a caller
// that awaited Run distinguish an aborted stop from a natural one.
func (r *Runner) Aborted() bool {
	return r.aborted.Load()
}

// Run executes the bounded loop against state, publishing AgentEvents on
// events under kind. It owns its own cancellation, linked to ctx and to
// Abort. An LLM error that is neither a cancellation nor retry exhaustion
// is logged with the standard logger and ends the run without emitting a
// RunFinished event.
func (r *Runner) Run(ctx context.Context, state *models.AgentState, events *eventbus.Bus[models.AgentEventKind, models.AgentEvent], toolsByName map[string]models.Tool) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	for step := 1; step <= r.maxSteps; step++ {
		if r.aborted.Load() {
			r.emitRunFinished(events, false, "Aborted", nil)
			return
		}

		resp, err := r.client.Generate(runCtx, state.Messages, state.Tools, state.SystemPrompt)
		if err != nil {
			if retry.IsCancelled(err) || r.aborted.Load() {
				r.emitRunFinished(events, false, "Aborted", nil)
				return
			}
			if retry.IsExhausted(err) {
				r.emitRunFinished(events, false, err.Error(), err)
				return
			}
			log.Printf("agent: llm generate failed with an unrecognized error, stopping silently: %v", err)
			return
		}

		state.Messages = append(state.Messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			r.emitRunFinished(events, true, resp.FinishReason, nil)
			return
		}

		for _, call := range resp.Message.ToolCalls {
			if r.aborted.Load() {
				r.emitRunFinished(events, false, "Aborted", nil)
				return
			}

			result := r.executeTool(call, toolsByName, state.ToolContext)

			if call.Name == r.emaReplyTool && result.Success {
				reply, parseErr := parseEmaReply(result.Content)
				if parseErr == nil {
					events.Emit(models.EventEmaReplyReceived, models.AgentEvent{
						Kind:     models.EventEmaReplyReceived,
						EmaReply: &models.EmaReplyEvent{Reply: reply},
					})
					result.Content = ""
				}
			}

			state.Messages = append(state.Messages, models.Message{
				Role:   models.RoleTool,
				ID:     call.ID,
				Name:   call.Name,
				Result: &result,
			})
		}
	}

	r.emitRunFinished(events, false,
		fmt.Sprintf("Task couldn't be completed after %d steps.", r.maxSteps),
		fmt.Errorf("step limit of %d reached", r.maxSteps))
}

func (r *Runner) executeTool(call models.ToolCall, toolsByName map[string]models.Tool, toolCtx models.ToolExecContext) models.ToolResult {
	tool, ok := toolsByName[call.Name]
	if !ok {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("Unknown tool: %s", call.Name)}
	}

	var result models.ToolResult
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				result = models.ToolResult{
					Success: false,
					Error:   fmt.Sprintf("panic: %T: %v\n%s", rec, rec, debug.Stack()),
				}
			}
		}()
		result = tool.Execute(toolCtx, call.Args)
	}()
	return result
}

func (r *Runner) emitRunFinished(events *eventbus.Bus[models.AgentEventKind, models.AgentEvent], ok bool, msg string, err error) {
	events.Emit(models.EventRunFinished, models.AgentEvent{
		Kind:        models.EventRunFinished,
		RunFinished: &models.RunFinishedEvent{OK: ok, Msg: msg, Error: err},
	})
}

func parseEmaReply(content string) (models.EmaReply, error) {
	var reply models.EmaReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return models.EmaReply{}, fmt.Errorf("parse ema_reply content: %w", err)
	}
	return reply, nil
}

// ToolsByName indexes state.Tools for Run's tool-resolution step.
func ToolsByName(tools []models.Tool) map[string]models.Tool {
	out := make(map[string]models.Tool, len(tools))
	for _, t := range tools {
		out[t.Name()] = t
	}
	return out
}
