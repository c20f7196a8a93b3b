package agent

import (
	"context"
	"errors"
	"testing"

	"ema/internal/eventbus"
	"ema/internal/llm"
	"ema/internal/models"
	"ema/internal/retry"
)

type scriptedClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (c *scriptedClient) Generate(ctx context.Context, messages []models.Message, tools []models.Tool, systemPrompt string) (*llm.Response, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	resp := c.responses[i]
	return &resp, nil
}

type echoTool struct{}

func (echoTool) Name() string                 { return "ema_reply" }
func (echoTool) Description() string          { return "" }
func (echoTool) Parameters() map[string]any   { return map[string]any{} }
func (echoTool) Execute(models.ToolExecContext, map[string]any) models.ToolResult {
	return models.ToolResult{Success: true, Content: `{"think":"t","expression":"普通","action":"无","response":"hi"}`}
}

func newBus() *eventbus.Bus[models.AgentEventKind, models.AgentEvent] {
	return eventbus.New[models.AgentEventKind, models.AgentEvent]()
}

func TestRunEmitsEmaReplyThenRunFinished(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.Response{
			{
				Message: models.Message{
					Role: models.RoleModel,
					ToolCalls: []models.ToolCall{
						{ID: "call-1", Name: "ema_reply", Args: map[string]any{}},
					},
				},
			},
			{
				Message:      models.Message{Role: models.RoleModel, Contents: []models.Content{models.TextContent("")}},
				FinishReason: "stop",
			},
		},
	}

	runner := NewRunner(client, 5, "ema_reply")
	bus := newBus()
	replyCh, _ := bus.On(models.EventEmaReplyReceived)
	finishedCh, _ := bus.On(models.EventRunFinished)

	state := &models.AgentState{Messages: []models.Message{models.UserMessage("hello")}}
	tool := echoTool{}
	state.Tools = []models.Tool{tool}

	runner.Run(context.Background(), state, bus, ToolsByName(state.Tools))

	select {
	case ev := <-replyCh:
		if ev.EmaReply.Reply.Response != "hi" {
			t.Fatalf("unexpected reply: %+v", ev.EmaReply.Reply)
		}
	default:
		t.Fatalf("expected an emaReplyReceived event")
	}

	select {
	case ev := <-finishedCh:
		if !ev.RunFinished.OK {
			t.Fatalf("expected ok runFinished, got %+v", ev.RunFinished)
		}
	default:
		t.Fatalf("expected a runFinished event")
	}
}

func TestRunStopsSilentlyOnUnrecognizedError(t *testing.T) {
	client := &scriptedClient{
		errs: []error{errors.New("boom: unexpected provider error")},
	}

	runner := NewRunner(client, 5, "ema_reply")
	bus := newBus()
	finishedCh, _ := bus.On(models.EventRunFinished)

	state := &models.AgentState{Messages: []models.Message{models.UserMessage("hello")}}
	runner.Run(context.Background(), state, bus, nil)

	select {
	case ev := <-finishedCh:
		t.Fatalf("expected no runFinished event, got %+v", ev)
	default:
	}
}

func TestRunEmitsFailureOnRetryExhausted(t *testing.T) {
	client := &scriptedClient{
		errs: []error{&retry.ExhaustedError{Attempts: 3, LastError: errors.New("down")}},
	}

	runner := NewRunner(client, 5, "ema_reply")
	bus := newBus()
	finishedCh, _ := bus.On(models.EventRunFinished)

	state := &models.AgentState{Messages: []models.Message{models.UserMessage("hello")}}
	runner.Run(context.Background(), state, bus, nil)

	select {
	case ev := <-finishedCh:
		if ev.RunFinished.OK {
			t.Fatalf("expected a failed runFinished, got ok")
		}
	default:
		t.Fatalf("expected a runFinished event")
	}
}

func TestRunHitsStepLimit(t *testing.T) {
	loopingResponse := llm.Response{
		Message: models.Message{
			Role:      models.RoleModel,
			ToolCalls: []models.ToolCall{{ID: "call-1", Name: "noop", Args: map[string]any{}}},
		},
	}
	client := &scriptedClient{responses: []llm.Response{loopingResponse, loopingResponse, loopingResponse}}

	runner := NewRunner(client, 3, "ema_reply")
	bus := newBus()
	finishedCh, _ := bus.On(models.EventRunFinished)

	state := &models.AgentState{Messages: []models.Message{models.UserMessage("hello")}}
	runner.Run(context.Background(), state, bus, map[string]models.Tool{})

	select {
	case ev := <-finishedCh:
		if ev.RunFinished.OK {
			t.Fatalf("expected failed runFinished at step limit")
		}
	default:
		t.Fatalf("expected a runFinished event")
	}
}

func TestRunUnknownToolProducesFailureResult(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.Response{
			{
				Message: models.Message{
					Role:      models.RoleModel,
					ToolCalls: []models.ToolCall{{ID: "call-1", Name: "does_not_exist", Args: map[string]any{}}},
				},
			},
			{Message: models.Message{Role: models.RoleModel}, FinishReason: "stop"},
		},
	}

	runner := NewRunner(client, 5, "ema_reply")
	bus := newBus()

	state := &models.AgentState{Messages: []models.Message{models.UserMessage("hello")}}
	runner.Run(context.Background(), state, bus, map[string]models.Tool{})

	var toolMsg *models.Message
	for i := range state.Messages {
		if state.Messages[i].Role == models.RoleTool {
			toolMsg = &state.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.Result.Success {
		t.Fatalf("expected a failed tool-role message for the unknown tool, got %+v", toolMsg)
	}
}
