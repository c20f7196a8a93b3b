// Package actor implements the per-(user, agent, conversation) facade that
// serializes inputs, drives the agent run loop, and persists conversation
// messages (C6). Grounded on the teacher's connection_manager.go map+mutex
// registration idiom for the bookkeeping shape, generalized into the
// queue/status-machine/abort-resume contract the worker itself owns.
package actor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ema/internal/agent"
	"ema/internal/convstore"
	"ema/internal/eventbus"
	"ema/internal/llm"
	"ema/internal/logging"
	"ema/internal/memory"
	"ema/internal/models"
	"ema/internal/promptwatch"

	"github.com/google/uuid"
)

// MemoryBufferToken is substituted in the system prompt template with the
// rendered recent-message buffer, per §4.2.5.
const MemoryBufferToken = "{MEMORY_BUFFER}"

// Config bundles the dependencies and tuning knobs a Worker needs. Tools
// and ToolContext are fixed at construction; swapping them requires a new
// Worker.
type Config struct {
	Conversations *convstore.Store
	ShortTerm     *memory.ShortTermStore
	LongTerm      *memory.LongTermStore
	LLM           llm.Client
	SystemPrompt  *promptwatch.Watcher
	Tools         []models.Tool
	ToolContext   models.ToolExecContext
	MaxSteps      int
	BufferWindow  int
	EmaReplyTool  string
}

// Worker is one Actor Worker instance, keyed by (userId, actorId,
// conversationId) and owned by the server registry.
type Worker struct {
	key  models.ActorKey
	name string

	conversations *convstore.Store
	shortTerm     *memory.ShortTermStore
	longTerm      *memory.LongTermStore
	llmClient     llm.Client
	systemPrompt  *promptwatch.Watcher
	tools         []models.Tool
	toolsByName   map[string]models.Tool
	toolContext   models.ToolExecContext
	maxSteps      int
	bufferWindow  int
	emaReplyTool  string

	mu                    sync.Mutex
	status                models.ActorStatus
	queue                 []models.BufferMessage
	processingQueue       bool
	resumeStateAfterAbort bool
	hasEmaReplyInRun      bool
	agentState            *models.AgentState
	currentRunner         *agent.Runner
	runDone               chan struct{}

	writes chan bufferWrite
	events *eventbus.Bus[models.ActorEventKind, models.ActorEvent]
	done   chan struct{}
}

type bufferWrite struct {
	msg models.BufferMessage
}

// New constructs a Worker for key, with name used to label its own
// BufferMessages, and starts its ordered buffer-write consumer goroutine.
func New(key models.ActorKey, name string, cfg Config) *Worker {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 12
	}
	bufferWindow := cfg.BufferWindow
	if bufferWindow <= 0 {
		bufferWindow = 10
	}

	w := &Worker{
		key:           key,
		name:          name,
		conversations: cfg.Conversations,
		shortTerm:     cfg.ShortTerm,
		longTerm:      cfg.LongTerm,
		llmClient:     cfg.LLM,
		systemPrompt:  cfg.SystemPrompt,
		tools:         cfg.Tools,
		toolsByName:   agent.ToolsByName(cfg.Tools),
		toolContext:   cfg.ToolContext,
		maxSteps:      maxSteps,
		bufferWindow:  bufferWindow,
		emaReplyTool:  cfg.EmaReplyTool,
		status:        models.StatusIdle,
		writes:        make(chan bufferWrite, 64),
		events:        eventbus.New[models.ActorEventKind, models.ActorEvent](),
		done:          make(chan struct{}),
	}
	go w.runWriteConsumer()
	return w
}

// Close stops the buffer-write consumer. It does not abort an in-flight run.
func (w *Worker) Close() {
	close(w.done)
}

// IsBusy reports whether the worker's status is anything but idle.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isBusyLocked()
}

func (w *Worker) isBusyLocked() bool {
	return w.status != models.StatusIdle
}

// On subscribes to actor events of kind; see models.ActorEventKind.
func (w *Worker) On(kind models.ActorEventKind) (<-chan models.ActorEvent, eventbus.Handle) {
	return w.events.On(kind)
}

// Off unsubscribes h from kind.
func (w *Worker) Off(kind models.ActorEventKind, h eventbus.Handle) {
	w.events.Off(kind, h)
}

// Work validates and enqueues a user turn, per §4.2.1/4.2.2. Validation
// failures are synchronous and leave the worker's state untouched.
func (w *Worker) Work(ctx context.Context, inputs []models.Content) error {
	if len(inputs) == 0 {
		return fmt.Errorf("work: inputs must not be empty")
	}
	if err := models.ValidateTextOnly(inputs); err != nil {
		return fmt.Errorf("work: %w", err)
	}

	msg := models.BufferMessage{
		ID:       uuid.NewString(),
		Kind:     models.BufferUser,
		Name:     w.name,
		Contents: inputs,
		Time:     time.Now().UnixMilli(),
	}

	w.mu.Lock()
	w.queue = append(w.queue, msg)
	w.mu.Unlock()

	w.enqueueWrite(msg)

	w.mu.Lock()
	if w.isBusyLocked() {
		runner := w.currentRunner
		done := w.runDone
		w.mu.Unlock()

		// Request abort and await the in-flight run's completion; its own
		// processQueue continuation derives resumeStateAfterAbort and drains
		// the queue we just appended to.
		if runner != nil {
			runner.Abort()
		}
		if done != nil {
			<-done
		}
		return nil
	}
	w.mu.Unlock()

	go w.processQueue(ctx)
	return nil
}

// Search delegates to the long-term memory searcher (D5).
func (w *Worker) Search(ctx context.Context, keywords []string) ([]memory.Record, error) {
	return w.longTerm.Search(ctx, w.userKey(), keywords)
}

// AddShortTermMemory delegates to the short-term recency buffer (D4).
func (w *Worker) AddShortTermMemory(content string) {
	w.shortTerm.Add(w.key.String(), content)
}

// AddLongTermMemory delegates to the long-term memory store (D5).
func (w *Worker) AddLongTermMemory(ctx context.Context, content, category string, tags []string) (*memory.Record, error) {
	return w.longTerm.Add(ctx, w.userKey(), content, category, tags)
}

func (w *Worker) userKey() string {
	return fmt.Sprintf("%d", w.key.UserID)
}

// processQueue drains the queue, running the agent on each batch in turn,
// re-entrancy-guarded by processingQueue per §4.2.1.
func (w *Worker) processQueue(ctx context.Context) {
	w.mu.Lock()
	if w.processingQueue {
		w.mu.Unlock()
		return
	}
	w.processingQueue = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.processingQueue = false
		w.mu.Unlock()
	}()

	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.status = models.StatusIdle
			w.mu.Unlock()
			w.publishMessage("Actor status: idle.")
			return
		}

		w.status = models.StatusPreparing
		batch := w.queue
		w.queue = nil
		resuming := w.resumeStateAfterAbort && w.agentState != nil
		w.mu.Unlock()
		w.publishMessage("Actor status: preparing.")

		state, err := w.buildState(ctx, batch, resuming)
		if err != nil {
			log.Printf("actor %s: build agent state: %v", w.key, err)
			continue
		}

		w.mu.Lock()
		w.resumeStateAfterAbort = false
		w.hasEmaReplyInRun = false
		w.status = models.StatusRunning
		runner := agent.NewRunner(w.llmClient, w.maxSteps, w.emaReplyTool)
		w.currentRunner = runner
		done := make(chan struct{})
		w.runDone = done
		w.agentState = state
		w.mu.Unlock()
		w.publishMessage("Actor status: running.")

		w.runOnce(ctx, runner, state)
		aborted := runner.Aborted()
		close(done)

		// Derive the abort-resume decision here, after the run has fully
		// stopped, rather than from a flag set by the Work caller that
		// requested the abort: Work may be a concurrent goroutine, and this
		// avoids a race between it and the bookkeeping below (§4.2.2).
		w.mu.Lock()
		w.currentRunner = nil
		w.runDone = nil
		keepState := aborted && !w.hasEmaReplyInRun
		w.resumeStateAfterAbort = keepState
		if !keepState {
			w.agentState = nil
		}
		goIdle := !keepState && len(w.queue) == 0
		if goIdle {
			w.status = models.StatusIdle
		}
		w.mu.Unlock()

		if goIdle {
			w.publishMessage("Actor status: idle.")
			return
		}
	}
}

// runOnce drives one agent run and forwards its events to the worker's own
// subscribers, applying the emaReplyReceived bookkeeping from §4.2.4 in
// order: flags, then buffer write, then delivery.
func (w *Worker) runOnce(ctx context.Context, runner *agent.Runner, state *models.AgentState) {
	runnerEvents := eventbus.New[models.AgentEventKind, models.AgentEvent]()
	agentCh, handle := runnerEvents.OnKinds(models.EventEmaReplyReceived, models.EventRunFinished)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range agentCh {
			w.handleAgentEvent(ev)
			if ev.Kind == models.EventRunFinished {
				return
			}
		}
	}()

	runner.Run(ctx, state, runnerEvents, w.toolsByName)

	<-forwarded
	runnerEvents.OffKinds([]models.AgentEventKind{models.EventEmaReplyReceived, models.EventRunFinished}, handle)
}

func (w *Worker) handleAgentEvent(ev models.AgentEvent) {
	if ev.Kind == models.EventEmaReplyReceived && ev.EmaReply != nil {
		w.mu.Lock()
		w.hasEmaReplyInRun = true
		w.resumeStateAfterAbort = false
		w.mu.Unlock()

		w.enqueueWrite(models.BufferMessage{
			ID:       uuid.NewString(),
			Kind:     models.BufferActor,
			Name:     w.name,
			Contents: []models.Content{models.TextContent(ev.EmaReply.Reply.Response)},
			Time:     time.Now().UnixMilli(),
		})
	}

	w.events.Emit(models.ActorEventAgent, models.ActorEvent{Kind: models.ActorEventAgent, Agent: &ev})
}

func (w *Worker) publishMessage(content string) {
	w.events.Emit(models.ActorEventMessage, models.ActorEvent{Kind: models.ActorEventMessage, Message: content})
}

// buildState assembles a fresh AgentState from batch, or extends the
// retained one under the resume rule, per §4.2.2 and §4.2.5.
func (w *Worker) buildState(ctx context.Context, batch []models.BufferMessage, resuming bool) (*models.AgentState, error) {
	userMessages := make([]models.Message, 0, len(batch))
	for _, b := range batch {
		userMessages = append(userMessages, models.Message{
			Role:     models.RoleUser,
			Contents: b.Contents,
			Name:     b.Name,
			ID:       b.ID,
		})
	}

	if resuming {
		w.mu.Lock()
		state := w.agentState
		w.mu.Unlock()
		state.Messages = dropTrailingPendingToolCalls(state.Messages)
		state.Messages = append(state.Messages, userMessages...)
		return state, nil
	}

	prompt, err := w.renderSystemPrompt(ctx)
	if err != nil {
		return nil, err
	}

	return &models.AgentState{
		SystemPrompt: prompt,
		Messages:     userMessages,
		Tools:        w.tools,
		ToolContext:  w.toolContext,
	}, nil
}

// renderSystemPrompt substitutes MemoryBufferToken in the current template
// with the rendered recent-message buffer, per §4.2.5.
func (w *Worker) renderSystemPrompt(ctx context.Context) (string, error) {
	template := ""
	if w.systemPrompt != nil {
		template = w.systemPrompt.Get()
	}
	if !strings.Contains(template, MemoryBufferToken) {
		return template, nil
	}

	recent, err := w.conversations.Recent(ctx, w.key.ConversationID, w.bufferWindow)
	if err != nil {
		log.Printf("actor %s: load recent messages for system prompt: %v", w.key, err)
		recent = nil
	}

	rendered := renderBuffer(recent)
	return strings.ReplaceAll(template, MemoryBufferToken, rendered), nil
}

// dropTrailingPendingToolCalls implements the resume policy decided in
// SPEC_FULL.md §9 (Open Questions): if the run was aborted mid-tool-execution,
// the retained AgentState's last message is a model message whose tool calls
// have no following tool-result messages. That dangling message is dropped
// before new user messages are appended, since some providers reject a
// message list ending in an unanswered tool call.
func dropTrailingPendingToolCalls(messages []models.Message) []models.Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.HasPendingToolCalls() {
		return messages[:len(messages)-1]
	}
	return messages
}

func renderBuffer(messages []models.BufferMessage) string {
	if len(messages) == 0 {
		return "None."
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		ts := time.UnixMilli(m.Time).UTC().Format("2006-01-02 15:04:05")
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, m.Name, m.Text()))
	}
	return strings.Join(lines, "\n")
}

// enqueueWrite hands msg to the single-consumer buffer-write goroutine,
// preserving arrival order per §4.2.3. It does not block on persistence.
func (w *Worker) enqueueWrite(msg models.BufferMessage) {
	w.writes <- bufferWrite{msg: msg}
}

// runWriteConsumer is the worker's single consumer of buffer writes,
// applying them through the conversation store strictly in receive order.
// A write failure is logged; it does not stop the consumer from processing
// its successor, per §4.2.3 and the best-effort durability note in §4.2.6.
func (w *Worker) runWriteConsumer() {
	for {
		select {
		case <-w.done:
			return
		case bw := <-w.writes:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := w.conversations.Append(ctx, w.key.ConversationID, bw.msg)
			cancel()
			if err != nil {
				logging.WithActor(w.key.UserID, w.key.ActorID, w.key.ConversationID).
					Error("persist buffer message failed (best-effort)", "messageId", bw.msg.ID, "err", err)
			}
		}
	}
}
