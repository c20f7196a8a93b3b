package models

// AgentEventKind names the two events the agent run loop emits.
type AgentEventKind string

const (
	EventRunFinished      AgentEventKind = "runFinished"
	EventEmaReplyReceived AgentEventKind = "emaReplyReceived"
)

// AgentEvent is the tagged union the run loop publishes. Exactly one of the
// two embedded payloads is meaningful, selected by Kind.
type AgentEvent struct {
	Kind         AgentEventKind
	RunFinished  *RunFinishedEvent
	EmaReply     *EmaReplyEvent
}

// RunFinishedEvent reports the terminal outcome of one agent run.
type RunFinishedEvent struct {
	OK    bool
	Msg   string
	Error error
}

// EmaReplyEvent carries the parsed, validated ema_reply payload.
type EmaReplyEvent struct {
	Reply EmaReply
}

// EmaReply is the distinguished reply object produced by the ema_reply tool.
type EmaReply struct {
	Think      string `json:"think"`
	Expression string `json:"expression"`
	Action     string `json:"action"`
	Response   string `json:"response"`
}

// ActorEventKind names the two events the actor worker publishes.
type ActorEventKind string

const (
	ActorEventMessage ActorEventKind = "message"
	ActorEventAgent   ActorEventKind = "agent"
)

// ActorEvent is the tagged union delivered to actor-level subscribers.
type ActorEvent struct {
	Kind    ActorEventKind
	Message string      // populated when Kind == ActorEventMessage
	Agent   *AgentEvent // populated when Kind == ActorEventAgent
}
