// Package models holds the wire- and storage-level data types shared by the
// actor, agent, scheduler and store packages: Content, Message, BufferMessage,
// Job and the AgentState triple.
package models

import "fmt"

// ContentKind discriminates a Content value. Only ContentText is accepted by
// the core; other kinds are parsed at the boundary but rejected with a
// validation error until explicitly supported.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// Content is a discriminated value carried by messages. Text is populated
// when Kind == ContentText; other fields are reserved for future kinds.
type Content struct {
	Kind ContentKind `json:"kind" bson:"kind"`
	Text string      `json:"text,omitempty" bson:"text,omitempty"`
}

// TextContent is a convenience constructor for the only kind the core
// supports today.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// ValidateTextOnly rejects any Content whose kind is not text. Call sites in
// the actor worker use this to synchronously reject unsupported input kinds.
func ValidateTextOnly(contents []Content) error {
	for i, c := range contents {
		if c.Kind != ContentText {
			return fmt.Errorf("content[%d]: unsupported kind %q (only %q is accepted)", i, c.Kind, ContentText)
		}
	}
	return nil
}

// RenderText concatenates the text of every text Content, in order.
func RenderText(contents []Content) string {
	out := ""
	for _, c := range contents {
		if c.Kind == ContentText {
			out += c.Text
		}
	}
	return out
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID               string         `json:"id,omitempty" bson:"id,omitempty"`
	Name             string         `json:"name" bson:"name"`
	Args             map[string]any `json:"args" bson:"args"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty" bson:"thoughtSignature,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	Success bool   `json:"success" bson:"success"`
	Content string `json:"content,omitempty" bson:"content,omitempty"`
	Error   string `json:"error,omitempty" bson:"error,omitempty"`
}

// MessageRole discriminates a Message variant.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleModel MessageRole = "model"
	RoleTool  MessageRole = "tool"
)

// Message is one of three variants, selected by Role:
//   - user:  Contents, Name, ID
//   - model: Contents, ToolCalls
//   - tool:  ID, Name, Result
type Message struct {
	Role      MessageRole `json:"role" bson:"role"`
	Contents  []Content   `json:"contents,omitempty" bson:"contents,omitempty"`
	Name      string      `json:"name,omitempty" bson:"name,omitempty"`
	ID        string      `json:"id,omitempty" bson:"id,omitempty"`
	ToolCalls []ToolCall  `json:"toolCalls,omitempty" bson:"toolCalls,omitempty"`
	Result    *ToolResult `json:"result,omitempty" bson:"result,omitempty"`
}

// UserMessage builds a user-role Message from plain text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Contents: []Content{TextContent(text)}}
}

// HasPendingToolCalls reports whether m is a model message with tool calls
// and no following tool-role result has yet been appended by the caller.
// The caller is responsible for checking the message that follows m in the
// slice; this helper only identifies the shape.
func (m Message) HasPendingToolCalls() bool {
	return m.Role == RoleModel && len(m.ToolCalls) > 0
}

// BufferKind discriminates the author of a persisted BufferMessage.
type BufferKind string

const (
	BufferUser  BufferKind = "user"
	BufferActor BufferKind = "actor"
)

// BufferMessage is a Message enriched for persistence and recall.
type BufferMessage struct {
	ID       string     `json:"id" bson:"id"`
	Kind     BufferKind `json:"kind" bson:"kind"`
	Name     string     `json:"name" bson:"name"`
	Contents []Content  `json:"contents" bson:"contents"`
	Time     int64      `json:"time" bson:"time"` // unix ms
}

// Text renders the buffer message's contents as a single string.
func (b BufferMessage) Text() string {
	return RenderText(b.Contents)
}

// ActorKey identifies a unique Actor Worker instance in the process.
type ActorKey struct {
	UserID         int `json:"userId" bson:"userId"`
	ActorID        int `json:"actorId" bson:"actorId"`
	ConversationID int `json:"conversationId" bson:"conversationId"`
}

func (k ActorKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.UserID, k.ActorID, k.ConversationID)
}

// ActorStatus is the worker's state machine: idle -> preparing -> running -> idle.
type ActorStatus string

const (
	StatusIdle      ActorStatus = "idle"
	StatusPreparing ActorStatus = "preparing"
	StatusRunning   ActorStatus = "running"
)

// Tool is the contract the agent run loop executes against. Concrete
// implementations live in internal/tools.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx ToolExecContext, args map[string]any) ToolResult
}

// ToolExecContext carries the per-run values a tool may need. It is
// intentionally small: tools reach external systems through closures
// captured at registration time, not through this context.
type ToolExecContext struct {
	UserID         int
	ActorID        int
	ConversationID int
}

// AgentState is the per-run triple of prompt, messages, tools and tool
// context. It is owned by exactly one run; see the actor package for the
// resume rule governing cross-run retention.
type AgentState struct {
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
	ToolContext  ToolExecContext
}

// Job is a persisted scheduler entry. Interval, when set, is either a plain
// Go duration string ("5m") or a cron expression; the scheduler decides which
// by attempting a cron parse first.
type Job struct {
	ID        string         `json:"id" bson:"id"`
	Name      string         `json:"name" bson:"name"`
	RunAt     int64          `json:"runAt" bson:"runAt"` // unix ms
	Data      map[string]any `json:"data" bson:"data"`
	Interval  string         `json:"interval,omitempty" bson:"interval,omitempty"`
	Unique    map[string]any `json:"unique,omitempty" bson:"unique,omitempty"`
	CreatedAt int64          `json:"createdAt" bson:"createdAt"`
}
