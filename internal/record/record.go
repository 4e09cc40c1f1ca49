// Package record defines the raw session records consumed by the reducer:
// the record envelope, the closed set of content blocks, and the
// externally-owned permission snapshot (AgentState).
//
// Records are produced by per-backend normalizers that are not part of this
// module. The only contract they must honor is a stable ID per record across
// redelivery and a caller-assigned CreatedAt that is never mutated here.
package record

import (
	"time"
)

// Role classifies who (or what) produced a record.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleEvent Role = "event"
)

// Record is one raw entry of a session stream.
type Record struct {
	ID        string
	Role      Role
	CreatedAt time.Time
	LocalID   string // client-assigned provisional id for user messages
	Meta      map[string]any
	Content   []Block
	Usage     *Usage // token accounting riding on agent records
}

// Usage holds token usage counters as reported by the backend.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Total returns the sum of all counters.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Block is the closed union of content block kinds. Adding a kind is a
// compile-time decision: every ingestion phase switches exhaustively over
// these types.
type Block interface {
	isBlock()
}

// Text is a plain text block.
type Text struct {
	Text string
}

// Thinking is a reasoning-trace chunk.
type Thinking struct {
	Thinking string
}

// ToolCall announces a tool invocation. ID doubles as the permission id
// when the call is gated by human approval.
type ToolCall struct {
	ID          string
	Name        string
	Input       map[string]any
	Description string
}

// ToolResult carries the outcome (terminal or streamed chunk) of a tool
// invocation, addressed by the originating call id.
type ToolResult struct {
	ToolUseID   string
	Content     any
	IsError     bool
	Permissions map[string]any // backend-reported permission resolution
}

// SidechainRoot opens a nested sub-conversation; Prompt is the sub-task
// prompt handed to the spawned agent.
type SidechainRoot struct {
	Prompt string
}

// Event is a structured event payload (role=event records, or unknown
// block kinds degraded to an opaque payload).
type Event struct {
	Payload map[string]any
}

func (Text) isBlock()          {}
func (Thinking) isBlock()      {}
func (ToolCall) isBlock()      {}
func (ToolResult) isBlock()    {}
func (SidechainRoot) isBlock() {}
func (Event) isBlock()         {}

// AgentState is the externally-maintained permission ledger supplied
// alongside a record batch. It may be absent.
type AgentState struct {
	Requests          map[string]PendingRequest   `json:"requests,omitempty"`
	CompletedRequests map[string]CompletedRequest `json:"completedRequests,omitempty"`
}

// PendingRequest is an in-flight human-approval request.
type PendingRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CompletedRequest is a resolved human-approval request.
type CompletedRequest struct {
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Status       string         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}
