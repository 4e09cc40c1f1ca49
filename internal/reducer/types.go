package reducer

import (
	"time"

	"github.com/multi-agent/go-session-sync/internal/record"
)

// Kind classifies a materialized message for the presentation layer.
type Kind string

const (
	KindUserText   Kind = "user-text"
	KindAgentText  Kind = "agent-text"
	KindToolCall   Kind = "tool-call"
	KindAgentEvent Kind = "agent-event"
)

// ToolState is the lifecycle state of one tool invocation.
type ToolState string

const (
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// PermissionStatus is the human-approval state attached to a tool call.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
	PermissionCanceled PermissionStatus = "canceled"
)

// Permission is the approval snapshot carried on a tool call.
// Date is set only once a tool result reported the resolution; from that
// point the ledger can no longer rewrite this permission.
type Permission struct {
	ID           string           `json:"id"`
	Status       PermissionStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Mode         string           `json:"mode,omitempty"`
	AllowedTools []string         `json:"allowedTools,omitempty"`
	Decision     string           `json:"decision,omitempty"`
	Date         *time.Time       `json:"date,omitempty"`
}

func (p *Permission) clone() *Permission {
	if p == nil {
		return nil
	}
	cp := *p
	if p.AllowedTools != nil {
		cp.AllowedTools = append([]string(nil), p.AllowedTools...)
	}
	if p.Date != nil {
		d := *p.Date
		cp.Date = &d
	}
	return &cp
}

// ToolCall is one tool invocation with its inputs, result and approval state.
// StartedAt stays nil while the call is gated on a pending permission.
type ToolCall struct {
	Name        string         `json:"name"`
	State       ToolState      `json:"state"`
	Input       map[string]any `json:"input,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Description string         `json:"description,omitempty"`
	Result      any            `json:"result,omitempty"`
	Permission  *Permission    `json:"permission,omitempty"`
}

// StoredPermission is the reducer-local permission cache entry. It is fed by
// both the external ledger and tool-result metadata, and survives even when
// no message references the id yet.
type StoredPermission struct {
	ID           string
	Tool         string
	Arguments    map[string]any
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Status       PermissionStatus
	Reason       string
	Mode         string
	AllowedTools []string
	Decision     string
	Date         *time.Time
}

// Message is the externally visible message shape. Tool-call messages carry
// their sidechain transcript in Children.
type Message struct {
	ID         string         `json:"id"`
	RealID     string         `json:"realId,omitempty"`
	Role       record.Role    `json:"role"`
	Kind       Kind           `json:"kind"`
	CreatedAt  time.Time      `json:"createdAt"`
	Text       string         `json:"text,omitempty"`
	IsThinking bool           `json:"isThinking,omitempty"`
	Tool       *ToolCall      `json:"tool,omitempty"`
	Event      map[string]any `json:"event,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Children   []Message      `json:"children,omitempty"`
}

// Result is what one Reduce invocation hands back to the caller. Messages
// contains only messages created or changed by this call; the state store is
// the authoritative history.
type Result struct {
	Messages      []Message        `json:"messages"`
	Todos         []map[string]any `json:"todos,omitempty"`
	Usage         *record.Usage    `json:"usage,omitempty"`
	HasReadyEvent bool             `json:"hasReadyEvent,omitempty"`
}

// message is the internal arena entry. createdAt and realID are immutable
// once allocated.
type message struct {
	id        string
	seq       uint64
	realID    string
	createdAt time.Time
	role      record.Role
	kind      Kind
	text      string
	thinking  bool
	tool      *ToolCall
	event     map[string]any
	meta      map[string]any
	sidechain string // "" for main-chain messages
}
