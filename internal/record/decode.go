package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerr "github.com/multi-agent/go-session-sync/pkg/errors"
)

// timestamp accepts either an RFC3339 string or a unix-milliseconds number.
// Normalizers disagree on which one they emit.
type timestamp struct {
	time.Time
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	millis, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", raw, err)
	}
	t.Time = time.UnixMilli(int64(millis)).UTC()
	return nil
}

type recordJSON struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	CreatedAt timestamp         `json:"createdAt"`
	LocalID   string            `json:"localId,omitempty"`
	Meta      map[string]any    `json:"meta,omitempty"`
	Content   []json.RawMessage `json:"content,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
}

type blockJSON struct {
	Type        string         `json:"type"`
	Text        string         `json:"text,omitempty"`
	Thinking    string         `json:"thinking,omitempty"`
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	Content     any            `json:"content,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// UnmarshalJSON decodes a record envelope. Unknown block kinds degrade to
// Event blocks carrying the raw object, so one odd block never fails the
// whole record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env recordJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return pkgerr.Wrap(err, "Record.UnmarshalJSON", "envelope")
	}
	if env.ID == "" {
		return pkgerr.Wrap(pkgerr.ErrBadRecord, "Record.UnmarshalJSON", "missing id")
	}

	r.ID = env.ID
	r.Role = env.Role
	r.CreatedAt = env.CreatedAt.Time
	r.LocalID = env.LocalID
	r.Meta = env.Meta
	r.Usage = env.Usage
	r.Content = r.Content[:0]

	for _, raw := range env.Content {
		block, err := decodeBlock(raw)
		if err != nil {
			return pkgerr.Wrap(err, "Record.UnmarshalJSON", "content block")
		}
		r.Content = append(r.Content, block)
	}
	return nil
}

func decodeBlock(raw json.RawMessage) (Block, error) {
	var b blockJSON
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	switch b.Type {
	case "text":
		return Text{Text: b.Text}, nil
	case "thinking":
		return Thinking{Thinking: b.Thinking}, nil
	case "tool-call", "tool_use":
		return ToolCall{ID: b.ID, Name: b.Name, Input: b.Input, Description: b.Description}, nil
	case "tool-result", "tool_result":
		return ToolResult{ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError, Permissions: b.Permissions}, nil
	case "sidechain-root":
		return SidechainRoot{Prompt: b.Prompt}, nil
	case "event":
		payload := b.Payload
		if payload == nil {
			payload = map[string]any{}
			_ = json.Unmarshal(raw, &payload)
			delete(payload, "type")
		}
		return Event{Payload: payload}, nil
	default:
		// Unknown kind: keep whatever the backend sent as an opaque event.
		payload := map[string]any{}
		_ = json.Unmarshal(raw, &payload)
		return Event{Payload: payload}, nil
	}
}

type pendingRequestJSON struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt timestamp      `json:"createdAt"`
}

func (p *PendingRequest) UnmarshalJSON(data []byte) error {
	var env pendingRequestJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Tool = env.Tool
	p.Arguments = env.Arguments
	p.CreatedAt = env.CreatedAt.Time
	return nil
}

type completedRequestJSON struct {
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Status       string         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	AllowedTools []string       `json:"allowedTools,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	CompletedAt  *timestamp     `json:"completedAt,omitempty"`
}

func (c *CompletedRequest) UnmarshalJSON(data []byte) error {
	var env completedRequestJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.Tool = env.Tool
	c.Arguments = env.Arguments
	c.Status = env.Status
	c.Reason = env.Reason
	c.Mode = env.Mode
	c.AllowedTools = env.AllowedTools
	c.Decision = env.Decision
	if env.CompletedAt != nil && !env.CompletedAt.IsZero() {
		t := env.CompletedAt.Time
		c.CompletedAt = &t
	}
	return nil
}
