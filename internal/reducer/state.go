package reducer

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/multi-agent/go-session-sync/internal/record"
)

// State 是单个会话的归约器状态。
// 由调用方持有并跨调用复用；同一实例绝不能被多个会话共享。
// State 自身不做加锁，调用方负责串行化对同一实例的调用。
type State struct {
	messages map[string]*message
	order    []string // main-chain allocation order
	seq      uint64

	toolMessages          map[string]string // tool/permission id -> message id, write-once
	sidechainToolMessages map[string]string // same, scoped to sidechain tool ids
	localIDs              map[string]string // client localId -> message id
	recordIDs             map[string]string // raw record id -> message id or seen marker
	sidechains            map[string][]*message

	permissions map[string]*StoredPermission

	tracer tracerState

	latestTodos     []map[string]any
	todosUpdatedAt  time.Time
	latestUsage     record.Usage
	usageUpdatedAt  time.Time
	hasUsage        bool

	log *slog.Logger
}

// seenMarker marks a raw record id as processed when no message was
// allocated for it (consumed sentinels, result-only records).
const seenMarker = "-"

// Option configures a State at construction time.
type Option func(*State)

// WithObserver injects a logger used for diagnostics the reducer wants to
// surface without failing the batch. Defaults to a discard logger.
func WithObserver(l *slog.Logger) Option {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// NewState creates an empty reducer state for one conversation.
func NewState(opts ...Option) *State {
	s := &State{
		messages:              map[string]*message{},
		toolMessages:          map[string]string{},
		sidechainToolMessages: map[string]string{},
		localIDs:              map[string]string{},
		recordIDs:             map[string]string{},
		sidechains:            map[string][]*message{},
		permissions:           map[string]*StoredPermission{},
		tracer:                newTracerState(),
		log:                   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newMessage allocates an arena message. Main-chain messages join the order
// list; sidechain messages join their sidechain transcript instead.
func (s *State) newMessage(m message) *message {
	s.seq++
	m.id = uuid.NewString()
	m.seq = s.seq
	msg := &m
	s.messages[msg.id] = msg
	if msg.sidechain == "" {
		s.order = append(s.order, msg.id)
	} else {
		s.sidechains[msg.sidechain] = append(s.sidechains[msg.sidechain], msg)
	}
	return msg
}

// messageForTool resolves a main-chain tool id to its arena message.
func (s *State) messageForTool(toolID string) *message {
	id, ok := s.toolMessages[toolID]
	if !ok {
		return nil
	}
	return s.messages[id]
}

// messageForSidechainTool resolves a sidechain-scoped tool id.
func (s *State) messageForSidechainTool(toolID string) *message {
	id, ok := s.sidechainToolMessages[toolID]
	if !ok {
		return nil
	}
	return s.messages[id]
}

// bindTool registers a tool id -> message binding. Bindings are write-once:
// a second bind for the same id is ignored.
func (s *State) bindTool(toolID, messageID string) {
	if _, ok := s.toolMessages[toolID]; ok {
		return
	}
	s.toolMessages[toolID] = messageID
}

func (s *State) bindSidechainTool(toolID, messageID string) {
	if _, ok := s.sidechainToolMessages[toolID]; ok {
		return
	}
	s.sidechainToolMessages[toolID] = messageID
}

// seen reports whether a raw record id was already folded in.
func (s *State) seen(recordID string) bool {
	_, ok := s.recordIDs[recordID]
	return ok
}

func (s *State) markSeen(recordID, messageID string) {
	if recordID == "" {
		return
	}
	if messageID == "" {
		messageID = seenMarker
	}
	if _, ok := s.recordIDs[recordID]; ok {
		return
	}
	s.recordIDs[recordID] = messageID
}

// setTodos applies a latest-wins update keyed by the source timestamp.
func (s *State) setTodos(todos []map[string]any, at time.Time) bool {
	if !s.todosUpdatedAt.IsZero() && !at.After(s.todosUpdatedAt) {
		return false
	}
	s.latestTodos = todos
	s.todosUpdatedAt = at
	return true
}

// setUsage applies a latest-wins update keyed by the source timestamp.
func (s *State) setUsage(u record.Usage, at time.Time) bool {
	if s.hasUsage && !at.After(s.usageUpdatedAt) {
		return false
	}
	s.latestUsage = u
	s.usageUpdatedAt = at
	s.hasUsage = true
	return true
}

// Todos returns the current latest-wins todo snapshot.
func (s *State) Todos() []map[string]any { return s.latestTodos }

// Usage returns the current latest-wins usage snapshot, nil before the first
// usage-bearing record.
func (s *State) Usage() *record.Usage {
	if !s.hasUsage {
		return nil
	}
	u := s.latestUsage
	return &u
}

// History materializes the full main-chain history in allocation order.
func (s *State) History() []Message {
	return lo.Map(s.order, func(id string, _ int) Message {
		return s.export(s.messages[id])
	})
}
