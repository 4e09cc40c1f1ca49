package reducer

import (
	"testing"
	"time"

	"github.com/multi-agent/go-session-sync/internal/record"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func agentRecord(id string, at time.Time, blocks ...record.Block) record.Record {
	return record.Record{ID: id, Role: record.RoleAgent, CreatedAt: at, Content: blocks}
}

func userRecord(id string, at time.Time, blocks ...record.Block) record.Record {
	return record.Record{ID: id, Role: record.RoleUser, CreatedAt: at, Content: blocks}
}

func TestReduceIdempotency(t *testing.T) {
	batch := []record.Record{
		userRecord("u1", ts(0), record.Text{Text: "run the tests"}),
		agentRecord("a1", ts(1),
			record.Text{Text: "sure"},
			record.Thinking{Thinking: "let me see"},
			record.ToolCall{ID: "t1", Name: "Bash", Input: map[string]any{"command": "go test"}},
		),
		userRecord("u2", ts(2), record.ToolResult{ToolUseID: "t1", Content: map[string]any{"stdout": "ok"}}),
		{ID: "e1", Role: record.RoleEvent, CreatedAt: ts(3), Content: []record.Block{
			record.Event{Payload: map[string]any{"type": "turn-complete"}},
		}},
	}
	agentState := &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p9": {Tool: "Write", Arguments: map[string]any{"path": "x"}, CreatedAt: ts(0)},
		},
	}

	s := NewState()
	first := Reduce(s, batch, agentState)
	if len(first.Messages) == 0 {
		t.Fatal("first reduce produced no messages")
	}

	second := Reduce(s, batch, agentState)
	if len(second.Messages) != 0 {
		t.Fatalf("second reduce changed %d messages, want 0: %+v", len(second.Messages), second.Messages)
	}
}

func TestReduceTimestampImmutable(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{agentRecord("a1", ts(5), record.Text{Text: "hello"})}, nil)
	want := s.History()[0].CreatedAt

	Reduce(s, []record.Record{agentRecord("a1", ts(99), record.Text{Text: "hello"})}, nil)
	Reduce(s, []record.Record{agentRecord("a2", ts(120), record.Text{Text: "more"})}, nil)

	if got := s.History()[0].CreatedAt; !got.Equal(want) {
		t.Fatalf("createdAt = %v, want %v", got, want)
	}
}

func TestPermissionThenToolCallMergesIntoOneMessage(t *testing.T) {
	s := NewState()
	agentState := &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p1": {Tool: "Bash", Arguments: map[string]any{"cmd": "ls"}, CreatedAt: ts(100)},
		},
	}
	first := Reduce(s, nil, agentState)
	if len(first.Messages) != 1 {
		t.Fatalf("placeholder messages = %d, want 1", len(first.Messages))
	}
	if got := first.Messages[0].Tool; got == nil || got.StartedAt != nil {
		t.Fatalf("placeholder tool = %+v, want startedAt nil", got)
	}

	Reduce(s, []record.Record{
		agentRecord("a1", ts(150), record.ToolCall{ID: "p1", Name: "Bash", Input: map[string]any{"cmd": "ls"}}),
	}, agentState)

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("history = %d messages, want exactly one tool-call message", len(history))
	}
	msg := history[0]
	if !msg.CreatedAt.Equal(ts(100)) {
		t.Fatalf("createdAt = %v, want permission time %v", msg.CreatedAt, ts(100))
	}
	if msg.Tool.Permission == nil || msg.Tool.Permission.Status != PermissionPending {
		t.Fatalf("permission = %+v, want pending", msg.Tool.Permission)
	}
	if msg.Tool.StartedAt != nil {
		t.Fatal("startedAt set while permission still pending")
	}
}

func TestStreamingAccumulationAndBackfill(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.ToolCall{ID: "t1", Name: "Bash", Input: map[string]any{"command": "make"}}),
		userRecord("u1", ts(1), record.ToolResult{ToolUseID: "t1", Content: map[string]any{"stdoutChunk": "ab"}}),
		userRecord("u2", ts(2), record.ToolResult{ToolUseID: "t1", Content: map[string]any{"stdoutChunk": "cd"}}),
	}, nil)

	tool := s.History()[0].Tool
	if tool.State != ToolRunning {
		t.Fatalf("state = %v, want running after chunks", tool.State)
	}
	res := tool.Result.(map[string]any)
	if res["stdout"] != "abcd" {
		t.Fatalf(`stdout = %v, want "abcd"`, res["stdout"])
	}

	Reduce(s, []record.Record{
		userRecord("u3", ts(3), record.ToolResult{ToolUseID: "t1", Content: map[string]any{"stderr": "warning"}}),
	}, nil)

	tool = s.History()[0].Tool
	if tool.State != ToolCompleted {
		t.Fatalf("state = %v, want completed", tool.State)
	}
	res = tool.Result.(map[string]any)
	if res["stdout"] != "abcd" {
		t.Fatalf("stdout backfill = %v, want accumulated value", res["stdout"])
	}
	if res["stderr"] != "warning" {
		t.Fatalf(`stderr = %v, want "warning"`, res["stderr"])
	}
	if tool.CompletedAt == nil || !tool.CompletedAt.Equal(ts(3)) {
		t.Fatalf("completedAt = %v, want %v", tool.CompletedAt, ts(3))
	}
}

func TestDuplicateResultRecordWithinBatch(t *testing.T) {
	chunk := userRecord("u1", ts(1), record.ToolResult{ToolUseID: "t1", Content: map[string]any{"stdoutChunk": "ab"}})
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.ToolCall{ID: "t1", Name: "Bash", Input: map[string]any{"command": "make"}}),
		chunk,
		chunk,
	}, nil)

	res := s.History()[0].Tool.Result.(map[string]any)
	if res["stdout"] != "ab" {
		t.Fatalf(`stdout = %v, want "ab" (duplicate record folded once)`, res["stdout"])
	}
}

func TestThinkingMergeWindow(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Thinking{Thinking: "first part"}),
		agentRecord("a2", ts(10), record.Thinking{Thinking: "second part"}),
	}, nil)

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("thinking 10s apart produced %d messages, want 1 merged", len(history))
	}
	if got := history[0].Text; got != "*Thinking...*\n\nfirst part\n\nsecond part" {
		t.Fatalf("merged text = %q", got)
	}
	if !history[0].IsThinking {
		t.Fatal("merged message lost isThinking flag")
	}

	s = NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Thinking{Thinking: "first part"}),
		agentRecord("a2", ts(200), record.Thinking{Thinking: "second part"}),
	}, nil)
	if got := len(s.History()); got != 2 {
		t.Fatalf("thinking 200s apart produced %d messages, want 2", got)
	}
}

func TestThinkingChainInterruptedByText(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Thinking{Thinking: "first"}),
		agentRecord("a2", ts(5), record.Text{Text: "interlude"}),
		agentRecord("a3", ts(10), record.Thinking{Thinking: "second"}),
	}, nil)
	if got := len(s.History()); got != 3 {
		t.Fatalf("history = %d messages, want 3 (interrupted chain)", got)
	}
}

func TestNewestPendingOverridesCompleted(t *testing.T) {
	completedAt := ts(100)
	s := NewState()
	Reduce(s, nil, &record.AgentState{
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "approved", CompletedAt: &completedAt},
		},
	})
	if got := s.History()[0].Tool.Permission.Status; got != PermissionApproved {
		t.Fatalf("status = %v, want approved", got)
	}

	Reduce(s, nil, &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p1": {Tool: "Bash", CreatedAt: ts(200)},
		},
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "approved", CompletedAt: &completedAt},
		},
	})
	if got := s.History()[0].Tool.Permission.Status; got != PermissionPending {
		t.Fatalf("status = %v, want pending (newer pending overrides)", got)
	}
}

func TestStalePendingDoesNotOverrideCompleted(t *testing.T) {
	completedAt := ts(100)
	s := NewState()
	Reduce(s, nil, &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p1": {Tool: "Bash", CreatedAt: ts(50)},
		},
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "approved", CompletedAt: &completedAt},
		},
	})

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("history = %d messages, want 1", len(history))
	}
	if got := history[0].Tool.Permission.Status; got != PermissionApproved {
		t.Fatalf("status = %v, want approved (completed authoritative)", got)
	}
	if got := history[0].Tool.State; got != ToolCompleted {
		t.Fatalf("state = %v, want completed", got)
	}
}

func TestStalePendingAcrossCallsKeepsResolution(t *testing.T) {
	completedAt := ts(100)
	s := NewState()
	Reduce(s, nil, &record.AgentState{
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "approved", CompletedAt: &completedAt},
		},
	})

	// 下一份快照里裁决条目已被裁剪,只剩更早的 pending 回声。
	delta := Reduce(s, nil, &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p1": {Tool: "Bash", CreatedAt: ts(50)},
		},
	})

	if len(delta.Messages) != 0 {
		t.Fatalf("stale pending changed %d messages, want 0", len(delta.Messages))
	}
	if got := s.History()[0].Tool.Permission.Status; got != PermissionApproved {
		t.Fatalf("status = %v, want approved (stale pending ignored)", got)
	}
}

func TestNewerPendingAcrossCallsReopensPermission(t *testing.T) {
	completedAt := ts(100)
	s := NewState()
	Reduce(s, nil, &record.AgentState{
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "approved", CompletedAt: &completedAt},
		},
	})
	Reduce(s, nil, &record.AgentState{
		Requests: map[string]record.PendingRequest{
			"p1": {Tool: "Bash", CreatedAt: ts(200)},
		},
	})

	if got := s.History()[0].Tool.Permission.Status; got != PermissionPending {
		t.Fatalf("status = %v, want pending (strictly newer request)", got)
	}
}

func TestDeniedPermissionForcesErrorState(t *testing.T) {
	completedAt := ts(100)
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.ToolCall{ID: "p1", Name: "Bash", Input: map[string]any{"cmd": "rm -rf"}}),
	}, nil)
	Reduce(s, nil, &record.AgentState{
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "denied", Reason: "too dangerous", CompletedAt: &completedAt},
		},
	})

	tool := s.History()[0].Tool
	if tool.State != ToolError {
		t.Fatalf("state = %v, want error after denial", tool.State)
	}
	res, _ := tool.Result.(map[string]any)
	if res["error"] != "too dangerous" {
		t.Fatalf("result.error = %v, want denial reason", res["error"])
	}
	if tool.Permission.Status != PermissionDenied {
		t.Fatalf("permission.status = %v, want denied", tool.Permission.Status)
	}
}

func TestToolResultPermissionOutranksLedger(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.ToolCall{ID: "p1", Name: "Bash"}),
		userRecord("u1", ts(5), record.ToolResult{
			ToolUseID: "p1",
			Content:   map[string]any{"stdout": "done"},
			Permissions: map[string]any{
				"status":   "approved",
				"decision": "approved_for_session",
				"date":     float64(ts(5).UnixMilli()),
			},
		}),
	}, nil)

	// 迟到的账本回声宣称 denied,但 tool-result 已经定论。
	completedAt := ts(3)
	Reduce(s, nil, &record.AgentState{
		CompletedRequests: map[string]record.CompletedRequest{
			"p1": {Tool: "Bash", Status: "denied", Reason: "stale echo", CompletedAt: &completedAt},
		},
	})

	perm := s.History()[0].Tool.Permission
	if perm.Status != PermissionApproved {
		t.Fatalf("status = %v, want approved (tool-result wins)", perm.Status)
	}
	if perm.Decision != "approved_for_session" {
		t.Fatalf("decision = %v, want preserved", perm.Decision)
	}
	if perm.Date == nil {
		t.Fatal("date missing after tool-result resolution")
	}
}

func TestReadyEventConsumed(t *testing.T) {
	s := NewState()
	res := Reduce(s, []record.Record{
		{ID: "e1", Role: record.RoleEvent, CreatedAt: ts(0), Content: []record.Block{
			record.Event{Payload: map[string]any{"type": "ready"}},
		}},
	}, nil)
	if !res.HasReadyEvent {
		t.Fatal("hasReadyEvent = false, want true")
	}
	if len(res.Messages) != 0 || len(s.History()) != 0 {
		t.Fatalf("ready event produced messages: %+v", res.Messages)
	}
}

func TestContextResetSentinel(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		func() record.Record {
			rec := agentRecord("a1", ts(0), record.ToolCall{ID: "t1", Name: "TodoWrite", Input: map[string]any{
				"todos": []any{map[string]any{"text": "ship it"}},
			}})
			rec.Usage = &record.Usage{InputTokens: 40, OutputTokens: 8}
			return rec
		}(),
	}, nil)
	if got := len(s.Todos()); got != 1 {
		t.Fatalf("todos = %d, want 1", got)
	}

	res := Reduce(s, []record.Record{
		agentRecord("a2", ts(10), record.Text{Text: "Context was reset"}),
	}, nil)
	if got := len(res.Todos); got != 0 {
		t.Fatalf("todos after reset = %d, want 0", got)
	}
	if res.Usage == nil || res.Usage.Total() != 0 {
		t.Fatalf("usage after reset = %+v, want zero", res.Usage)
	}
	// 哨兵消息本身仍要展示。
	if len(res.Messages) != 1 || res.Messages[0].Text != "Context was reset" {
		t.Fatalf("sentinel message = %+v, want visible text", res.Messages)
	}
}

func TestCompactionSentinelPreservesTodos(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		func() record.Record {
			rec := agentRecord("a1", ts(0), record.ToolCall{ID: "t1", Name: "TodoWrite", Input: map[string]any{
				"todos": []any{map[string]any{"text": "keep me"}},
			}})
			rec.Usage = &record.Usage{InputTokens: 100}
			return rec
		}(),
	}, nil)

	res := Reduce(s, []record.Record{
		agentRecord("a2", ts(10), record.Text{Text: "Compaction completed"}),
	}, nil)
	if got := len(res.Todos); got != 1 {
		t.Fatalf("todos after compaction = %d, want 1 preserved", got)
	}
	if res.Usage == nil || res.Usage.Total() != 0 {
		t.Fatalf("usage after compaction = %+v, want zero", res.Usage)
	}
}

func TestUsageLatestWinsByTimestamp(t *testing.T) {
	s := NewState()
	newer := agentRecord("a1", ts(40), record.Text{Text: "x"})
	newer.Usage = &record.Usage{InputTokens: 10}
	older := agentRecord("a2", ts(35), record.Text{Text: "y"})
	older.Usage = &record.Usage{InputTokens: 99}

	// 到达序与时间序相反:旧时间戳后到,不得覆盖。
	Reduce(s, []record.Record{newer}, nil)
	res := Reduce(s, []record.Record{older}, nil)
	if res.Usage.InputTokens != 10 {
		t.Fatalf("usage.inputTokens = %d, want 10 (latest wins)", res.Usage.InputTokens)
	}
}

func TestTodoWriteLatestWins(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(20), record.ToolCall{ID: "t1", Name: "TodoWrite", Input: map[string]any{
			"todos": []any{map[string]any{"text": "new plan"}},
		}}),
		agentRecord("a2", ts(10), record.ToolCall{ID: "t2", Name: "TodoWrite", Input: map[string]any{
			"todos": []any{map[string]any{"text": "old plan"}, map[string]any{"text": "stale"}},
		}}),
	}, nil)

	todos := s.Todos()
	if len(todos) != 1 || todos[0]["text"] != "new plan" {
		t.Fatalf("todos = %+v, want only the newer snapshot", todos)
	}
}

func TestEventAdaptation(t *testing.T) {
	s := NewState()
	res := Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Text{Text: `{"type": "status", "value": "compiling"}`}),
	}, nil)
	if len(res.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(res.Messages))
	}
	msg := res.Messages[0]
	if msg.Kind != KindAgentEvent {
		t.Fatalf("kind = %v, want agent-event", msg.Kind)
	}
	if msg.Event["type"] != "status" || msg.Event["value"] != "compiling" {
		t.Fatalf("event payload = %+v", msg.Event)
	}
}

func TestEventAdaptationFallsThroughOnBadJSON(t *testing.T) {
	s := NewState()
	res := Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Text{Text: `{"type": broken`}),
	}, nil)
	if len(res.Messages) != 1 || res.Messages[0].Kind != KindAgentText {
		t.Fatalf("messages = %+v, want plain agent text", res.Messages)
	}
}

func TestUserLocalIDDedup(t *testing.T) {
	s := NewState()
	optimistic := userRecord("u1", ts(0), record.Text{Text: "hi"})
	optimistic.LocalID = "local-1"
	echo := userRecord("u2", ts(1), record.Text{Text: "hi"})
	echo.LocalID = "local-1"

	Reduce(s, []record.Record{optimistic}, nil)
	res := Reduce(s, []record.Record{echo}, nil)
	if len(res.Messages) != 0 {
		t.Fatalf("echo produced %d messages, want 0", len(res.Messages))
	}
	if got := len(s.History()); got != 1 {
		t.Fatalf("history = %d, want 1", got)
	}
}

func TestGenericEventRecordWrapped(t *testing.T) {
	s := NewState()
	res := Reduce(s, []record.Record{
		{ID: "e1", Role: record.RoleEvent, CreatedAt: ts(0), Content: []record.Block{
			record.Event{Payload: map[string]any{"type": "session-renamed", "name": "refactor"}},
		}},
	}, nil)
	if len(res.Messages) != 1 || res.Messages[0].Kind != KindAgentEvent {
		t.Fatalf("messages = %+v, want one agent-event", res.Messages)
	}
}

func TestChangedSetOnlyContainsTouchedMessages(t *testing.T) {
	s := NewState()
	Reduce(s, []record.Record{
		agentRecord("a1", ts(0), record.Text{Text: "one"}),
		agentRecord("a2", ts(1), record.Text{Text: "two"}),
	}, nil)

	res := Reduce(s, []record.Record{
		agentRecord("a3", ts(2), record.Text{Text: "three"}),
	}, nil)
	if len(res.Messages) != 1 || res.Messages[0].Text != "three" {
		t.Fatalf("changed = %+v, want only the new message", res.Messages)
	}
	if got := len(s.History()); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
}
