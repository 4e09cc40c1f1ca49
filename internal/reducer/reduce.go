// Package reducer 实现会话消息归约器:把异构、可能重复、可能乱序的
// 原始记录流 (外加外部持有的权限账本快照) 折叠成去重的层级消息历史。
//
// 一次 Reduce 调用是一次纯状态迁移,无 I/O、无阻塞;固定顺序执行各阶段:
//
//	0  消息→事件转换 (哨兵消费、整记录事件适配)
//	0' 权限账本摄入
//	1  用户 / 文本 / 思考
//	2  工具调用
//	3  工具结果
//	4  sidechain 子对话 (镜像 1–3)
//	5  剩余事件记录
//
// 之后物化器只导出本次调用改动过的消息。状态存储才是权威历史,
// 返回值只是增量。
package reducer

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/multi-agent/go-session-sync/internal/record"
)

// 两条哨兵文本:上下文重置清空 todos 与 usage,压缩完成只清 usage。
const (
	sentinelContextReset = "Context was reset"
	sentinelCompaction   = "Compaction completed"
)

// run 承载单次 Reduce 调用的批次局部状态。
type run struct {
	s        *State
	changed  map[string]struct{} // 本次改动过的内部消息 id
	fresh    map[string]bool     // record id -> 调用开始时尚未见过
	incoming map[string]struct{} // 本批次剩余主链记录携带的 tool-call id
	hasReady bool
}

// Reduce 把一批原始记录 (及可选的权限账本快照) 折叠进状态,返回本次
// 改动的消息增量与滚动聚合。同一 State 实例的调用必须由调用方串行化。
func Reduce(s *State, records []record.Record, agentState *record.AgentState) Result {
	r := &run{
		s:        s,
		changed:  map[string]struct{}{},
		fresh:    map[string]bool{},
		incoming: map[string]struct{}{},
	}

	annotated := s.traceRecords(records)
	// 同批内按 record id 去重,只保留首次出现;跨批重复由 seen 标记兜底。
	deduped := make([]traced, 0, len(annotated))
	for _, tr := range annotated {
		if _, dup := r.fresh[tr.rec.ID]; dup {
			continue
		}
		r.fresh[tr.rec.ID] = !s.seen(tr.rec.ID)
		deduped = append(deduped, tr)
	}
	annotated = deduped

	var main, side []traced
	for _, tr := range annotated {
		if tr.sidechain == "" {
			main = append(main, tr)
		} else {
			side = append(side, tr)
		}
	}

	main = r.convertEvents(main)
	r.collectIncomingToolIDs(main)
	r.ingestAgentState(agentState)
	r.ingestPrimary(main)
	r.ingestToolCalls(main)
	r.ingestToolResults(main)
	r.ingestSidechains(side)
	r.ingestEvents(main)

	return r.materialize()
}

func (r *run) markChanged(messageID string) {
	r.changed[messageID] = struct{}{}
}

// ========================================
// Phase 0 — 消息→事件转换
// ========================================

// convertEvents 消费哨兵记录并把"整条记录即事件"的记录转成
// agent-event 消息,返回进入后续阶段的剩余记录。
func (r *run) convertEvents(main []traced) []traced {
	s := r.s
	remaining := make([]traced, 0, len(main))
	for _, tr := range main {
		rec := tr.rec
		if !r.fresh[rec.ID] {
			remaining = append(remaining, tr)
			continue
		}
		if isReadyEvent(rec) {
			r.hasReady = true
			s.markSeen(rec.ID, "")
			continue
		}
		// 哨兵文本消费滚动聚合后继续流向阶段 1,消息本身仍要展示。
		if hasSentinelText(rec, sentinelContextReset) {
			s.setTodos([]map[string]any{}, rec.CreatedAt)
			s.setUsage(record.Usage{}, rec.CreatedAt)
		} else if hasSentinelText(rec, sentinelCompaction) {
			s.setUsage(record.Usage{}, rec.CreatedAt)
		}
		if payload, ok := adaptEvent(rec); ok {
			m := s.newMessage(message{
				realID:    rec.ID,
				createdAt: rec.CreatedAt,
				role:      record.RoleAgent,
				kind:      KindAgentEvent,
				event:     payload,
				meta:      rec.Meta,
			})
			s.markSeen(rec.ID, m.id)
			r.markChanged(m.id)
			continue
		}
		remaining = append(remaining, tr)
	}
	return remaining
}

func (r *run) collectIncomingToolIDs(main []traced) {
	for _, tr := range main {
		for _, blk := range tr.rec.Content {
			if tc, ok := blk.(record.ToolCall); ok && tc.ID != "" {
				r.incoming[tc.ID] = struct{}{}
			}
		}
	}
}

// isReadyEvent 识别只含 ready 事件负载的哨兵记录。
func isReadyEvent(rec record.Record) bool {
	if len(rec.Content) != 1 {
		return false
	}
	ev, ok := rec.Content[0].(record.Event)
	if !ok {
		return false
	}
	t, _ := ev.Payload["type"].(string)
	return t == "ready"
}

func hasSentinelText(rec record.Record, sentinel string) bool {
	for _, blk := range rec.Content {
		if t, ok := blk.(record.Text); ok && strings.TrimSpace(t.Text) == sentinel {
			return true
		}
	}
	return false
}

// adaptEvent 尝试把整条记录重释为结构化事件:唯一内容块是一段 JSON
// 对象文本且携带 type 字符串时成立。失败则原样流向阶段 1。
func adaptEvent(rec record.Record) (map[string]any, bool) {
	if rec.Role == record.RoleEvent || len(rec.Content) != 1 {
		return nil, false
	}
	text, ok := rec.Content[0].(record.Text)
	if !ok {
		return nil, false
	}
	trimmed := strings.TrimSpace(text.Text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, false
	}
	if t, _ := payload["type"].(string); t == "" {
		return nil, false
	}
	return payload, true
}

// ========================================
// Phase 0' — 权限账本摄入
// ========================================

func (r *run) ingestAgentState(st *record.AgentState) {
	if st == nil {
		return
	}
	// map 迭代序不定,按 id 排序保证跨调用确定性。
	overridden := map[string]struct{}{}
	for _, id := range sortedKeys(st.Requests) {
		req := st.Requests[id]
		if comp, ok := st.CompletedRequests[id]; ok {
			// 只有严格更新的 pending 才能压过已完成的同名请求。
			if comp.CompletedAt != nil && !req.CreatedAt.After(*comp.CompletedAt) {
				continue
			}
			overridden[id] = struct{}{}
		}
		r.ingestPendingRequest(id, req)
	}
	for _, id := range sortedKeys(st.CompletedRequests) {
		if _, ok := overridden[id]; ok {
			continue
		}
		r.ingestCompletedRequest(id, st.CompletedRequests[id])
	}
}

func (r *run) ingestPendingRequest(id string, req record.PendingRequest) {
	s := r.s
	if _, accepted := s.cachePending(id, req); !accepted {
		// 过期的 pending (早于已缓存的裁决) 不能污染消息侧。
		return
	}

	msg := s.messageForTool(id)
	if msg == nil || msg.tool == nil {
		// 真正的工具调用尚未到达:先立一个占位消息,startedAt 留空。
		tool := &ToolCall{
			Name:       req.Tool,
			State:      ToolRunning,
			Input:      req.Arguments,
			CreatedAt:  req.CreatedAt,
			Permission: &Permission{ID: id, Status: PermissionPending},
		}
		m := s.newMessage(message{
			realID:    id,
			createdAt: req.CreatedAt,
			role:      record.RoleAgent,
			kind:      KindToolCall,
			tool:      tool,
		})
		s.bindTool(id, m.id)
		r.markChanged(m.id)
		return
	}

	dirty := false
	if req.Arguments != nil && !structEqual(msg.tool.Input, req.Arguments) {
		msg.tool.Input = req.Arguments
		dirty = true
	}
	// 不重置 startedAt,也不碰已进入 completed/error 的 state。
	// 但更新的 pending 要把未被 tool-result 定论的权限翻回待审批。
	if perm := msg.tool.Permission; perm == nil {
		msg.tool.Permission = &Permission{ID: id, Status: PermissionPending}
		dirty = true
	} else if perm.Date == nil && perm.Status != PermissionPending {
		perm.Status = PermissionPending
		perm.Reason = ""
		perm.Decision = ""
		dirty = true
	}
	if dirty {
		r.markChanged(msg.id)
	}
}

func (r *run) ingestCompletedRequest(id string, comp record.CompletedRequest) {
	s := r.s
	status := permissionStatus(comp.Status)

	msg := s.messageForTool(id)
	if msg == nil || msg.tool == nil {
		stored := s.cacheCompleted(id, comp)
		if _, incoming := r.incoming[id]; incoming {
			// 本批次就带着这个工具调用,阶段 2 会连同缓存的权限一起物化。
			return
		}
		r.materializeCompletedPlaceholder(id, comp, status, stored)
		return
	}

	perm := msg.tool.Permission
	// 真实执行压过迟到的账本回声;tool-result 已定论的 (带 date) 同理。
	if msg.tool.StartedAt != nil && perm != nil && perm.Status == PermissionApproved {
		return
	}
	if perm != nil && perm.Date != nil {
		return
	}
	s.cacheCompleted(id, comp)

	if perm == nil {
		perm = &Permission{ID: id}
		msg.tool.Permission = perm
		r.markChanged(msg.id)
	}
	dirty := false
	if perm.Status != status {
		perm.Status = status
		dirty = true
	}
	if comp.Reason != "" && perm.Reason != comp.Reason {
		perm.Reason = comp.Reason
		dirty = true
	}
	if comp.Mode != "" && perm.Mode != comp.Mode {
		perm.Mode = comp.Mode
		dirty = true
	}
	if comp.AllowedTools != nil && !equalStrings(perm.AllowedTools, comp.AllowedTools) {
		perm.AllowedTools = comp.AllowedTools
		dirty = true
	}
	if comp.Decision != "" && perm.Decision != comp.Decision {
		perm.Decision = comp.Decision
		dirty = true
	}

	switch status {
	case PermissionDenied, PermissionCanceled:
		if msg.tool.State != ToolError {
			msg.tool.State = ToolError
			dirty = true
		}
		if msg.tool.CompletedAt == nil && comp.CompletedAt != nil {
			at := *comp.CompletedAt
			msg.tool.CompletedAt = &at
			dirty = true
		}
		if comp.Reason != "" && attachResultError(msg.tool, comp.Reason) {
			dirty = true
		}
	case PermissionApproved:
		if msg.tool.State != ToolCompleted && msg.tool.State != ToolError && msg.tool.State != ToolRunning {
			msg.tool.State = ToolRunning
			dirty = true
		}
	}
	if dirty {
		r.markChanged(msg.id)
	}
}

// materializeCompletedPlaceholder 为没有任何消息承载的已完成权限直接
// 立一条终态占位消息。
func (r *run) materializeCompletedPlaceholder(id string, comp record.CompletedRequest, status PermissionStatus, stored *StoredPermission) {
	s := r.s
	state := ToolCompleted
	if status == PermissionDenied || status == PermissionCanceled {
		state = ToolError
	}
	createdAt := stored.CreatedAt
	if createdAt.IsZero() && comp.CompletedAt != nil {
		createdAt = *comp.CompletedAt
	}
	tool := &ToolCall{
		Name:      comp.Tool,
		State:     state,
		Input:     comp.Arguments,
		CreatedAt: createdAt,
		Permission: &Permission{
			ID:           id,
			Status:       status,
			Reason:       comp.Reason,
			Mode:         comp.Mode,
			AllowedTools: comp.AllowedTools,
			Decision:     comp.Decision,
		},
	}
	if comp.CompletedAt != nil {
		at := *comp.CompletedAt
		tool.CompletedAt = &at
	}
	if state == ToolError && comp.Reason != "" {
		tool.Result = map[string]any{"error": comp.Reason}
	}
	m := s.newMessage(message{
		realID:    id,
		createdAt: createdAt,
		role:      record.RoleAgent,
		kind:      KindToolCall,
		tool:      tool,
	})
	s.bindTool(id, m.id)
	r.markChanged(m.id)
}

// attachResultError 在结果对象上补一个 error 字段,已有时不覆盖。
func attachResultError(tool *ToolCall, reason string) bool {
	switch res := tool.Result.(type) {
	case nil:
		tool.Result = map[string]any{"error": reason}
		return true
	case map[string]any:
		if _, ok := res["error"]; ok {
			return false
		}
		res["error"] = reason
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ========================================
// 权限缓存 (StoredPermission)
// ========================================

// cachePending 把 pending 请求写进本地权限缓存。缓存里已被 tool-result
// 定论 (带 Date) 的条目不再被账本改写;已完成条目只让位给严格更新的
// pending。第二个返回值表示写入是否被接受。
func (s *State) cachePending(id string, req record.PendingRequest) (*StoredPermission, bool) {
	p := s.permissions[id]
	if p == nil {
		p = &StoredPermission{ID: id}
		s.permissions[id] = p
	} else if p.Date != nil {
		return p, false
	} else if p.Status != PermissionPending && p.Status != "" {
		if p.CompletedAt != nil && !req.CreatedAt.After(*p.CompletedAt) {
			return p, false
		}
	}
	p.Tool = req.Tool
	p.Arguments = req.Arguments
	p.CreatedAt = req.CreatedAt
	p.Status = PermissionPending
	p.CompletedAt = nil
	p.Reason = ""
	p.Decision = ""
	return p, true
}

func (s *State) cacheCompleted(id string, comp record.CompletedRequest) *StoredPermission {
	p := s.permissions[id]
	if p == nil {
		p = &StoredPermission{ID: id}
		s.permissions[id] = p
	} else if p.Date != nil {
		return p
	}
	if p.Tool == "" {
		p.Tool = comp.Tool
	}
	if comp.Arguments != nil {
		p.Arguments = comp.Arguments
	}
	p.Status = permissionStatus(comp.Status)
	p.Reason = comp.Reason
	p.Mode = comp.Mode
	if comp.AllowedTools != nil {
		p.AllowedTools = comp.AllowedTools
	}
	p.Decision = comp.Decision
	if comp.CompletedAt != nil {
		at := *comp.CompletedAt
		p.CompletedAt = &at
	}
	return p
}

// cacheResultPermission 用 tool-result 携带的裁决回写缓存,从此账本
// 的迟到回声不再能改写这条权限。
func (s *State) cacheResultPermission(id string, perm *Permission, completedAt time.Time) {
	p := s.permissions[id]
	if p == nil {
		p = &StoredPermission{ID: id}
		s.permissions[id] = p
	}
	p.Status = perm.Status
	p.Reason = perm.Reason
	p.Mode = perm.Mode
	p.AllowedTools = perm.AllowedTools
	p.Decision = perm.Decision
	p.Date = perm.Date
	if p.CompletedAt == nil && !completedAt.IsZero() {
		at := completedAt
		p.CompletedAt = &at
	}
}
