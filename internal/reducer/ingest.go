// ingest.go — 阶段 1–3:用户/文本/思考、工具调用、工具结果的主链摄入。
// 阶段 4 在 sidechain.go 里以 sidechain 作用域复用这里的逻辑。
package reducer

import (
	"strings"
	"time"

	"github.com/multi-agent/go-session-sync/internal/record"
	"github.com/multi-agent/go-session-sync/pkg/logger"
	"github.com/multi-agent/go-session-sync/pkg/util"
)

// ========================================
// Phase 1 — 用户 / 文本 / 思考
// ========================================

func (r *run) ingestPrimary(main []traced) {
	for _, tr := range main {
		if !r.fresh[tr.rec.ID] {
			continue
		}
		switch tr.rec.Role {
		case record.RoleUser:
			r.ingestUser(tr.rec, "")
		case record.RoleAgent:
			r.ingestAgentContent(tr.rec, "")
		}
	}
}

func (r *run) ingestUser(rec record.Record, sidechain string) {
	s := r.s
	if rec.LocalID != "" {
		if _, ok := s.localIDs[rec.LocalID]; ok {
			// 乐观上屏的客户端副本已经存在,服务端回声只做登记。
			s.markSeen(rec.ID, "")
			return
		}
	}
	if s.seen(rec.ID) {
		return
	}
	text := textContent(rec)
	if text == "" {
		// 只携带 tool-result 的用户记录不产生用户消息。
		s.markSeen(rec.ID, "")
		return
	}
	m := s.newMessage(message{
		realID:    rec.ID,
		createdAt: rec.CreatedAt,
		role:      record.RoleUser,
		kind:      KindUserText,
		text:      text,
		meta:      rec.Meta,
		sidechain: sidechain,
	})
	s.markSeen(rec.ID, m.id)
	if rec.LocalID != "" {
		s.localIDs[rec.LocalID] = m.id
	}
	r.markChanged(m.id)
}

func (r *run) ingestAgentContent(rec record.Record, sidechain string) {
	s := r.s
	if s.seen(rec.ID) {
		return
	}
	// 先登记,再展开内容块,保证重投递在任何分支都短路。
	s.markSeen(rec.ID, "")
	for _, blk := range rec.Content {
		switch b := blk.(type) {
		case record.Text:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			m := s.newMessage(message{
				realID:    rec.ID,
				createdAt: rec.CreatedAt,
				role:      record.RoleAgent,
				kind:      KindAgentText,
				text:      b.Text,
				meta:      rec.Meta,
				sidechain: sidechain,
			})
			r.markChanged(m.id)
		case record.Thinking:
			r.ingestThinking(rec, b.Thinking, sidechain)
		}
	}
	if rec.Usage != nil {
		s.setUsage(*rec.Usage, rec.CreatedAt)
	}
}

// ingestThinking 归一化思考片段,并在 120 秒窗口内且链尾未被打断时
// 追加进最近一条思考消息,否则另起一条。
func (r *run) ingestThinking(rec record.Record, raw, sidechain string) {
	s := r.s
	chunk := normalizeThinking(raw)
	if chunk == "" {
		return
	}
	if last := s.lastMessage(sidechain); last != nil && last.thinking &&
		withinWindow(last.createdAt, rec.CreatedAt, thinkingMergeWindow) {
		last.text = appendThinking(last.text, chunk)
		r.markChanged(last.id)
		return
	}
	m := s.newMessage(message{
		realID:    rec.ID,
		createdAt: rec.CreatedAt,
		role:      record.RoleAgent,
		kind:      KindAgentText,
		text:      wrapThinking(chunk),
		thinking:  true,
		meta:      rec.Meta,
		sidechain: sidechain,
	})
	r.markChanged(m.id)
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func textContent(rec record.Record) string {
	parts := make([]string, 0, len(rec.Content))
	for _, blk := range rec.Content {
		if t, ok := blk.(record.Text); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// lastMessage 返回对应链路的链尾消息 (sidechain 为空时取主链)。
func (s *State) lastMessage(sidechain string) *message {
	if sidechain != "" {
		list := s.sidechains[sidechain]
		if len(list) == 0 {
			return nil
		}
		return list[len(list)-1]
	}
	if len(s.order) == 0 {
		return nil
	}
	return s.messages[s.order[len(s.order)-1]]
}

// ========================================
// Phase 2 — 工具调用
// ========================================

func (r *run) ingestToolCalls(main []traced) {
	for _, tr := range main {
		if !r.fresh[tr.rec.ID] {
			continue
		}
		for _, blk := range tr.rec.Content {
			if tc, ok := blk.(record.ToolCall); ok && tc.ID != "" {
				if msg := r.s.messageForTool(tc.ID); msg != nil && msg.tool != nil {
					r.updateToolCall(msg, tc, tr.rec.CreatedAt)
				} else {
					r.createToolCall(tc, tr.rec.CreatedAt, "")
				}
			}
		}
	}
}

// updateToolCall 把新到的 tool-call 块合并进已有消息 (权限占位或更早的
// 同 id 调用)。所有写入都带结构等价短路,保证幂等。
func (r *run) updateToolCall(msg *message, blk record.ToolCall, at time.Time) {
	tool := msg.tool
	dirty := false

	if blk.Description != "" && blk.Description != tool.Description {
		tool.Description = blk.Description
		dirty = true
	}
	// 审批还悬着时 startedAt 保持为空。
	if tool.StartedAt == nil && (tool.Permission == nil || tool.Permission.Status == PermissionApproved) {
		started := at
		tool.StartedAt = &started
		dirty = true
	}
	if blk.Input != nil {
		if tool.Input == nil {
			tool.Input = blk.Input
			dirty = true
		} else {
			merged := mergeToolInput(tool.Input, blk.Input)
			if !structEqual(merged, tool.Input) {
				tool.Input = merged
				dirty = true
			}
		}
	}
	if tool.Permission == nil && looksLikePermissionRequest(blk.ID, blk.Input) {
		tool.Permission = &Permission{ID: blk.ID, Status: PermissionPending}
		tool.StartedAt = nil
		dirty = true
	}
	// 已批准的占位此前被立成了终态,真实调用到达说明它实际在跑:重开。
	if perm := tool.Permission; perm != nil && perm.Status == PermissionApproved &&
		tool.State == ToolCompleted && perm.Date == nil {
		tool.State = ToolRunning
		tool.CompletedAt = nil
		tool.Result = nil
		dirty = true
	}
	r.applyTodos(tool, blk.Name)
	if dirty {
		r.markChanged(msg.id)
	}
}

func (r *run) createToolCall(blk record.ToolCall, at time.Time, sidechain string) {
	s := r.s
	createdAt := at
	started := at
	tool := &ToolCall{
		Name:        blk.Name,
		State:       ToolRunning,
		Input:       blk.Input,
		CreatedAt:   at,
		StartedAt:   &started,
		Description: blk.Description,
	}

	// 缓存过的权限是权威来源:参数与时间戳都优先于块自带的。
	// sidechain 内的工具 id 不与主链权限槽位共享。
	if sidechain == "" {
		if stored := s.permissions[blk.ID]; stored != nil {
			if stored.Arguments != nil {
				tool.Input = stored.Arguments
			}
			if !stored.CreatedAt.IsZero() {
				createdAt = stored.CreatedAt
				tool.CreatedAt = createdAt
			}
			tool.Permission = &Permission{
				ID:           blk.ID,
				Status:       stored.Status,
				Reason:       stored.Reason,
				Mode:         stored.Mode,
				AllowedTools: stored.AllowedTools,
				Decision:     stored.Decision,
				Date:         stored.Date,
			}
			switch stored.Status {
			case PermissionPending:
				tool.StartedAt = nil
			case PermissionDenied, PermissionCanceled:
				tool.State = ToolError
				tool.StartedAt = nil
				if stored.CompletedAt != nil {
					done := *stored.CompletedAt
					tool.CompletedAt = &done
				}
				if stored.Reason != "" {
					tool.Result = map[string]any{"error": stored.Reason}
				}
			}
		}
	}
	if tool.Permission == nil && looksLikePermissionRequest(blk.ID, blk.Input) {
		tool.Permission = &Permission{ID: blk.ID, Status: PermissionPending}
		tool.StartedAt = nil
	}

	m := s.newMessage(message{
		realID:    blk.ID,
		createdAt: createdAt,
		role:      record.RoleAgent,
		kind:      KindToolCall,
		tool:      tool,
		sidechain: sidechain,
	})
	if sidechain == "" {
		s.bindTool(blk.ID, m.id)
	} else {
		s.bindSidechainTool(blk.ID, m.id)
	}
	r.markChanged(m.id)
	r.applyTodos(tool, blk.Name)
}

// applyTodos 对 TodoWrite 调用按工具自身的 createdAt 做 latest-wins 更新。
func (r *run) applyTodos(tool *ToolCall, name string) {
	if name != "TodoWrite" || tool.Input == nil {
		return
	}
	if todos, ok := todosFromInput(tool.Input); ok {
		r.s.setTodos(todos, tool.CreatedAt)
	}
}

// ========================================
// Phase 3 — 工具结果
// ========================================

func (r *run) ingestToolResults(main []traced) {
	for _, tr := range main {
		if !r.fresh[tr.rec.ID] {
			continue
		}
		for _, blk := range tr.rec.Content {
			if res, ok := blk.(record.ToolResult); ok {
				r.applyToolResult(r.s.messageForTool(res.ToolUseID), res, tr.rec.CreatedAt)
			}
		}
	}
}

// applyToolResult 把结果折进归属消息。找不到归属、无工具、或工具已离开
// running 态时静默跳过——迟到或重复的终态结果不会翻动既有事实。
func (r *run) applyToolResult(msg *message, blk record.ToolResult, at time.Time) {
	if msg == nil || msg.tool == nil || msg.tool.State != ToolRunning {
		return
	}
	tool := msg.tool

	if stdout, stderr, ok := streamChunk(blk.Content); ok {
		// 流式块只累积输出,绝不终态。
		res, _ := tool.Result.(map[string]any)
		if res == nil {
			res = map[string]any{}
		}
		if stdout != "" {
			res["stdout"] = asString(res["stdout"]) + stdout
		}
		if stderr != "" {
			res["stderr"] = asString(res["stderr"]) + stderr
		}
		tool.Result = res
		r.markChanged(msg.id)
		return
	}

	if blk.IsError {
		tool.State = ToolError
	} else {
		tool.State = ToolCompleted
	}
	done := at
	tool.CompletedAt = &done

	prev := tool.Result
	if m, ok := blk.Content.(map[string]any); ok {
		res := util.CloneMap(m)
		// 终态结果缺省的 stdout/stderr 从累积值回填。
		if old, ok := prev.(map[string]any); ok {
			if _, has := res["stdout"]; !has {
				if v, ok := old["stdout"]; ok {
					res["stdout"] = v
				}
			}
			if _, has := res["stderr"]; !has {
				if v, ok := old["stderr"]; ok {
					res["stderr"] = v
				}
			}
		}
		tool.Result = res
	} else if blk.Content != nil {
		tool.Result = blk.Content
	}

	if blk.Permissions != nil {
		r.mergeResultPermission(msg, blk.Permissions, at)
	}
	r.markChanged(msg.id)
	r.s.closeSidechain(msg.realID)
}

// mergeResultPermission 合并后端随结果上报的权限裁决。结果侧是权威来源;
// 既有 Decision 在结果未提供时保留。
func (r *run) mergeResultPermission(msg *message, perms map[string]any, at time.Time) {
	tool := msg.tool
	perm := tool.Permission
	if perm == nil {
		perm = &Permission{ID: msg.realID}
		tool.Permission = perm
	}
	if v, ok := perms["status"].(string); ok && v != "" {
		perm.Status = permissionStatus(v)
	}
	if v, ok := perms["reason"].(string); ok && v != "" {
		perm.Reason = v
	}
	if v, ok := perms["mode"].(string); ok && v != "" {
		perm.Mode = v
	}
	if tools := toStringSlice(perms["allowedTools"]); tools != nil {
		perm.AllowedTools = tools
	}
	if v, ok := perms["decision"].(string); ok && v != "" {
		perm.Decision = v
	}
	if d := parseAnyTime(perms["date"]); d != nil {
		perm.Date = d
	} else {
		// date 缺席时裁决无法锁定,之后的账本回声仍可能改写它。
		r.s.log.Warn("tool result carried permission resolution without date",
			logger.FieldToolID, msg.realID)
	}
	r.s.cacheResultPermission(msg.realID, perm, at)
}
