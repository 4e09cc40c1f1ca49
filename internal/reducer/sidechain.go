// sidechain.go — 阶段 4/5:sidechain 子对话镜像摄入与剩余事件包装。
package reducer

import (
	"github.com/multi-agent/go-session-sync/internal/record"
)

// ========================================
// Phase 4 — sidechain 子对话
// ========================================

// ingestSidechains 以 sidechain 作用域镜像阶段 1–3。工具调用/结果同时
// 作用于 sidechain 副本与共享同一 id 的主链占位,两个表面保持一致。
// 每处理完一条记录都把属主工具消息标记为已变更,刷新其物化子树。
func (r *run) ingestSidechains(side []traced) {
	s := r.s
	for _, tr := range side {
		if !r.fresh[tr.rec.ID] {
			continue
		}
		rec := tr.rec
		sc := tr.sidechain

		if prompt, ok := sidechainRootPrompt(rec); ok {
			r.ingestSidechainRoot(sc, rec, prompt)
		} else {
			switch rec.Role {
			case record.RoleUser:
				r.ingestUser(rec, sc)
			case record.RoleAgent:
				r.ingestAgentContent(rec, sc)
			case record.RoleEvent:
				r.wrapEventRecord(rec, sc)
			}
		}

		for _, blk := range rec.Content {
			switch b := blk.(type) {
			case record.ToolCall:
				if b.ID == "" {
					continue
				}
				if msg := s.messageForSidechainTool(b.ID); msg != nil && msg.tool != nil {
					r.updateToolCall(msg, b, rec.CreatedAt)
				} else {
					r.createToolCall(b, rec.CreatedAt, sc)
				}
				// 主链上若有同 id 的占位 (如权限门控的子任务工具),同步更新。
				if main := s.messageForTool(b.ID); main != nil && main.tool != nil {
					r.updateToolCall(main, b, rec.CreatedAt)
				}
			case record.ToolResult:
				r.applyToolResult(s.messageForSidechainTool(b.ToolUseID), b, rec.CreatedAt)
				r.applyToolResult(s.messageForTool(b.ToolUseID), b, rec.CreatedAt)
			}
		}

		if owner := s.messageForTool(sc); owner != nil {
			r.markChanged(owner.id)
		}
	}
}

// ingestSidechainRoot 把子任务 prompt 物化为 sidechain 的首条合成用户消息。
func (r *run) ingestSidechainRoot(sc string, rec record.Record, prompt string) {
	s := r.s
	if s.seen(rec.ID) {
		return
	}
	m := s.newMessage(message{
		realID:    rec.ID,
		createdAt: rec.CreatedAt,
		role:      record.RoleUser,
		kind:      KindUserText,
		text:      prompt,
		meta:      rec.Meta,
		sidechain: sc,
	})
	s.markSeen(rec.ID, m.id)
	r.markChanged(m.id)
}

func sidechainRootPrompt(rec record.Record) (string, bool) {
	for _, blk := range rec.Content {
		if root, ok := blk.(record.SidechainRoot); ok {
			return root.Prompt, true
		}
	}
	return "", false
}

// ========================================
// Phase 5 — 剩余事件记录
// ========================================

// ingestEvents 把仍未被消费的 role=event 主链记录原样包成 agent-event 消息。
func (r *run) ingestEvents(main []traced) {
	for _, tr := range main {
		if !r.fresh[tr.rec.ID] || tr.rec.Role != record.RoleEvent {
			continue
		}
		r.wrapEventRecord(tr.rec, "")
	}
}

func (r *run) wrapEventRecord(rec record.Record, sidechain string) {
	s := r.s
	if s.seen(rec.ID) {
		return
	}
	payload := map[string]any{}
	for _, blk := range rec.Content {
		if ev, ok := blk.(record.Event); ok {
			payload = ev.Payload
			break
		}
	}
	m := s.newMessage(message{
		realID:    rec.ID,
		createdAt: rec.CreatedAt,
		role:      record.RoleAgent,
		kind:      KindAgentEvent,
		event:     payload,
		meta:      rec.Meta,
		sidechain: sidechain,
	})
	s.markSeen(rec.ID, m.id)
	r.markChanged(m.id)
}
