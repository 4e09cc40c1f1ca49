// tracer.go — 将原始记录归类为主链或某条 sidechain 子对话。
package reducer

import (
	"github.com/multi-agent/go-session-sync/internal/record"
)

// tracerState 跨调用记住每条记录的归类结果与当前敞开的 sidechain。
// 归类是写一次的:重投递的记录永远得到与首次相同的判定。
type tracerState struct {
	assignments map[string]string // record id -> sidechain id ("" 表示主链)
	active      string            // 当前接收续传记录的 sidechain id
}

func newTracerState() tracerState {
	return tracerState{assignments: map[string]string{}}
}

// traced 是经过归类标注的一条记录。
type traced struct {
	rec       record.Record
	sidechain string
}

// traceRecords 按到达顺序标注一批记录,并推进 tracer 状态。
func (s *State) traceRecords(recs []record.Record) []traced {
	out := make([]traced, 0, len(recs))
	for _, rec := range recs {
		out = append(out, traced{rec: rec, sidechain: s.traceRecord(rec, recs)})
	}
	return out
}

func (s *State) traceRecord(rec record.Record, batch []record.Record) string {
	if sc, ok := s.tracer.assignments[rec.ID]; ok {
		return sc
	}
	sc := s.classifyRecord(rec, batch)
	s.tracer.assignments[rec.ID] = sc
	if sc != "" {
		s.tracer.active = sc
	}
	return sc
}

// classifyRecord 做首次归类:
//   - 含 sidechain-root 块的记录敞开一条新 sidechain,id 取属主工具调用的
//     id (prompt 匹配);找不到属主时以根记录自身的 id 兜底。
//   - meta 里带 sidechain 标记的记录归入指名的或当前敞开的 sidechain。
//   - 其余记录归主链。
func (s *State) classifyRecord(rec record.Record, batch []record.Record) string {
	for _, blk := range rec.Content {
		if root, ok := blk.(record.SidechainRoot); ok {
			if owner := s.findSidechainOwner(root.Prompt, batch); owner != "" {
				return owner
			}
			return rec.ID
		}
	}
	return s.metaSidechain(rec.Meta)
}

func (s *State) metaSidechain(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if id, ok := meta["sidechainId"].(string); ok && id != "" {
		return id
	}
	if flag, ok := meta["sidechain"].(bool); ok && flag {
		return s.tracer.active
	}
	return ""
}

// findSidechainOwner 按子任务 prompt 定位属主工具调用:先在本批次的
// tool-call 块里找,再在已有的主链工具消息里找。
func (s *State) findSidechainOwner(prompt string, batch []record.Record) string {
	if prompt == "" {
		return ""
	}
	for _, rec := range batch {
		for _, blk := range rec.Content {
			if tc, ok := blk.(record.ToolCall); ok && tc.Input != nil {
				if p, _ := tc.Input["prompt"].(string); p == prompt {
					return tc.ID
				}
			}
		}
	}
	for toolID, msgID := range s.toolMessages {
		msg := s.messages[msgID]
		if msg == nil || msg.tool == nil || msg.tool.Input == nil {
			continue
		}
		if p, _ := msg.tool.Input["prompt"].(string); p == prompt {
			return toolID
		}
	}
	return ""
}

// closeSidechain 在属主工具收到终态结果后关闭续传窗口。
// 已有的 assignments 不受影响:重投递仍得到原判定。
func (s *State) closeSidechain(toolID string) {
	if toolID != "" && s.tracer.active == toolID {
		s.tracer.active = ""
	}
}
