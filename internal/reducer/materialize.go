// materialize.go — 把内部消息导出为对外的消息树。
package reducer

import (
	"sort"

	"github.com/samber/lo"

	"github.com/multi-agent/go-session-sync/pkg/util"
)

// materialize 只导出本次调用改动过的主链消息 (按分配顺序),并附上滚动
// 聚合。sidechain 内的变更通过属主消息的 Children 刷新体现。
func (r *run) materialize() Result {
	s := r.s
	changed := make([]*message, 0, len(r.changed))
	for id := range r.changed {
		if msg := s.messages[id]; msg != nil && msg.sidechain == "" {
			changed = append(changed, msg)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	return Result{
		Messages: lo.Map(changed, func(msg *message, _ int) Message {
			return s.export(msg)
		}),
		Todos:         s.latestTodos,
		Usage:         s.Usage(),
		HasReadyEvent: r.hasReady,
	}
}

// export 把一条内部消息转成对外形态。工具调用消息递归解析
// sidechains[realID] 作为 Children;返回值与内部状态不共享可变结构。
func (s *State) export(msg *message) Message {
	out := Message{
		ID:         msg.id,
		RealID:     msg.realID,
		Role:       msg.role,
		Kind:       msg.kind,
		CreatedAt:  msg.createdAt,
		Text:       msg.text,
		IsThinking: msg.thinking,
		Event:      util.CloneMap(msg.event),
		Meta:       util.CloneMap(msg.meta),
	}
	if msg.tool != nil {
		out.Tool = cloneToolCall(msg.tool)
		if kids := s.sidechains[msg.realID]; len(kids) > 0 {
			out.Children = lo.Map(kids, func(child *message, _ int) Message {
				return s.export(child)
			})
		}
	}
	return out
}

func cloneToolCall(tool *ToolCall) *ToolCall {
	cp := *tool
	cp.Input = util.CloneMap(tool.Input)
	if res, ok := tool.Result.(map[string]any); ok {
		cp.Result = util.CloneMap(res)
	}
	if tool.StartedAt != nil {
		at := *tool.StartedAt
		cp.StartedAt = &at
	}
	if tool.CompletedAt != nil {
		at := *tool.CompletedAt
		cp.CompletedAt = &at
	}
	cp.Permission = tool.Permission.clone()
	return &cp
}
