// helpers.go — 归约器内部的纯函数:思考文本归一化、流式输出块、
// 结构等价比较与工具输入合并。
package reducer

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/multi-agent/go-session-sync/pkg/util"
)

// thinkingEnvelope 是思考消息的展示外壳。追加新片段时先脱壳、拼接、再包壳。
const thinkingEnvelope = "*Thinking...*"

// thinkingMergeWindow 内的连续思考片段合并进同一条消息。
const thinkingMergeWindow = 120 * time.Second

var (
	thinkingTitleRe  = regexp.MustCompile(`^\*\*[^\n]*\*\*[ \t]*\n+`)
	paragraphBreakRe = regexp.MustCompile(`\n{2,}`)
)

// normalizeThinking 归一化一个思考片段:
// 去掉开头的加粗标题行;单个换行折叠为空格;连续空行保留为段落分隔。
func normalizeThinking(raw string) string {
	text := strings.TrimSpace(raw)
	text = thinkingTitleRe.ReplaceAllString(text, "")
	paragraphs := paragraphBreakRe.Split(text, -1)
	kept := paragraphs[:0]
	for _, p := range paragraphs {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\n", " "))
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func wrapThinking(body string) string {
	return thinkingEnvelope + "\n\n" + body
}

func unwrapThinking(text string) string {
	if !strings.HasPrefix(text, thinkingEnvelope) {
		return text
	}
	return strings.TrimLeft(strings.TrimPrefix(text, thinkingEnvelope), "\n ")
}

// appendThinking 把新片段追加进既有思考文本,作为新段落。
func appendThinking(existing, chunk string) string {
	body := unwrapThinking(existing)
	if body == "" {
		return wrapThinking(chunk)
	}
	return wrapThinking(body + "\n\n" + chunk)
}

// streamChunk 判断工具结果是否为流式输出块 ({stdoutChunk?, stderrChunk?})。
// 除这两个键以外出现任何键都视为终态结果。
func streamChunk(content any) (stdout, stderr string, ok bool) {
	m, isMap := content.(map[string]any)
	if !isMap || len(m) == 0 {
		return "", "", false
	}
	for k, v := range m {
		switch k {
		case "stdoutChunk":
			stdout = coerceChunk(v)
		case "stderrChunk":
			stderr = coerceChunk(v)
		default:
			return "", "", false
		}
	}
	return stdout, stderr, true
}

func coerceChunk(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		return fmt.Sprint(c)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// structEqual 做结构等价比较:JSON 归一化后 DeepEqual,键序无关,
// int/float64 解码差异也被抹平。
func structEqual(a, b any) bool {
	return reflect.DeepEqual(util.Normalize(a), util.Normalize(b))
}

// mergeToolInput 合并工具输入:以 incoming 为底,existing 字段覆盖其上
// (权限携带的参数是权威来源),唯 metadata 子对象按键合并且 incoming 按键获胜。
// 任一侧缺 metadata 时走普通覆盖规则。
func mergeToolInput(existing, incoming map[string]any) map[string]any {
	merged := util.CloneMap(incoming)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range existing {
		if k == "metadata" {
			em, eok := v.(map[string]any)
			im, iok := merged["metadata"].(map[string]any)
			if eok && iok {
				meta := util.CloneMap(em)
				for mk, mv := range im {
					meta[mk] = mv
				}
				merged["metadata"] = meta
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// equalStrings 比较两个可选字符串数组,nil 与空数组等价。
func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// looksLikePermissionRequest 识别"被编码成工具调用的权限请求":
// 输入里嵌着指回自身 id 的引用,且状态看起来是待审批。
func looksLikePermissionRequest(id string, input map[string]any) bool {
	if input == nil || id == "" {
		return false
	}
	candidate := input
	if p, ok := input["permission"].(map[string]any); ok {
		candidate = p
	}
	if pid, _ := candidate["id"].(string); pid != id {
		return false
	}
	status, _ := candidate["status"].(string)
	return status == "pending" || status == "requesting"
}

// permissionStatus 归一化账本/后端上报的权限状态字符串。
func permissionStatus(raw string) PermissionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "allow", "allowed":
		return PermissionApproved
	case "denied", "deny", "rejected":
		return PermissionDenied
	case "canceled", "cancelled", "aborted":
		return PermissionCanceled
	case "pending", "requesting":
		return PermissionPending
	default:
		return PermissionStatus(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// parseAnyTime 宽容地解析后端送来的时间值 (RFC3339 字符串或毫秒数)。
func parseAnyTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return &parsed
		}
	case float64:
		parsed := time.UnixMilli(int64(t)).UTC()
		return &parsed
	case int64:
		parsed := time.UnixMilli(t).UTC()
		return &parsed
	}
	return nil
}

// toStringSlice 把 []any / []string 归一化为 []string。
func toStringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// todosFromInput 提取 TodoWrite 输入里的 todos 列表。
func todosFromInput(input map[string]any) ([]map[string]any, bool) {
	raw, ok := input["todos"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	todos := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			todos = append(todos, m)
		}
	}
	return todos, true
}
