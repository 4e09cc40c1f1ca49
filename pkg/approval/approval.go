// Package approval 把人类的审批决定映射到后端给出的选项列表上。
//
// 后端 (codex 风格) 的审批请求携带若干 {optionId, kind} 选项;UI 层拿到
// 用户决定后,需要选出回传给后端的 option id:先按 kind 关键词匹配,
// 落空时退回在 id 上做子串匹配;abort 或始终无法命中时返回取消结果。
package approval

import (
	"strings"
)

// Decision 是人类做出的审批决定。
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionApprovedAmendment  Decision = "approved_execpolicy_amendment"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Option 是后端提供的一个可选审批项。
type Option struct {
	ID   string `json:"optionId"`
	Kind string `json:"kind"`
}

// Outcome 是映射结果:命中时携带 OptionID,否则 Cancelled。
type Outcome struct {
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// decisionKeywords 按优先级列出每个决定的匹配关键词。
var decisionKeywords = map[Decision][]string{
	DecisionApproved:           {"approve", "accept", "allow", "yes"},
	DecisionApprovedForSession: {"session", "always"},
	DecisionApprovedAmendment:  {"amend", "execpolicy"},
	DecisionDenied:             {"deny", "reject", "decline", "no"},
}

// fallbackDecision 在专属关键词落空时退回的更宽泛决定。
// approved_execpolicy_amendment → approved_for_session → approved。
var fallbackDecision = map[Decision]Decision{
	DecisionApprovedAmendment:  DecisionApprovedForSession,
	DecisionApprovedForSession: DecisionApproved,
}

// Resolve 为一个决定选出后端选项。abort 与无法命中都返回取消结果。
func Resolve(options []Option, decision Decision) Outcome {
	if decision == DecisionAbort {
		return Outcome{Cancelled: true}
	}
	for {
		keywords := decisionKeywords[decision]
		if len(keywords) == 0 {
			return Outcome{Cancelled: true}
		}
		if id, ok := match(options, keywords); ok {
			return Outcome{OptionID: id}
		}
		next, ok := fallbackDecision[decision]
		if !ok {
			return Outcome{Cancelled: true}
		}
		decision = next
	}
}

// match 先在 kind 上找关键词,再退回 id 子串匹配。
func match(options []Option, keywords []string) (string, bool) {
	for _, kw := range keywords {
		for _, opt := range options {
			if strings.Contains(strings.ToLower(opt.Kind), kw) {
				return opt.ID, true
			}
		}
	}
	for _, kw := range keywords {
		for _, opt := range options {
			if strings.Contains(strings.ToLower(opt.ID), kw) {
				return opt.ID, true
			}
		}
	}
	return "", false
}
