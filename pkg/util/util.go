// Package util 提供通用工具函数。
package util

import (
	"encoding/json"
)

// ToMapAny 将任意值转为 map[string]any。
//
// 已经是 map[string]any 则直接返回 (零分配)。
// 否则通过 json marshal+unmarshal 转换，失败返回空 map。
func ToMapAny(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	if raw, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// Normalize 通过 JSON round-trip 将任意值归一化为泛型形态
// (map[string]any / []any / float64 / string / bool / nil)。
// 用于结构等价比较，屏蔽 int 与 float64 等解码差异。
func Normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// CloneMap 深拷贝 map[string]any (JSON round-trip)。nil 返回 nil。
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := map[string]any{}
	raw, err := json.Marshal(m)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// ClampInt 将值限制在 [lo, hi] 范围内。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
