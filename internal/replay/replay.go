// Package replay 从磁盘载入会话记录日志 (JSONL) 与权限账本快照,按步
// 喂给归约器。它服务于 session-replay 调试命令与 fixture 驱动的测试,
// 不是展示层。
package replay

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/multi-agent/go-session-sync/internal/record"
	pkgerr "github.com/multi-agent/go-session-sync/pkg/errors"
)

// maxLineBytes 放宽单行上限,工具结果里常见大段输出。
const maxLineBytes = 4 << 20

// Step 是一次 Reduce 调用的输入:一批记录加可选的账本快照。
type Step struct {
	Records    []record.Record
	AgentState *record.AgentState
}

// Manifest 是 YAML 回放清单:按序列出每一步的记录日志与快照文件。
type Manifest struct {
	Steps []ManifestStep `yaml:"steps"`
}

// ManifestStep 里的路径相对清单文件所在目录解析。
type ManifestStep struct {
	Records    string `yaml:"records"`
	AgentState string `yaml:"agentState,omitempty"`
}

// LoadRecords 读取一个 JSONL 记录日志,每行一条记录,空行跳过。
func LoadRecords(path string) ([]record.Record, error) {
	const op = "replay.LoadRecords"
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, path)
	}
	defer f.Close()

	var records []record.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec record.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, pkgerr.Wrapf(err, op, "%s:%d", path, line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerr.Wrap(err, op, path)
	}
	return records, nil
}

// LoadAgentState 读取一个权限账本快照 (JSON 对象)。
func LoadAgentState(path string) (*record.AgentState, error) {
	const op = "replay.LoadAgentState"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, path)
	}
	var st record.AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, pkgerr.Wrap(err, op, path)
	}
	return &st, nil
}

// LoadManifest 解析 YAML 回放清单并载入每一步引用的文件。
func LoadManifest(path string) ([]Step, error) {
	const op = "replay.LoadManifest"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerr.Wrap(err, op, path)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, pkgerr.Wrap(pkgerr.ErrBadManifest, op, err.Error())
	}
	if len(manifest.Steps) == 0 {
		return nil, pkgerr.Wrap(pkgerr.ErrBadManifest, op, "no steps")
	}

	base := filepath.Dir(path)
	steps := make([]Step, 0, len(manifest.Steps))
	for i, ms := range manifest.Steps {
		if ms.Records == "" {
			return nil, pkgerr.Wrapf(pkgerr.ErrBadManifest, op, "step %d missing records path", i)
		}
		step := Step{}
		records, err := LoadRecords(resolve(base, ms.Records))
		if err != nil {
			return nil, err
		}
		step.Records = records
		if ms.AgentState != "" {
			st, err := LoadAgentState(resolve(base, ms.AgentState))
			if err != nil {
				return nil, err
			}
			step.AgentState = st
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
