// cmd/session-replay — 把 JSONL 会话记录日志 (可选配账本快照) 喂给归约器,
// 以 JSON 输出归约后的消息树。开发调试工具,不是展示层。
package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/multi-agent/go-session-sync/internal/record"
	"github.com/multi-agent/go-session-sync/internal/reducer"
	"github.com/multi-agent/go-session-sync/internal/replay"
	"github.com/multi-agent/go-session-sync/pkg/logger"
)

var (
	flagManifest   string
	flagAgentState string
	flagDeltas     bool
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "session-replay [records.jsonl ...]",
	Short: "Replay session record logs through the message reducer",
	Long: `session-replay 按到达顺序回放会话记录,经归约器折叠后输出消息历史。

每个位置参数是一个 JSONL 记录日志,作为一步 Reduce 调用;--agent-state
给每一步附加同一份权限账本快照。多步各异的回放用 --manifest 指定 YAML
清单:

  steps:
    - records: step1.jsonl
      agentState: state1.json
    - records: step2.jsonl`,
	Args: cobra.ArbitraryArgs,
	RunE: runReplay,
}

func init() {
	rootCmd.Flags().StringVar(&flagManifest, "manifest", "", "YAML 回放清单 (与位置参数互斥)")
	rootCmd.Flags().StringVar(&flagAgentState, "agent-state", "", "附加给每一步的账本快照 JSON")
	rootCmd.Flags().BoolVar(&flagDeltas, "deltas", false, "输出每一步的变更增量而非最终历史")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "调试日志")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		logger.InitVerbose("development")
	} else {
		logger.Init("development")
	}

	steps, err := loadSteps(args)
	if err != nil {
		return err
	}

	state := reducer.NewState(reducer.WithObserver(logger.Get()))
	var deltas []reducer.Result
	for i, step := range steps {
		res := reducer.Reduce(state, step.Records, step.AgentState)
		logger.Debug("step reduced",
			logger.FieldBatch, i,
			logger.FieldCount, len(res.Messages))
		deltas = append(deltas, res)
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if flagDeltas {
		return enc.Encode(deltas)
	}
	return enc.Encode(struct {
		Messages []reducer.Message `json:"messages"`
		Todos    []map[string]any  `json:"todos,omitempty"`
		Usage    *record.Usage     `json:"usage,omitempty"`
	}{
		Messages: state.History(),
		Todos:    state.Todos(),
		Usage:    state.Usage(),
	})
}

func loadSteps(args []string) ([]replay.Step, error) {
	if flagManifest != "" {
		return replay.LoadManifest(flagManifest)
	}
	var shared *record.AgentState
	if flagAgentState != "" {
		st, err := replay.LoadAgentState(flagAgentState)
		if err != nil {
			return nil, err
		}
		shared = st
	}
	steps := make([]replay.Step, 0, len(args))
	for _, path := range args {
		records, err := replay.LoadRecords(path)
		if err != nil {
			return nil, err
		}
		steps = append(steps, replay.Step{Records: records, AgentState: shared})
	}
	return steps, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("replay failed", logger.FieldError, err)
		os.Exit(1)
	}
}
