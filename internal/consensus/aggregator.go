// Package consensus 将多个验证者的独立评分聚合为最终裁定。
// 聚合使用中位数而非平均值，单个离群投票无法显著拉偏结果。
package consensus

import (
	"fmt"
	"sort"

	xerrors "AgentProof-Chain/internal/errors"
)

const (
	defaultMinVotes  = 3
	defaultTolerance = 25
)

// Vote 是一个验证者给出的信任分，刻度与执行证明一致（[0,100]）。
type Vote struct {
	Validator string `json:"validator"`
	Score     uint8  `json:"score"`
}

// Decision 是聚合结果。Disagreement 表示最高分与最低分的差距
// 超过容忍度，提示人工复核。
type Decision struct {
	FinalScore   uint8 `json:"final_score"`
	Disagreement bool  `json:"disagreement"`
	Votes        int   `json:"votes"`
	Spread       uint8 `json:"spread"`
}

// Config 描述聚合参数。
type Config struct {
	// MinVotes 是形成共识所需的最少投票数。
	MinVotes int
	// Tolerance 是触发分歧标记的最大允许分差。
	Tolerance uint8
}

// Aggregator 按固定参数聚合投票，可被并发使用。
type Aggregator struct {
	minVotes  int
	tolerance uint8
}

// NewAggregator 创建聚合器，零值参数使用默认配置。
func NewAggregator(cfg Config) *Aggregator {
	minVotes := cfg.MinVotes
	if minVotes <= 0 {
		minVotes = defaultMinVotes
	}
	tolerance := cfg.Tolerance
	if tolerance == 0 {
		tolerance = defaultTolerance
	}
	return &Aggregator{minVotes: minVotes, tolerance: tolerance}
}

// Aggregate 计算投票的中位数与分歧标记。投票数不足返回
// INSUFFICIENT_VOTES；任何越界评分返回 INVALID_INPUT。
func (a *Aggregator) Aggregate(votes []Vote) (Decision, error) {
	if len(votes) < a.minVotes {
		return Decision{}, xerrors.New(
			xerrors.CodeInsufficientVotes,
			fmt.Sprintf("共识需要至少 %d 票，当前只有 %d 票", a.minVotes, len(votes)),
			xerrors.WithMetadata("required", fmt.Sprintf("%d", a.minVotes)),
			xerrors.WithMetadata("received", fmt.Sprintf("%d", len(votes))),
		)
	}

	scores := make([]int, len(votes))
	for i, vote := range votes {
		if vote.Score > 100 {
			return Decision{}, xerrors.New(
				xerrors.CodeInvalidInput,
				fmt.Sprintf("验证者 %s 的评分 %d 越界", vote.Validator, vote.Score),
				xerrors.WithMetadata("validator", vote.Validator),
			)
		}
		scores[i] = int(vote.Score)
	}
	sort.Ints(scores)

	median := scores[len(scores)/2]
	if len(scores)%2 == 0 {
		// 偶数票取中间两票的均值，向下取整。
		median = (scores[len(scores)/2-1] + scores[len(scores)/2]) / 2
	}
	spread := scores[len(scores)-1] - scores[0]

	return Decision{
		FinalScore:   uint8(median),
		Disagreement: spread > int(a.tolerance),
		Votes:        len(votes),
		Spread:       uint8(spread),
	}, nil
}
