package verifier

import (
	"context"

	"AgentProof-Chain/internal/evidence"

	xerrors "AgentProof-Chain/internal/errors"
)

// defaultChunkSize 是分块验证的默认批大小。
const defaultChunkSize = 256

// Source 是候选输出的拉取式迭代器。ok 为 false 表示数据源耗尽，
// 此后不应再次调用 Next。
type Source interface {
	Next(ctx context.Context) (item []byte, ok bool, err error)
}

// SliceSource 将内存切片适配为 Source，并记录已消费的条目数。
type SliceSource struct {
	items [][]byte
	pos   int
}

// NewSliceSource 创建切片数据源。
func NewSliceSource(items [][]byte) *SliceSource {
	return &SliceSource{items: items}
}

// Next 返回下一个条目。
func (s *SliceSource) Next(_ context.Context) ([]byte, bool, error) {
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

// Consumed 返回已被拉取的条目数。
func (s *SliceSource) Consumed() int {
	return s.pos
}

type chanSource struct {
	ch <-chan []byte
}

// NewChanSource 将 channel 适配为 Source。channel 关闭即视为耗尽。
func NewChanSource(ch <-chan []byte) Source {
	return &chanSource{ch: ch}
}

func (s *chanSource) Next(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		return item, true, nil
	}
}

// StreamSummary 汇总一次分块验证的进度，供停止条件和调用方使用。
type StreamSummary struct {
	Processed     int  `json:"processed"`
	Chunks        int  `json:"chunks"`
	Flagged       int  `json:"flagged"`
	EvidenceCount int  `json:"evidence_count"`
	EarlyStop     bool `json:"early_stop"`
}

// StopCondition 在每个分块处理完后评估一次，返回 true 表示跳过
// 剩余数据提前结束。
type StopCondition func(summary StreamSummary) bool

// StreamVerifier 以固定大小的分块消费数据源做证据分析。任意时刻
// 只持有一个分块，内存占用与数据源长度无关。
type StreamVerifier struct {
	analyzer  *evidence.Analyzer
	chunkSize int
}

// StreamOption 定义可选的 StreamVerifier 配置。
type StreamOption func(*StreamVerifier)

// WithChunkSize 设置分块大小，非正值回落到默认值。
func WithChunkSize(size int) StreamOption {
	return func(s *StreamVerifier) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// NewStreamVerifier 创建分块验证器。
func NewStreamVerifier(analyzer *evidence.Analyzer, opts ...StreamOption) (*StreamVerifier, error) {
	if analyzer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证据聚合器")
	}
	s := &StreamVerifier{
		analyzer:  analyzer,
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// VerifyStream 逐块拉取并分析候选输出。stop 为 nil 时验证整个
// 数据源；数据源报错或上下文结束时返回已累计的进度和对应错误。
func (s *StreamVerifier) VerifyStream(ctx context.Context, src Source, stop StopCondition) (StreamSummary, error) {
	var summary StreamSummary
	if src == nil {
		return summary, xerrors.New(xerrors.CodeInvalidInput, "数据源不能为空")
	}

	chunk := make([][]byte, 0, s.chunkSize)
	exhausted := false
	for !exhausted {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		chunk = chunk[:0]
		for len(chunk) < s.chunkSize {
			item, ok, err := src.Next(ctx)
			if err != nil {
				return summary, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "拉取数据源失败")
			}
			if !ok {
				exhausted = true
				break
			}
			chunk = append(chunk, item)
		}
		if len(chunk) == 0 {
			break
		}

		for _, item := range chunk {
			records := s.analyzer.Analyze(ctx, nil, item)
			summary.Processed++
			if len(records) > 0 {
				summary.Flagged++
				summary.EvidenceCount += len(records)
			}
		}
		summary.Chunks++

		if stop != nil && stop(summary) {
			summary.EarlyStop = !exhausted
			break
		}
	}
	return summary, nil
}
