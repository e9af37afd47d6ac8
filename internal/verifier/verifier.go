// Package verifier 实现受验证执行：包装不透明的智能体能力，度量
// 延迟，捕获失败，生成执行证明并收集幻觉证据。失败是一等结果而
// 不是错误——只有验证引擎自身的输入非法才会同步报错。
package verifier

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/evidence"
	"AgentProof-Chain/internal/identity"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/pkg/logger"

	xerrors "AgentProof-Chain/internal/errors"
)

// defaultTimeout 是单次智能体执行的默认时间上限。
const defaultTimeout = 30 * time.Second

// Failure 描述一次被捕获的执行失败。
type Failure struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
	Timeout bool         `json:"timeout"`
}

// VerifiedResult 是一次受验证执行的完整产物。结果创建后即视为
// 不可变：缓存与并发等待者共享同一份数据。
type VerifiedResult struct {
	Fingerprint identity.ContentID    `json:"fingerprint"`
	Output      []byte                `json:"output,omitempty"`
	Failure     *Failure              `json:"failure,omitempty"`
	Proof       proofs.ExecutionProof `json:"proof"`
	Evidence    []evidence.Record     `json:"evidence,omitempty"`
	LatencyMS   int64                 `json:"latency_ms"`
	Cached      bool                  `json:"cached"`
}

// Succeeded 判断执行是否成功。
func (r *VerifiedResult) Succeeded() bool {
	return r != nil && r.Failure == nil
}

// Verifier 包装单个执行能力。可被任意多个 goroutine 并发调用；
// 共享状态只有可选的结果缓存，按输入指纹做在途去重。
type Verifier struct {
	capability agent.Capability
	generator  *proofs.Generator
	analyzer   *evidence.Analyzer
	method     proofs.Method
	timeout    time.Duration
	cache      ResultCache
	group      singleflight.Group
	log        *slog.Logger
}

// Option 定义可选的 Verifier 配置。
type Option func(*Verifier)

// WithTimeout 设置单次执行的时间上限，非正值表示不限制。
func WithTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout <= 0 {
			v.timeout = 0
			return
		}
		v.timeout = timeout
	}
}

// WithCache 启用结果缓存。启用后相同输入指纹保证至多一个在途执行。
func WithCache(cache ResultCache) Option {
	return func(v *Verifier) {
		v.cache = cache
	}
}

// WithAnalyzer 配置幻觉证据聚合器。
func WithAnalyzer(analyzer *evidence.Analyzer) Option {
	return func(v *Verifier) {
		v.analyzer = analyzer
	}
}

// WithMethod 设置证明记录的验证方式。
func WithMethod(method proofs.Method) Option {
	return func(v *Verifier) {
		v.method = method
	}
}

// New 创建 Verifier。
func New(capability agent.Capability, generator *proofs.Generator, opts ...Option) (*Verifier, error) {
	if capability == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置执行能力")
	}
	if generator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明生成器")
	}
	v := &Verifier{
		capability: capability,
		generator:  generator,
		method:     proofs.MethodPattern,
		timeout:    defaultTimeout,
		log:        logger.Named("verifier"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if !v.method.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("非法的验证方式 %q", v.method))
	}
	return v, nil
}

// VerifiedExecute 驱动一次受验证执行。智能体的任何失败（错误、
// panic、超时）都会被捕获为 Failure 并附带 success=false 的证明；
// 返回 error 仅发生在引擎自身层面（如调用方上下文被取消）。
func (v *Verifier) VerifiedExecute(ctx context.Context, input []byte) (*VerifiedResult, error) {
	fingerprint := identity.Sum(input)

	if v.cache == nil {
		return v.execute(ctx, fingerprint, input)
	}

	if cached, ok := v.cache.Get(ctx, fingerprint); ok {
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	// 相同指纹只允许一个在途执行。执行体与调用方上下文解耦：
	// 等待者取消只放弃等待，在途执行要么完整落缓存，要么视为
	// 从未发生，不会留下半成品。
	ch := v.group.DoChan(fingerprint.Hex(), func() (any, error) {
		detached := context.WithoutCancel(ctx)
		result, err := v.execute(detached, fingerprint, input)
		if err == nil && result.Succeeded() {
			v.cache.Add(detached, fingerprint, result)
		}
		return result, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*VerifiedResult), nil
	}
}

// execute 完成一次真实执行：计时、失败捕获、证据分析、证明生成。
func (v *Verifier) execute(ctx context.Context, fingerprint identity.ContentID, input []byte) (*VerifiedResult, error) {
	execCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	start := time.Now()
	output, execErr := v.invoke(execCtx, input)
	latencyMS := time.Since(start).Milliseconds()

	if execErr != nil {
		// 调用方自身的上下文结束不属于智能体失败。
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return v.captureFailure(fingerprint, execErr, latencyMS)
	}

	var records []evidence.Record
	if v.analyzer != nil {
		records = v.analyzer.Analyze(ctx, input, output)
	}
	score := evidence.TrustScore(records)

	proof, _, err := v.generator.Generate(output, score, v.method)
	if err != nil {
		return nil, err
	}
	return &VerifiedResult{
		Fingerprint: fingerprint,
		Output:      output,
		Proof:       proof,
		Evidence:    records,
		LatencyMS:   latencyMS,
	}, nil
}

// invoke 调用执行能力并捕获 panic。
func (v *Verifier) invoke(ctx context.Context, input []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("智能体执行发生 panic: %v", r)
		}
	}()
	return v.capability.Execute(ctx, input)
}

// captureFailure 把执行失败编码为数据，并签发 success=false 的证明。
func (v *Verifier) captureFailure(fingerprint identity.ContentID, execErr error, latencyMS int64) (*VerifiedResult, error) {
	code := xerrors.CodeExecutionFailure
	timeout := stdErrors.Is(execErr, context.DeadlineExceeded)
	if timeout {
		code = xerrors.CodeTimeout
	}

	proof, err := v.generator.GenerateFailed(fingerprint, v.method)
	if err != nil {
		return nil, err
	}

	v.log.Warn("智能体执行失败，已记录为可证明结果",
		"fingerprint", fingerprint.Hex(),
		"code", string(code),
		"timeout", timeout,
		"latency_ms", latencyMS,
	)
	return &VerifiedResult{
		Fingerprint: fingerprint,
		Failure: &Failure{
			Code:    code,
			Message: execErr.Error(),
			Timeout: timeout,
		},
		Proof:     proof,
		LatencyMS: latencyMS,
	}, nil
}
