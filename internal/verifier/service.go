package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/evidence"
	"AgentProof-Chain/internal/ledger"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/registry"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/pkg/logger"

	xerrors "AgentProof-Chain/internal/errors"
)

// Request 描述一次待验证的智能体执行请求。
type Request struct {
	ID       string         `json:"id,omitempty"`
	AgentID  string         `json:"agent_id"`
	Input    string         `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Outcome 汇总受验证执行、账本提交与指标折算得到的结果。
type Outcome struct {
	Fingerprint   string `json:"fingerprint"`
	ContentID     string `json:"content_id"`
	Method        string `json:"method"`
	Success       bool   `json:"success"`
	TrustScore    uint8  `json:"trust_score"`
	LatencyMS     int64  `json:"latency_ms"`
	EvidenceCount int    `json:"evidence_count"`
	SubmissionRef string `json:"submission_ref,omitempty"`
	Observations  string `json:"observations,omitempty"`
	Cached        bool   `json:"cached"`
	CreatedAt     int64  `json:"created_at"`
}

// Service 协调档案登记、受验证执行与账本提交，是系统的业务核心。
// 每个智能体持有独立的 Verifier 实例：结果缓存与在途去重都挂在
// 实例上，不同智能体之间互不可见。
type Service struct {
	profiles     *registry.Service
	capabilities *agent.Registry
	generator    *proofs.Generator
	analyzer     *evidence.Analyzer
	submitter    ledger.Submitter
	history      mysql.VerificationRepository
	method       proofs.Method
	timeout      time.Duration
	cacheSize    int
	cacheFactory CacheFactory

	mu        sync.Mutex
	verifiers map[string]*Verifier

	log *slog.Logger
}

// ServiceOption 定义可选的 Service 配置。
type ServiceOption func(*Service)

// WithLedger 配置账本提交器，用于锚定执行证明。
func WithLedger(submitter ledger.Submitter) ServiceOption {
	return func(s *Service) {
		s.submitter = submitter
	}
}

// WithHistory 配置验证历史仓库。
func WithHistory(history mysql.VerificationRepository) ServiceOption {
	return func(s *Service) {
		s.history = history
	}
}

// WithEvidenceAnalyzer 配置幻觉证据聚合器。
func WithEvidenceAnalyzer(analyzer *evidence.Analyzer) ServiceOption {
	return func(s *Service) {
		s.analyzer = analyzer
	}
}

// WithExecutionTimeout 设置单次执行的时间上限，非正值表示不限制。
func WithExecutionTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout <= 0 {
			s.timeout = 0
			return
		}
		s.timeout = timeout
	}
}

// WithVerificationMethod 设置证明记录的验证方式。
func WithVerificationMethod(method proofs.Method) ServiceOption {
	return func(s *Service) {
		s.method = method
	}
}

// WithCacheSize 设置每个智能体结果缓存的容量。
func WithCacheSize(size int) ServiceOption {
	return func(s *Service) {
		s.cacheSize = size
	}
}

// CacheFactory 为指定智能体构造结果缓存。返回 nil 缓存表示该智能体
// 不启用缓存。
type CacheFactory func(agentID string) (ResultCache, error)

// WithCacheFactory 替换默认的进程内 LRU 缓存。多副本部署时可以换成
// 按智能体划分键空间的共享缓存。
func WithCacheFactory(factory CacheFactory) ServiceOption {
	return func(s *Service) {
		s.cacheFactory = factory
	}
}

// NewService 创建验证服务。
func NewService(profiles *registry.Service, capabilities *agent.Registry, generator *proofs.Generator, opts ...ServiceOption) (*Service, error) {
	if profiles == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置登记服务")
	}
	if capabilities == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置能力注册表")
	}
	if generator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明生成器")
	}
	s := &Service{
		profiles:     profiles,
		capabilities: capabilities,
		generator:    generator,
		method:       proofs.MethodPattern,
		timeout:      defaultTimeout,
		cacheSize:    defaultCacheSize,
		verifiers:    make(map[string]*Verifier),
		log:          logger.Named("verifier.service"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if !s.method.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("非法的验证方式 %q", s.method))
	}
	return s, nil
}

// Execute 驱动一次完整的受验证执行：解析执行能力、生成证明、提交
// 账本并把结果折算进档案指标。智能体自身的失败体现在 Outcome 的
// success=false 上；返回 error 表示验证流水线层面的问题，其中账本
// 提交失败可重试——重试命中结果缓存后只会重做提交。
func (s *Service) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}
	if req.Input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "执行输入不能为空")
	}

	// 未登记的智能体不允许执行。
	record, err := s.profiles.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.capabilities.Resolve(req.AgentID); !ok {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("智能体 %s 未绑定执行能力", req.AgentID),
			xerrors.WithMetadata("agent_id", req.AgentID),
		)
	}

	v, err := s.verifierFor(req.AgentID)
	if err != nil {
		return nil, err
	}

	result, err := v.VerifiedExecute(ctx, []byte(req.Input))
	if err != nil {
		return nil, err
	}

	observations := ""
	if result.Cached {
		observations = appendObservation(observations, "命中结果缓存")
	}
	if result.Failure != nil {
		observations = appendObservation(observations, fmt.Sprintf("执行失败: %s", result.Failure.Message))
		if result.Failure.Timeout {
			observations = appendObservation(observations, "执行超过时间上限")
		}
	}

	// 缓存命中沿用已出具的证明重新提交：提交失败的重试路径依赖
	// 这一点。
	submissionRef := ""
	if s.submitter == nil {
		observations = appendObservation(observations, "未配置账本提交器")
	} else {
		handle, err := s.submitter.SubmitProof(ctx, result.Proof)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeSubmissionFailure, err,
				fmt.Sprintf("提交智能体 %s 的执行证明失败", req.AgentID))
		}
		submissionRef = handle.Ref()
		observations = appendObservation(observations, fmt.Sprintf("证明已提交: %s", submissionRef))
	}

	// 指标折算失败不阻断流程，结果本身已经由证明背书。
	updated, err := s.profiles.RecordOutcome(ctx, req.AgentID, registry.ExecutionOutcome{
		Success:    result.Succeeded(),
		TrustScore: result.Proof.TrustScore,
		LatencyMS:  result.LatencyMS,
	})
	if err != nil {
		s.log.Warn("折算运行指标失败",
			"agent_id", req.AgentID,
			"error", err,
		)
		observations = appendObservation(observations, fmt.Sprintf("折算运行指标失败: %v", err))
	} else {
		record = updated
	}

	now := time.Now().Unix()
	outcome := &Outcome{
		Fingerprint:   result.Fingerprint.Hex(),
		ContentID:     result.Proof.ContentID.Hex(),
		Method:        string(result.Proof.Method),
		Success:       result.Succeeded(),
		TrustScore:    result.Proof.TrustScore,
		LatencyMS:     result.LatencyMS,
		EvidenceCount: len(result.Evidence),
		SubmissionRef: submissionRef,
		Observations:  observations,
		Cached:        result.Cached,
		CreatedAt:     now,
	}

	// 保存验证历史（如已配置仓库）。历史丢失只影响审计回溯，
	// 不影响已锚定的证明。
	if s.history != nil {
		historyRecord := mysql.VerificationRecord{
			TaskID:        req.ID,
			AgentID:       req.AgentID,
			Fingerprint:   outcome.Fingerprint,
			ContentID:     outcome.ContentID,
			Method:        outcome.Method,
			Success:       outcome.Success,
			TrustScore:    outcome.TrustScore,
			LatencyMS:     outcome.LatencyMS,
			EvidenceCount: outcome.EvidenceCount,
			SubmissionRef: outcome.SubmissionRef,
			Observations:  outcome.Observations,
			CreatedAt:     now,
		}
		if err := s.history.Save(ctx, historyRecord); err != nil {
			s.log.Warn("保存验证历史失败",
				"agent_id", req.AgentID,
				"task_id", req.ID,
				"error", err,
			)
		}
	}

	s.log.Info("受验证执行完成",
		"agent_id", req.AgentID,
		"fingerprint", outcome.Fingerprint,
		"success", outcome.Success,
		"trust_score", outcome.TrustScore,
		"cached", outcome.Cached,
		"performance_score", record.PerformanceScore,
	)
	return outcome, nil
}

// History 获取指定智能体最近的验证记录。
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]Outcome, error) {
	if s.history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置验证历史仓库")
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "智能体标识不能为空")
	}

	records, err := s.history.ListByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询验证历史失败")
	}

	results := make([]Outcome, 0, len(records))
	for _, record := range records {
		results = append(results, Outcome{
			Fingerprint:   record.Fingerprint,
			ContentID:     record.ContentID,
			Method:        record.Method,
			Success:       record.Success,
			TrustScore:    record.TrustScore,
			LatencyMS:     record.LatencyMS,
			EvidenceCount: record.EvidenceCount,
			SubmissionRef: record.SubmissionRef,
			Observations:  record.Observations,
			CreatedAt:     record.CreatedAt,
		})
	}
	return results, nil
}

// Snapshot 返回底层账本的网络状态。
func (s *Service) Snapshot(ctx context.Context) (ledger.ChainSnapshot, error) {
	if s.submitter == nil {
		return ledger.ChainSnapshot{Notes: "未配置账本提交器"}, nil
	}
	return s.submitter.Snapshot(ctx)
}

// verifierFor 返回智能体独立的 Verifier 实例，按需懒创建。执行能力
// 在每次调用时从注册表解析，重新绑定立即生效。
func (s *Service) verifierFor(agentID string) (*Verifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.verifiers[agentID]; ok {
		return v, nil
	}

	resolver := agent.CapabilityFunc(func(ctx context.Context, input []byte) ([]byte, error) {
		capability, ok := s.capabilities.Resolve(agentID)
		if !ok {
			return nil, fmt.Errorf("智能体 %s 未绑定执行能力", agentID)
		}
		return capability.Execute(ctx, input)
	})

	var cache ResultCache
	if s.cacheFactory != nil {
		created, err := s.cacheFactory(agentID)
		if err != nil {
			return nil, err
		}
		cache = created
	} else {
		created, err := NewLRUCache(s.cacheSize)
		if err != nil {
			return nil, err
		}
		cache = created
	}

	opts := []Option{
		WithTimeout(s.timeout),
		WithMethod(s.method),
	}
	if cache != nil {
		opts = append(opts, WithCache(cache))
	}
	if s.analyzer != nil {
		opts = append(opts, WithAnalyzer(s.analyzer))
	}

	v, err := New(resolver, s.generator, opts...)
	if err != nil {
		return nil, err
	}
	s.verifiers[agentID] = v
	return v, nil
}

// appendObservation 把新的观察追加到已有记录后面。
func appendObservation(existing, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return next
	}
	return existing + "\n" + next
}
