package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/observability/alerting"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/internal/verifier"
	"AgentProof-Chain/pkg/logger"
)

// Executor 定义了处理器所需的验证执行入口。智能体层面的失败由
// 执行器捕获为 success=false 的结果；返回 error 只代表引擎内部
// 故障（存储、账本提交、取消），由处理器按可重试性调度。
type Executor interface {
	Execute(ctx context.Context, req verifier.Request) (*verifier.Outcome, error)
}

// Processor 负责从队列消费验证任务并交给执行器处理。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	lowTrust    uint8
}

// ProcessorOption 调整处理器的可选行为。
type ProcessorOption func(*Processor)

// WithProcessorLogger 替换默认日志器。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 指定消费协程数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 注入失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 注入告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithLowTrustThreshold 设置触发低信任告警的分数下限，0 表示关闭。
func WithLowTrustThreshold(threshold uint8) ProcessorOption {
	return func(p *Processor) {
		p.lowTrust = threshold
	}
}

// NewProcessor 按选项组装处理器。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环，阻塞到上下文结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "缺少任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器尚未装配完成")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("任务无需处理，跳过", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("任务抢占失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, verifier.Request{
		ID:       task.ID,
		AgentID:  task.AgentID,
		Input:    task.Input,
		Metadata: cloneMetadata(task.Metadata),
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	var outcome VerificationOutcome
	if result != nil {
		outcome = VerificationOutcome{
			Fingerprint:   result.Fingerprint,
			ContentID:     result.ContentID,
			Method:        result.Method,
			Success:       result.Success,
			TrustScore:    result.TrustScore,
			LatencyMS:     result.LatencyMS,
			EvidenceCount: result.EvidenceCount,
			SubmissionRef: result.SubmissionRef,
			Observations:  result.Observations,
		}
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, outcome); err != nil {
		logger.L().Error("成功状态落库失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("失败状态落库出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 状态回写失败后重新入队也失败", task.ID))
		}
		logger.Audit().Warn("成功落库失败，任务重新入队",
			slog.String("task_id", task.ID),
			slog.String("agent_id", task.AgentID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveVerification(outcome.Success, outcome.TrustScore)
	logger.Audit().Info("验证任务完成",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.Bool("agent_success", outcome.Success),
		slog.Int("trust_score", int(outcome.TrustScore)),
		slog.String("submission_ref", outcome.SubmissionRef),
	)
	p.checkLowTrust(ctx, task, outcome)
	return nil
}

// checkLowTrust 在信任分低于阈值时发送告警。智能体失败的结果分数
// 恒为 0，同样会触发。
func (p *Processor) checkLowTrust(ctx context.Context, task *Task, outcome VerificationOutcome) {
	if p.lowTrust == 0 || outcome.TrustScore >= p.lowTrust {
		return
	}
	p.emitAlertEvent(ctx, alerting.Event{
		Code:     CodeTaskProcessing,
		Message:  fmt.Sprintf("智能体 %s 的验证信任分 %d 低于阈值 %d", task.AgentID, outcome.TrustScore, p.lowTrust),
		Severity: xerrors.SeverityWarning,
		TaskID:   task.ID,
		AgentID:  task.AgentID,
		Metadata: map[string]string{
			"stage":       "low_trust",
			"trust_score": fmt.Sprintf("%d", outcome.TrustScore),
			"threshold":   fmt.Sprintf("%d", p.lowTrust),
		},
		OccurredAt: time.Now(),
	})
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, task, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("补偿流程自身失败",
				slog.Any("error", wrapped),
				slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Observations == "" {
				fallback.Observations = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
				logger.L().Error("降级结果落库失败", slog.Any("error", err), slog.String("task_id", task.ID))
				if storeErr := p.store.MarkFailed(ctx, task.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级后失败状态落库出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
					return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 降级写入失败后重新入队也失败", task.ID))
				}
				return nil
			}
			logger.Audit().Warn("任务以降级结果收尾",
				slog.String("task_id", task.ID),
				slog.String("agent_id", task.AgentID),
				slog.String("observations", fallback.Observations),
			)
			p.emitAlert(ctx, task, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("失败状态写入出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	metrics.ObserveTaskFailure(string(code), terminal)
	logger.Audit().Warn("验证任务失败",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重新入队失败", task.ID))
		}
		p.logDebug("任务重新入队等待重试", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	p.emitAlertEvent(ctx, alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	})
}

func (p *Processor) emitAlertEvent(ctx context.Context, event alerting.Event) {
	if p == nil || p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警派发失败",
			slog.Any("error", err),
			slog.String("task_id", event.TaskID),
			slog.String("stage", event.Metadata["stage"]),
		)
	}
}
