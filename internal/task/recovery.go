package task

import "context"

// RecoveryHandler 定义了在验证执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 依据失败原因给出降级结果，或返回 nil 放弃补偿。
	// 返回的 VerificationOutcome 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*VerificationOutcome, error)
}
