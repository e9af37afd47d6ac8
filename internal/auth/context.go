package auth

import "context"

// ctxSubject 是主体在 context 中的私有键，避免与其他包的键冲突。
type ctxSubject struct{}

// WithSubject 把通过认证的主体写入请求上下文，供下游处理器读取。
// 传入 nil 主体时原样返回，调用方不必额外判空。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, ctxSubject{}, subject)
}

// SubjectFromContext 取出 WithSubject 写入的主体，上下文里没有时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(ctxSubject{}).(*Subject)
	if subject != nil {
		subject.normalise()
	}
	return subject
}
