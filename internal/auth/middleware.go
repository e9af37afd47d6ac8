package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentProof-Chain/pkg/logger"
)

// MiddlewareConfig 描述一条路由挂载认证中间件时的差异化配置。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出放行所需的权限，
	// 键 "*" 为未单独列出的方法提供兜底要求。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中标记本条路由的事件名，留空时退化为请求路径。
	AuditEvent string
}

// permissionsFor 返回指定方法需要核对的权限集合。
func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms := c.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

// Middleware 构建认证与授权中间件：先校验 Bearer 令牌，再按方法核对权限，
// 最后把主体注入上下文并记录一条带耗时的审计日志。
// 服务未启用（nil 或 ModeDisabled）时对请求不做任何干预。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.reject(w, r, "access_denied", statusForAuthError(err), err, "")
				return
			}
			if perms := cfg.permissionsFor(r.Method); len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					s.reject(w, r, "permission_denied", http.StatusForbidden, err, subject.Username)
					return
				}
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLog().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

// reject 写出拒绝响应并记录一条审计事件，username 为空表示认证阶段即失败。
func (s *Service) reject(w http.ResponseWriter, r *http.Request, event string, status int, cause error, username string) {
	http.Error(w, http.StatusText(status), status)
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", cause.Error(),
	}
	if username != "" {
		attrs = append(attrs, "user", username)
	}
	s.auditLog().Warn(event, attrs...)
}

// auditLog 返回服务持有的审计日志器，未初始化时退回进程级实例。
func (s *Service) auditLog() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

// statusForAuthError 把认证错误映射为 HTTP 状态码：
// 主体被吊销或权限不足按 403 处理，其余令牌问题一律 401。
func statusForAuthError(err error) int {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// statusRecorder 记录下游处理器写出的状态码，供审计日志使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
