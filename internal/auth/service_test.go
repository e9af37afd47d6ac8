package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T, seeds []Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("构建内存账户存储失败: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode:  ModeToken,
		Token: TokenOptions{Secret: "unit-test-secret", AccessTTL: 60, RefreshTTL: 120},
	}, store)
	if err != nil {
		t.Fatalf("构建鉴权服务失败: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc := newTokenService(t, []Seed{{
		Username:    "operator",
		Password:    "s3cret",
		Permissions: []string{PermissionVerifySubmit, PermissionAgentsManage},
	}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("令牌对不完整: %+v", pair)
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("意外的令牌类型: %s", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("验证访问令牌失败: %v", err)
	}
	if subject.Username != "operator" {
		t.Fatalf("主体用户名不匹配: %s", subject.Username)
	}
	if !subject.HasPermission(PermissionVerifySubmit) {
		t.Fatalf("主体缺少 %s 权限", PermissionVerifySubmit)
	}
	if err := subject.Authorize(PermissionConsensusVote); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("未授予的权限应被拒绝, got %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := newTokenService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("错误口令应返回 ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "ghost", Password: "s3cret"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("未知账户应返回 ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{GrantType: "client_credentials", Username: "operator", Password: "s3cret"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("不支持的授权方式应被拒绝, got %v", err)
	}
}

func TestAuthenticateRejectsDisabledSubject(t *testing.T) {
	svc := newTokenService(t, []Seed{{Username: "revoked", Password: "s3cret", Disabled: true}})

	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "revoked", Password: "s3cret"}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("停用账户应返回 ErrSubjectRevoked, got %v", err)
	}
}

func TestRefreshTokenCannotAccessAPI(t *testing.T) {
	svc := newTokenService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("刷新令牌不应通过访问校验, got %v", err)
	}
}

func TestTokenSignatureTampering(t *testing.T) {
	svc := newTokenService(t, []Seed{{Username: "operator", Password: "s3cret"}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "operator", Password: "s3cret"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("篡改后的令牌应被拒绝, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTokenService(t, []Seed{
		{Username: "validator", Password: "vote-pass", Permissions: []string{PermissionConsensusVote}},
		{Username: "reader", Password: "read-pass"},
	})

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {PermissionConsensusVote}},
		AuditEvent:          "consensus_votes",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject == nil {
			t.Errorf("上下文中缺少主体信息")
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	// 无令牌的请求直接拒绝。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/consensus/votes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("匿名请求应返回 401, got %d", rec.Code)
	}

	// 缺少投票权限的账户返回 403。
	readerPair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "reader", Password: "read-pass"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consensus/votes", nil)
	req.Header.Set("Authorization", "Bearer "+readerPair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("缺权限请求应返回 403, got %d", rec.Code)
	}

	// 具备权限的验证者放行。
	voterPair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "validator", Password: "vote-pass"})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/consensus/votes", nil)
	req.Header.Set("Authorization", "Bearer "+voterPair.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("具备权限的请求应放行, got %d", rec.Code)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("构建禁用模式服务失败: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/verifications", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("禁用模式应放行匿名请求, got %d", rec.Code)
	}
}
