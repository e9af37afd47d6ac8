package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"AgentProof-Chain/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	tokenHeaderJSON   = `{"alg":"HS256","typ":"JWT"}`
	passwordSaltBytes = 16

	// 未显式配置时的令牌有效期（秒）。
	defaultAccessTTL  = 3600
	defaultRefreshTTL = 86400
)

// encodedTokenHeader 是预先编码好的令牌头部，所有令牌共用。
var encodedTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(tokenHeaderJSON))

// Service 负责验证 API 的身份认证与授权。
type Service struct {
	mode   Mode
	store  Store
	tokens *tokenManager
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。token 模式要求配置账户存储与签名密钥。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if store == nil {
			return nil, errors.New("token mode requires an account store")
		}
		tokens, err := newTokenManager(cfg.Token)
		if err != nil {
			return nil, err
		}
		svc.tokens = tokens
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := seedStore(ctx, store, cfg.Seeds); err != nil {
		return nil, err
	}
	return svc, nil
}

// seedStore 把种子账号写入支持 SeedWriter 的存储，其余实现静默跳过。
func seedStore(ctx context.Context, store Store, seeds []Seed) error {
	if len(seeds) == 0 || store == nil {
		return nil
	}
	writer, ok := store.(SeedWriter)
	if !ok {
		return nil
	}
	for _, seed := range seeds {
		if err := writer.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed.Username, err)
		}
	}
	return nil
}

// Mode 暴露服务当前的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 校验令牌请求中的账户口令，签发访问令牌与刷新令牌。
// 为避免泄露账号是否存在，查询失败与口令不符统一返回 ErrInvalidCredentials。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}
	if grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}
	if s.store == nil {
		return nil, errors.New("account store not configured")
	}
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	if s.tokens == nil {
		return nil, errors.New("token manager not initialised")
	}
	pair, err := s.tokens.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	pair.TokenType = "Bearer"
	return pair, nil
}

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌并返回对应主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token := bearerToken(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.verifyToken(ctx, token)
}

// bearerToken 从 Authorization 头中取出 Bearer 令牌，格式不符时返回空串。
func bearerToken(authorization string) string {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// verifyToken 校验访问令牌，并从存储重新装载主体以反映最新的权限与状态。
func (s *Service) verifyToken(ctx context.Context, token string) (*Subject, error) {
	if s.tokens == nil {
		return nil, errors.New("token manager not initialised")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		return nil, errors.New("account store not configured")
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// tokenManager 以 HMAC-SHA256 的紧凑 JWT 形式签发和校验令牌。
type tokenManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// newTokenManager 校验签名密钥并填充缺省有效期。
func newTokenManager(opts TokenOptions) (*tokenManager, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("token secret must be configured")
	}
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := opts.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &tokenManager{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   slices.Clone(opts.Audience),
		accessTTL:  time.Duration(accessTTL) * time.Second,
		refreshTTL: time.Duration(refreshTTL) * time.Second,
	}, nil
}

// tokenClaims 是令牌载荷的声明结构。
type tokenClaims struct {
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	Subject     string   `json:"sub"`
	Issuer      string   `json:"iss,omitempty"`
	Audience    []string `json:"aud,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

// claims 按令牌类型组装声明。权限只进访问令牌，刷新令牌不携带。
func (m *tokenManager) claims(subject *Subject, tokenType string, now int64, ttl time.Duration) tokenClaims {
	c := tokenClaims{
		Username:  subject.Username,
		Roles:     slices.Clone(subject.Roles),
		TokenType: tokenType,
		Subject:   strconv.FormatInt(subject.ID, 10),
		Issuer:    m.issuer,
		Audience:  slices.Clone(m.audience),
		IssuedAt:  now,
		ExpiresAt: now + int64(ttl.Seconds()),
	}
	if tokenType == tokenTypeAccess {
		c.Permissions = slices.Clone(subject.Permissions)
	}
	return c
}

// Generate 为主体签发一对访问令牌与刷新令牌。
func (m *tokenManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject must not be nil")
	}
	subject.normalise()
	now := time.Now().Unix()

	accessToken, err := m.sign(m.claims(subject, tokenTypeAccess, now, m.accessTTL))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := m.sign(m.claims(subject, tokenTypeRefresh, now, m.refreshTTL))
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      accessToken,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refreshToken,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

// sign 序列化声明并拼出 header.payload.signature 三段式令牌。
func (m *tokenManager) sign(claims tokenClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedTokenHeader + "." + payload)
	return encodedTokenHeader + "." + payload + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// signature 对签名输入计算 HMAC-SHA256。
func (m *tokenManager) signature(signingInput string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Verify 校验令牌签名与时效并返回声明。签名比较先于载荷解析。
func (m *tokenManager) Verify(token string) (*tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	if !audienceMatches(m.audience, claims.Audience) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// audienceMatches 在双方都声明了受众时要求存在交集，否则视为放行。
func audienceMatches(expected, provided []string) bool {
	if len(expected) == 0 || len(provided) == 0 {
		return true
	}
	for _, want := range expected {
		want = strings.TrimSpace(want)
		for _, have := range provided {
			if strings.EqualFold(want, strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}

// HashPassword 生成带盐的口令哈希，格式为 base64(salt):base64(digest)。
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := saltedDigest(salt, password)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" +
		base64.RawStdEncoding.EncodeToString(digest[:]), nil
}

// verifyPassword 以常数时间比较校验口令，格式不合法一律视为不匹配。
func verifyPassword(hashed, password string) bool {
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := saltedDigest(salt, password)
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}

// saltedDigest 计算盐值拼接口令后的 SHA-256 摘要。
func saltedDigest(salt []byte, password string) [32]byte {
	return sha256.Sum256(append(slices.Clone(salt), []byte(password)...))
}
