package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentProof-Chain/internal/auth"
	"AgentProof-Chain/internal/consensus"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/internal/registry"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/verifier"

	xerrors "AgentProof-Chain/internal/errors"
)

// Server 负责暴露 REST 接口，是验证引擎对外的唯一入口。
type Server struct {
	addr     string
	tasks    *task.Service
	verifier *verifier.Service
	agents   *registry.Service
	votes    *consensus.Aggregator
	auth     *auth.Service
}

// Option 配置 Server 的可选依赖。
type Option func(*Server)

// WithVerifier 挂载验证编排服务，启用历史查询与链上状态路由。
func WithVerifier(svc *verifier.Service) Option {
	return func(s *Server) {
		s.verifier = svc
	}
}

// WithRegistry 挂载智能体登记服务，启用 /api/v1/agents 路由。
func WithRegistry(svc *registry.Service) Option {
	return func(s *Server) {
		s.agents = svc
	}
}

// WithConsensus 覆盖默认的共识聚合参数。
func WithConsensus(agg *consensus.Aggregator) Option {
	return func(s *Server) {
		if agg != nil {
			s.votes = agg
		}
	}
}

// WithAuth 启用基于令牌的认证与授权。不配置时所有路由开放访问。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 组装 HTTP 服务。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:  addr,
		tasks: tasks,
		votes: consensus.NewAggregator(consensus.Config{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 监听并服务请求，直到上下文取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	// 带读头超时的服务器配置。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 后台监听，主流程等待退出信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 组装完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// 提交验证需要 verify:submit，读取只要求通过认证。
	mux.Handle("/api/v1/verifications", s.guard("verifications", auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {auth.PermissionVerifySubmit},
		},
		AuditEvent: "verifications",
	}, http.HandlerFunc(s.handleVerifications)))
	mux.Handle("/api/v1/verifications/stats", s.guard("verification_stats", auth.MiddlewareConfig{
		AuditEvent: "verifications",
	}, http.HandlerFunc(s.handleVerificationStats)))
	mux.Handle("/api/v1/verifications/", s.guard("verification_detail", auth.MiddlewareConfig{
		AuditEvent: "verifications",
	}, http.HandlerFunc(s.handleVerificationDetail)))

	// 登记档案的写操作统一要求 agents:manage。
	mux.Handle("/api/v1/agents", s.guard("agents", auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {auth.PermissionAgentsManage},
		},
		AuditEvent: "agents",
	}, http.HandlerFunc(s.handleAgents)))
	mux.Handle("/api/v1/agents/transfer", s.guard("agent_transfer", auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionAgentsManage}},
		AuditEvent:          "agents",
	}, http.HandlerFunc(s.handleAgentTransfer)))
	mux.Handle("/api/v1/agents/stake", s.guard("agent_stake", auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionAgentsManage}},
		AuditEvent:          "agents",
	}, http.HandlerFunc(s.handleAgentStake)))
	mux.Handle("/api/v1/agents/", s.guard("agent_detail", auth.MiddlewareConfig{
		AuditEvent: "agents",
	}, http.HandlerFunc(s.handleAgentDetail)))

	mux.Handle("/api/v1/consensus/votes", s.guard("consensus_votes", auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionConsensusVote}},
		AuditEvent:          "consensus",
	}, http.HandlerFunc(s.handleConsensusVotes)))

	mux.Handle("/api/v1/chain", s.guard("chain", auth.MiddlewareConfig{
		AuditEvent: "chain",
	}, http.HandlerFunc(s.handleChain)))

	// 登录与健康检查不经过认证。
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleAuthToken)))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))

	return mux
}

// guard 先记录指标再做认证，401/403 同样计入接口统计。
func (s *Server) guard(name string, cfg auth.MiddlewareConfig, next http.Handler) http.Handler {
	return instrument(name, s.auth.Middleware(cfg)(next))
}

func (s *Server) handleVerifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitVerification(w, r)
	case http.MethodGet:
		s.handleListVerifications(w, r)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET/POST"), http.StatusMethodNotAllowed)
	}
}

// handleSubmitVerification 受理一次验证请求并将其排入队列。
// 响应 202：任务由后台处理器异步执行，结果通过详情接口查询。
func (s *Server) handleSubmitVerification(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
		return
	}

	var req verifier.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}

	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
		return
	}

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleVerificationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/verifications/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "缺少验证任务 ID"), 0)
		return
	}

	record, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleVerificationStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
		return
	}

	var opts []task.ListOption
	if agentID := r.URL.Query().Get("agent"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "登记服务未初始化"), 0)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Owner   string `json:"owner"`
			AgentID string `json:"agent_id"`
			Stake   uint64 `json:"stake"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
			return
		}
		record, err := s.agents.Register(r.Context(), req.Owner, req.AgentID, req.Stake)
		if err != nil {
			writeError(w, err, 0)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	case http.MethodGet:
		limit := parseLimit(r, 20)
		records, err := s.agents.List(r.Context(), limit)
		if err != nil {
			writeError(w, err, 0)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET/POST"), http.StatusMethodNotAllowed)
	}
}

// handleAgentDetail 处理 /api/v1/agents/{id} 与 /api/v1/agents/{id}/history。
func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	agentID, suffix, _ := strings.Cut(rest, "/")
	if agentID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "缺少智能体 ID"), 0)
		return
	}

	switch suffix {
	case "":
		if s.agents == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "登记服务未初始化"), 0)
			return
		}
		record, err := s.agents.Get(r.Context(), agentID)
		if err != nil {
			writeError(w, err, 0)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "history":
		if s.verifier == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
			return
		}
		outcomes, err := s.verifier.History(r.Context(), agentID, parseLimit(r, 20))
		if err != nil {
			writeError(w, err, 0)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知的智能体子资源"), 0)
	}
}

func (s *Server) handleAgentTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 POST"), http.StatusMethodNotAllowed)
		return
	}
	if s.agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "登记服务未初始化"), 0)
		return
	}

	var req struct {
		Caller   string `json:"caller"`
		AgentID  string `json:"agent_id"`
		NewOwner string `json:"new_owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}
	record, err := s.agents.Transfer(r.Context(), req.Caller, req.AgentID, req.NewOwner)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAgentStake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 POST"), http.StatusMethodNotAllowed)
		return
	}
	if s.agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "登记服务未初始化"), 0)
		return
	}

	var req struct {
		Caller  string `json:"caller"`
		AgentID string `json:"agent_id"`
		Stake   uint64 `json:"stake"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}
	record, err := s.agents.UpdateStake(r.Context(), req.Caller, req.AgentID, req.Stake)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleConsensusVotes 聚合验证者投票并返回裁定，不落库。
func (s *Server) handleConsensusVotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 POST"), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Votes []consensus.Vote `json:"votes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}
	decision, err := s.votes.Aggregate(req.Votes)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 POST"), http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "鉴权未启用"), 0)
		return
	}

	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败"), 0)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, err, authErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	if s.verifier == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"), 0)
		return
	}

	snapshot, err := s.verifier.Snapshot(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "仅支持 GET"), http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listOptionsFromQuery 将查询参数翻译为列表过滤选项。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "limit 参数必须为正整数")
		}
		opts = append(opts, task.WithLimit(parsed))
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "offset 参数必须为非负整数")
		}
		opts = append(opts, task.WithOffset(parsed))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(item))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidInput, "不支持的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agentID := query.Get("agent"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if raw := query.Get("has_outcome"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "has_outcome 参数必须为布尔值")
		}
		opts = append(opts, task.WithOutcomePresence(parsed))
	}
	switch order := query.Get("order"); order {
	case "", "updated_desc":
	case "updated_asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "不支持的排序方式: "+order)
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

func parseLimit(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// authErrorStatus 将认证错误翻译为 HTTP 状态码。
func authErrorStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrSubjectRevoked), errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUnsupportedGrant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusOf 将统一错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidInput, xerrors.CodeInvalidMetrics, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, registry.CodeAgentVersionConflict:
		return http.StatusConflict
	case registry.CodeAgentNotOwner:
		return http.StatusForbidden
	case xerrors.CodeInsufficientVotes:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// apiError 是错误响应的统一载体，SDK 按 {"error":{...}} 信封解析。
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 输出 JSON 错误。status 为 0 时按错误码推导状态。
func writeError(w http.ResponseWriter, err error, status int) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}

	if status <= 0 {
		status = statusOf(code)
	}
	writeJSON(w, status, map[string]apiError{
		"error": {Code: string(code), Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 记录请求量、错误率与时延分布。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 让处理链在根上下文取消后拒绝新请求。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 入口先查根上下文再放行。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
