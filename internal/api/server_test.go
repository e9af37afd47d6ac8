package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/auth"
	"AgentProof-Chain/internal/ledger"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/registry"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/verifier"
)

func newTaskService(t *testing.T) *task.Service {
	t.Helper()
	return task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(16), 3)
}

func newAgentService(t *testing.T) *registry.Service {
	t.Helper()
	svc, err := registry.NewService(registry.NewMemoryStore())
	if err != nil {
		t.Fatalf("new registry service: %v", err)
	}
	return svc
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode request payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &envelope)
	return envelope.Error.Code
}

func TestSubmitVerificationAccepted(t *testing.T) {
	routes := NewServer(":0", newTaskService(t)).Routes()

	rec := doJSON(t, routes, http.MethodPost, "/api/v1/verifications", map[string]any{
		"agent_id": "agent-1",
		"input":    "ping",
	}, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var created task.Task
	decodeJSON(t, rec, &created)
	if created.ID == "" {
		t.Fatalf("expected generated task id")
	}
	if created.Status != task.StatusPending {
		t.Fatalf("unexpected status: got %q want %q", created.Status, task.StatusPending)
	}
	if created.AgentID != "agent-1" {
		t.Fatalf("unexpected agent id: got %q", created.AgentID)
	}
}

func TestSubmitVerificationRejectsBadPayload(t *testing.T) {
	routes := NewServer(":0", newTaskService(t)).Routes()

	t.Run("missing input", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/verifications", map[string]any{
			"agent_id": "agent-1",
		}, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if code := errorCode(t, rec); code != string(task.CodeTaskValidation) {
			t.Fatalf("unexpected error code %q", code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verifications", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodDelete, "/api/v1/verifications", nil, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestVerificationDetail(t *testing.T) {
	tasks := newTaskService(t)
	routes := NewServer(":0", tasks).Routes()

	if _, err := tasks.Submit(context.Background(), verifier.Request{
		ID:      "task-success",
		AgentID: "agent-1",
		Input:   "demo",
	}); err != nil {
		t.Fatalf("submit sample task: %v", err)
	}

	t.Run("success", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications/task-success", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
		}
		var got task.Task
		decodeJSON(t, rec, &got)
		if got.ID != "task-success" {
			t.Fatalf("unexpected task id: got %q", got.ID)
		}
		if got.Input != "demo" {
			t.Fatalf("unexpected input: got %q", got.Input)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/verifications/task-success", nil, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications/", nil, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications/missing", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		if code := errorCode(t, rec); code != string(task.CodeTaskNotFound) {
			t.Fatalf("unexpected error code %q", code)
		}
	})
}

func TestListVerificationsFilters(t *testing.T) {
	tasks := newTaskService(t)
	routes := NewServer(":0", tasks).Routes()

	for _, req := range []verifier.Request{
		{ID: "t-1", AgentID: "agent-1", Input: "one"},
		{ID: "t-2", AgentID: "agent-1", Input: "two"},
		{ID: "t-3", AgentID: "agent-2", Input: "three"},
	} {
		if _, err := tasks.Submit(context.Background(), req); err != nil {
			t.Fatalf("submit %s: %v", req.ID, err)
		}
	}

	t.Run("filter by agent", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications?agent=agent-1", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d", rec.Code)
		}
		var got []*task.Task
		decodeJSON(t, rec, &got)
		if len(got) != 2 {
			t.Fatalf("expected 2 tasks for agent-1, got %d", len(got))
		}
	})

	t.Run("limit applies", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications?limit=1", nil, "")
		var got []*task.Task
		decodeJSON(t, rec, &got)
		if len(got) != 1 {
			t.Fatalf("expected 1 task, got %d", len(got))
		}
	})

	t.Run("status filter", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications?status=pending&order=updated_asc", nil, "")
		var got []*task.Task
		decodeJSON(t, rec, &got)
		if len(got) != 3 {
			t.Fatalf("expected 3 pending tasks, got %d", len(got))
		}
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		for _, path := range []string{
			"/api/v1/verifications?limit=abc",
			"/api/v1/verifications?offset=-1",
			"/api/v1/verifications?status=bogus",
			"/api/v1/verifications?has_outcome=maybe",
			"/api/v1/verifications?order=sideways",
		} {
			rec := doJSON(t, routes, http.MethodGet, path, nil, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d for %s, got %d", http.StatusBadRequest, path, rec.Code)
			}
		}
	})
}

func TestVerificationStatsEndpoint(t *testing.T) {
	tasks := newTaskService(t)
	routes := NewServer(":0", tasks).Routes()

	for _, req := range []verifier.Request{
		{ID: "s-1", AgentID: "agent-1", Input: "one"},
		{ID: "s-2", AgentID: "agent-2", Input: "two"},
	} {
		if _, err := tasks.Submit(context.Background(), req); err != nil {
			t.Fatalf("submit %s: %v", req.ID, err)
		}
	}

	rec := doJSON(t, routes, http.MethodGet, "/api/v1/verifications/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d", rec.Code)
	}
	var stats task.TaskStats
	decodeJSON(t, rec, &stats)
	if stats.Total != 2 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = doJSON(t, routes, http.MethodGet, "/api/v1/verifications/stats?agent=agent-1", nil, "")
	decodeJSON(t, rec, &stats)
	if stats.Total != 1 {
		t.Fatalf("expected 1 task for agent-1, got %d", stats.Total)
	}

	rec = doJSON(t, routes, http.MethodPost, "/api/v1/verifications/stats", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestAgentLifecycleRoutes(t *testing.T) {
	routes := NewServer(":0", newTaskService(t), WithRegistry(newAgentService(t))).Routes()

	t.Run("register", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/agents", map[string]any{
			"owner": "alice", "agent_id": "agent-1", "stake": 5000,
		}, "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var record registry.AgentRecord
		decodeJSON(t, rec, &record)
		if record.Owner != "alice" || record.StakeAmount != 5000 {
			t.Fatalf("unexpected record: %+v", record)
		}
	})

	t.Run("duplicate register conflicts", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/agents", map[string]any{
			"owner": "mallory", "agent_id": "agent-1", "stake": 5000,
		}, "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	t.Run("stake bounds enforced", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/agents", map[string]any{
			"owner": "alice", "agent_id": "agent-low", "stake": 10,
		}, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("list and detail", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/agents", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d", rec.Code)
		}
		var records []*registry.AgentRecord
		decodeJSON(t, rec, &records)
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}

		rec = doJSON(t, routes, http.MethodGet, "/api/v1/agents/agent-1", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected detail status: got %d", rec.Code)
		}

		rec = doJSON(t, routes, http.MethodGet, "/api/v1/agents/ghost", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("transfer requires ownership", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/agents/transfer", map[string]any{
			"caller": "mallory", "agent_id": "agent-1", "new_owner": "bob",
		}, "")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}

		rec = doJSON(t, routes, http.MethodPost, "/api/v1/agents/transfer", map[string]any{
			"caller": "alice", "agent_id": "agent-1", "new_owner": "bob",
		}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var record registry.AgentRecord
		decodeJSON(t, rec, &record)
		if record.Owner != "bob" {
			t.Fatalf("expected owner bob, got %q", record.Owner)
		}
	})

	t.Run("stake update", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/agents/stake", map[string]any{
			"caller": "bob", "agent_id": "agent-1", "stake": 8000,
		}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var record registry.AgentRecord
		decodeJSON(t, rec, &record)
		if record.StakeAmount != 8000 {
			t.Fatalf("expected stake 8000, got %d", record.StakeAmount)
		}
	})
}

func TestConsensusVotesEndpoint(t *testing.T) {
	routes := NewServer(":0", newTaskService(t)).Routes()

	t.Run("median decision", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", map[string]any{
			"votes": []map[string]any{
				{"validator": "v1", "score": 70},
				{"validator": "v2", "score": 85},
				{"validator": "v3", "score": 88},
				{"validator": "v4", "score": 90},
				{"validator": "v5", "score": 95},
			},
		}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var decision struct {
			FinalScore   uint8 `json:"final_score"`
			Disagreement bool  `json:"disagreement"`
			Votes        int   `json:"votes"`
		}
		decodeJSON(t, rec, &decision)
		if decision.FinalScore != 88 {
			t.Fatalf("expected median 88, got %d", decision.FinalScore)
		}
		if decision.Disagreement {
			t.Fatalf("spread 25 must not flag disagreement")
		}
		if decision.Votes != 5 {
			t.Fatalf("expected 5 votes, got %d", decision.Votes)
		}
	})

	t.Run("insufficient votes", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", map[string]any{
			"votes": []map[string]any{
				{"validator": "v1", "score": 70},
				{"validator": "v2", "score": 85},
			},
		}, "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
		}
		if code := errorCode(t, rec); code != "INSUFFICIENT_VOTES" {
			t.Fatalf("unexpected error code %q", code)
		}
	})

	t.Run("out of range score", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", map[string]any{
			"votes": []map[string]any{
				{"validator": "v1", "score": 150},
				{"validator": "v2", "score": 85},
				{"validator": "v3", "score": 90},
			},
		}, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

// 启用 token 模式后，共识端点必须拒绝未带凭证的验证者。
func TestTokenModeProtectsRoutes(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{
		{Username: "validator-1", Password: "s3cret", Permissions: []string{auth.PermissionConsensusVote}},
		{Username: "reader", Password: "plain"},
	})
	if err != nil {
		t.Fatalf("new auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeToken,
		Token: auth.TokenOptions{
			Secret:     "api-test-secret",
			AccessTTL:  60,
			RefreshTTL: 120,
		},
	}, store)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	routes := NewServer(":0", newTaskService(t), WithAuth(authSvc)).Routes()

	votes := map[string]any{
		"votes": []map[string]any{
			{"validator": "v1", "score": 80},
			{"validator": "v2", "score": 82},
			{"validator": "v3", "score": 84},
		},
	}

	login := func(t *testing.T, username, password string) string {
		t.Helper()
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/auth/token", map[string]any{
			"grant_type": "password",
			"username":   username,
			"password":   password,
		}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("token request failed: %d (%s)", rec.Code, rec.Body.String())
		}
		var pair auth.TokenPair
		decodeJSON(t, rec, &pair)
		if pair.AccessToken == "" {
			t.Fatalf("expected access token")
		}
		return pair.AccessToken
	}

	t.Run("anonymous vote rejected", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", votes, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("validator token accepted", func(t *testing.T) {
		token := login(t, "validator-1", "s3cret")
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", votes, token)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, rec.Code, rec.Body.String())
		}
	})

	t.Run("missing permission rejected", func(t *testing.T) {
		token := login(t, "reader", "plain")
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/consensus/votes", votes, token)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
	})

	t.Run("bad credentials rejected", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodPost, "/api/v1/auth/token", map[string]any{
			"grant_type": "password",
			"username":   "validator-1",
			"password":   "wrong",
		}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/healthz", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}

func TestChainAndHistoryRoutes(t *testing.T) {
	profiles := newAgentService(t)
	capabilities := agent.NewRegistry()
	generator, err := proofs.NewGenerator("api-test-verifier")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	history, err := mysql.NewMemoryVerificationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new history repository: %v", err)
	}
	verifierSvc, err := verifier.NewService(profiles, capabilities, generator,
		verifier.WithLedger(ledger.NewMemorySubmitter()),
		verifier.WithHistory(history),
	)
	if err != nil {
		t.Fatalf("new verifier service: %v", err)
	}

	if _, err := profiles.Register(context.Background(), "alice", "agent-1", 5000); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := capabilities.Register("agent-1", agent.CapabilityFunc(func(_ context.Context, input []byte) ([]byte, error) {
		return append([]byte("echo:"), input...), nil
	})); err != nil {
		t.Fatalf("bind capability: %v", err)
	}
	if _, err := verifierSvc.Execute(context.Background(), verifier.Request{
		ID:      "task-1",
		AgentID: "agent-1",
		Input:   "hello",
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	routes := NewServer(":0", newTaskService(t),
		WithVerifier(verifierSvc),
		WithRegistry(profiles),
	).Routes()

	t.Run("chain snapshot", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/chain", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var snapshot ledger.ChainSnapshot
		decodeJSON(t, rec, &snapshot)
		if snapshot.ChainID != "0x0" {
			t.Fatalf("unexpected chain id %q", snapshot.ChainID)
		}
		if snapshot.BlockNumber != "0x1" {
			t.Fatalf("expected block 0x1 after one submission, got %q", snapshot.BlockNumber)
		}
	})

	t.Run("agent history", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/agents/agent-1/history", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var outcomes []verifier.Outcome
		decodeJSON(t, rec, &outcomes)
		if len(outcomes) != 1 {
			t.Fatalf("expected 1 outcome, got %d", len(outcomes))
		}
		if outcomes[0].Fingerprint == "" || !outcomes[0].Success {
			t.Fatalf("unexpected outcome: %+v", outcomes[0])
		}
	})

	t.Run("unknown sub-resource", func(t *testing.T) {
		rec := doJSON(t, routes, http.MethodGet, "/api/v1/agents/agent-1/unknown", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("chain without ledger wiring", func(t *testing.T) {
		bare := NewServer(":0", newTaskService(t)).Routes()
		rec := doJSON(t, bare, http.MethodGet, "/api/v1/chain", nil, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}
