package agentproof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout bounds requests from clients built without an explicit
// http.Client, so a stalled connection cannot hang the caller indefinitely.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentProof Chain REST API.
// When the engine runs with authentication enabled, call Authenticate (or
// SetAccessToken) first; requests are sent without credentials otherwise.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents validator account credentials used to obtain
// access tokens. GrantType defaults to "password" on the server side.
type Credentials struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token represents an issued access/refresh token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// VerificationSubmission represents the payload required to enqueue a new
// verification run for a registered agent.
type VerificationSubmission struct {
	ID       string         `json:"id,omitempty"`
	AgentID  string         `json:"agent_id"`
	Input    string         `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VerificationOutcome is the proof summary produced by a completed run.
type VerificationOutcome struct {
	Fingerprint   string `json:"fingerprint"`
	ContentID     string `json:"content_id"`
	Method        string `json:"method"`
	Success       bool   `json:"success"`
	TrustScore    uint8  `json:"trust_score"`
	LatencyMS     int64  `json:"latency_ms"`
	EvidenceCount int    `json:"evidence_count"`
	SubmissionRef string `json:"submission_ref,omitempty"`
	Observations  string `json:"observations,omitempty"`
	Cached        bool   `json:"cached,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
}

// Verification is the queue-side view of a submitted verification task.
type Verification struct {
	ID         string               `json:"id"`
	AgentID    string               `json:"agent_id"`
	Input      string               `json:"input"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Status     string               `json:"status"`
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Outcome    *VerificationOutcome `json:"outcome,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

// VerificationStats aggregates queue counters, optionally per agent.
type VerificationStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions narrows ListVerifications results. Zero values are omitted
// from the query string.
type ListOptions struct {
	Status     string
	Agent      string
	Limit      int
	Offset     int
	Order      string
	Query      string
	HasOutcome *bool
}

// AgentMetrics mirrors the engine's rolling performance counters.
type AgentMetrics struct {
	AccuracyRate    uint32 `json:"accuracy_rate"`
	SuccessRate     uint32 `json:"success_rate"`
	AvgLatencyMS    uint32 `json:"avg_latency_ms"`
	TotalExecutions uint64 `json:"total_executions"`
}

// Agent is a registered agent profile with its current trust standing.
type Agent struct {
	AgentID            string       `json:"agent_id"`
	Owner              string       `json:"owner"`
	StakeAmount        uint64       `json:"stake_amount"`
	PerformanceScore   uint32       `json:"performance_score"`
	Metrics            AgentMetrics `json:"metrics"`
	RegistrationHeight uint64       `json:"registration_height"`
	Version            uint64       `json:"version"`
	CreatedAt          int64        `json:"created_at"`
	UpdatedAt          int64        `json:"updated_at"`
}

// Vote is one validator's independent trust score for an execution.
type Vote struct {
	Validator string `json:"validator"`
	Score     uint8  `json:"score"`
}

// ConsensusDecision is the aggregated verdict over a set of votes.
type ConsensusDecision struct {
	FinalScore   uint8 `json:"final_score"`
	Disagreement bool  `json:"disagreement"`
	Votes        int   `json:"votes"`
	Spread       uint8 `json:"spread"`
}

// ChainSnapshot reports the anchoring ledger's identity and head block.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// APIError is the structured error body returned with non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentproof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentproof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentProof Chain API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges account credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// AccessToken reports the bearer token currently attached to requests.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken replaces the bearer token used for subsequent requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitVerification enqueues a verification run. The engine responds with
// 202 Accepted; poll GetVerification for the outcome.
func (c *Client) SubmitVerification(ctx context.Context, submission VerificationSubmission) (Verification, error) {
	var created Verification
	if err := c.post(ctx, "/api/v1/verifications", submission, &created, true); err != nil {
		return Verification{}, err
	}
	return created, nil
}

// GetVerification fetches a verification task by identifier.
func (c *Client) GetVerification(ctx context.Context, id string) (Verification, error) {
	var detail Verification
	endpoint := "/api/v1/verifications/" + url.PathEscape(id)
	if err := c.get(ctx, endpoint, &detail, true); err != nil {
		return Verification{}, err
	}
	return detail, nil
}

// ListVerifications returns tasks matching the given filters.
func (c *Client) ListVerifications(ctx context.Context, opts ListOptions) ([]Verification, error) {
	query := url.Values{}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Agent != "" {
		query.Set("agent", opts.Agent)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Order != "" {
		query.Set("order", opts.Order)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	if opts.HasOutcome != nil {
		query.Set("has_outcome", strconv.FormatBool(*opts.HasOutcome))
	}

	endpoint := "/api/v1/verifications"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var items []Verification
	if err := c.get(ctx, endpoint, &items, true); err != nil {
		return nil, err
	}
	return items, nil
}

// VerificationStats returns queue counters; agentID narrows them to one agent.
func (c *Client) VerificationStats(ctx context.Context, agentID string) (VerificationStats, error) {
	endpoint := "/api/v1/verifications/stats"
	if agentID != "" {
		endpoint += "?agent=" + url.QueryEscape(agentID)
	}
	var stats VerificationStats
	if err := c.get(ctx, endpoint, &stats, true); err != nil {
		return VerificationStats{}, err
	}
	return stats, nil
}

// RegisterAgent registers a new agent profile with its initial stake.
func (c *Client) RegisterAgent(ctx context.Context, owner, agentID string, stake uint64) (Agent, error) {
	payload := struct {
		Owner   string `json:"owner"`
		AgentID string `json:"agent_id"`
		Stake   uint64 `json:"stake"`
	}{Owner: owner, AgentID: agentID, Stake: stake}

	var record Agent
	if err := c.post(ctx, "/api/v1/agents", payload, &record, true); err != nil {
		return Agent{}, err
	}
	return record, nil
}

// GetAgent fetches one agent profile by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var record Agent
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID)
	if err := c.get(ctx, endpoint, &record, true); err != nil {
		return Agent{}, err
	}
	return record, nil
}

// ListAgents returns up to limit profiles ordered by registration height.
func (c *Client) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	endpoint := "/api/v1/agents"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []Agent
	if err := c.get(ctx, endpoint, &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// AgentHistory returns the most recent verification outcomes for an agent.
func (c *Client) AgentHistory(ctx context.Context, agentID string, limit int) ([]VerificationOutcome, error) {
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var outcomes []VerificationOutcome
	if err := c.get(ctx, endpoint, &outcomes, true); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// TransferAgent moves ownership of an agent. The caller must be the
// current owner.
func (c *Client) TransferAgent(ctx context.Context, caller, agentID, newOwner string) (Agent, error) {
	payload := struct {
		Caller   string `json:"caller"`
		AgentID  string `json:"agent_id"`
		NewOwner string `json:"new_owner"`
	}{Caller: caller, AgentID: agentID, NewOwner: newOwner}

	var record Agent
	if err := c.post(ctx, "/api/v1/agents/transfer", payload, &record, true); err != nil {
		return Agent{}, err
	}
	return record, nil
}

// UpdateStake adjusts an agent's stake. The caller must be the owner.
func (c *Client) UpdateStake(ctx context.Context, caller, agentID string, stake uint64) (Agent, error) {
	payload := struct {
		Caller  string `json:"caller"`
		AgentID string `json:"agent_id"`
		Stake   uint64 `json:"stake"`
	}{Caller: caller, AgentID: agentID, Stake: stake}

	var record Agent
	if err := c.post(ctx, "/api/v1/agents/stake", payload, &record, true); err != nil {
		return Agent{}, err
	}
	return record, nil
}

// SubmitVotes aggregates independent validator votes into a consensus
// decision. Nothing is persisted server side.
func (c *Client) SubmitVotes(ctx context.Context, votes []Vote) (ConsensusDecision, error) {
	payload := struct {
		Votes []Vote `json:"votes"`
	}{Votes: votes}

	var decision ConsensusDecision
	if err := c.post(ctx, "/api/v1/consensus/votes", payload, &decision, true); err != nil {
		return ConsensusDecision{}, err
	}
	return decision, nil
}

// ChainSnapshot reports the anchoring ledger's current head.
func (c *Client) ChainSnapshot(ctx context.Context) (ChainSnapshot, error) {
	var snapshot ChainSnapshot
	if err := c.get(ctx, "/api/v1/chain", &snapshot, true); err != nil {
		return ChainSnapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// newRequest resolves the endpoint against the base URL. The stored access
// token is attached when present; an engine running without authentication
// accepts bare requests, so a missing token is not a client-side error.
func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// some deployments return the error object without the envelope
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
