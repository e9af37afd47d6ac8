package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentProof-Chain/sdk/go/agentproof"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentproof.Token{
			AccessToken: "demo-token",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	})
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agentproof.Agent{
			AgentID:            "agent-demo",
			Owner:              "alice",
			StakeAmount:        5000,
			RegistrationHeight: 1,
			Version:            1,
		})
	})
	mux.HandleFunc("/api/v1/verifications", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(agentproof.Verification{
				ID:      "verify-demo",
				AgentID: "agent-demo",
				Status:  "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/verifications/verify-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentproof.Verification{
			ID:      "verify-demo",
			AgentID: "agent-demo",
			Status:  "succeeded",
			Outcome: &agentproof.VerificationOutcome{
				Fingerprint: "0x51d2a1",
				Method:      "pattern",
				Success:     true,
				TrustScore:  96,
				LatencyMS:   12,
			},
		})
	})
	mux.HandleFunc("/api/v1/consensus/votes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentproof.ConsensusDecision{
			FinalScore: 88,
			Votes:      5,
			Spread:     10,
		})
	})
	mux.HandleFunc("/api/v1/chain", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentproof.ChainSnapshot{
			ChainID:     "0x0",
			BlockNumber: "0x1",
			Notes:       "in-memory ledger",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentproof.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, agentproof.Credentials{Username: "validator-1", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("access token issued: %s\n", token.AccessToken)

	agent, err := client.RegisterAgent(ctx, "alice", "agent-demo", 5000)
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s with stake %d\n", agent.AgentID, agent.StakeAmount)

	submitted, err := client.SubmitVerification(ctx, agentproof.VerificationSubmission{
		AgentID: agent.AgentID,
		Input:   "summarise the quarterly report",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted verification %s (status=%s)\n", submitted.ID, submitted.Status)

	detail, err := client.GetVerification(ctx, submitted.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("verification %s finished with trust score %d\n", detail.ID, detail.Outcome.TrustScore)

	decision, err := client.SubmitVotes(ctx, []agentproof.Vote{
		{Validator: "validator-1", Score: 90},
		{Validator: "validator-2", Score: 85},
		{Validator: "validator-3", Score: 88},
		{Validator: "validator-4", Score: 80},
		{Validator: "validator-5", Score: 95},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("consensus score %d across %d votes\n", decision.FinalScore, decision.Votes)

	snapshot, err := client.ChainSnapshot(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("ledger %s at block %s\n", snapshot.ChainID, snapshot.BlockNumber)
}
