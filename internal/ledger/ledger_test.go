package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"AgentProof-Chain/internal/proofs"
)

func TestHandleLifecycle(t *testing.T) {
	handle := NewHandle("0xabc")

	if _, err := handle.Receipt(); !errors.Is(err, ErrSubmissionPending) {
		t.Fatalf("expected pending receipt, got %v", err)
	}

	handle.Complete(Receipt{TxHash: "0xabc", BlockNumber: "0x1"}, nil)
	handle.Complete(Receipt{TxHash: "0xother"}, errors.New("late")) // 只有第一次生效

	receipt, err := handle.Receipt()
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.TxHash != "0xabc" || receipt.BlockNumber != "0x1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("wait on settled handle: %v", err)
	}
}

func TestHandleWaitHonorsContext(t *testing.T) {
	handle := NewHandle("0xpending")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := handle.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestMemorySubmitterRecordsProofs(t *testing.T) {
	sub := NewMemorySubmitter()
	gen, err := proofs.NewGenerator("validator-7")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	proof, _, err := gen.Generate([]byte("output"), 92, proofs.MethodPattern)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	handle, err := sub.SubmitProof(context.Background(), proof)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	receipt, err := handle.Receipt()
	if err != nil {
		t.Fatalf("memory submissions settle immediately: %v", err)
	}
	if receipt.TxHash != proof.ContentID.Hex() {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := sub.Proofs(); len(got) != 1 || got[0].ContentID != proof.ContentID {
		t.Fatalf("proof not recorded: %+v", got)
	}

	snapshot, err := sub.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.BlockNumber != "0x1" {
		t.Fatalf("unexpected height %s", snapshot.BlockNumber)
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := []byte(`chains:
  sepolia:
    type: evm
    rpc_url: https://rpc.sepolia.example
    contract_address: "0x1b3cB81E51011b549d78bf720b0d924ac763A7C2"
    private_key_env: AGENTPROOF_SEPOLIA_KEY
    gas_limit: 400000
    description: testnet anchor
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatalf("sepolia missing: %+v", defs)
	}
	if chain.RPCURL != "https://rpc.sepolia.example" || chain.GasLimit != 400000 {
		t.Fatalf("unexpected chain definition %+v", chain)
	}
	if chain.PrivateKeyEnv != "AGENTPROOF_SEPOLIA_KEY" {
		t.Fatalf("key env not parsed: %+v", chain)
	}

	empty, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("empty path must not fail: %v", err)
	}
	if len(empty.Chains) != 0 {
		t.Fatalf("expected no chains, got %+v", empty.Chains)
	}
}
