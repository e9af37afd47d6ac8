package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := []byte(`{
  "server": {"address": ":9000"},
  "storage": {"task_store": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/agentproof"}},
  "ledger": {"driver": "ethereum", "chain_config": "configs/chains.yaml"},
  "knowledge": {"source": "data/facts.json"}
}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Fatalf("explicit address lost: %s", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "mysql" || cfg.Storage.TaskStore.Retries != 3 {
		t.Fatalf("task store defaults wrong: %+v", cfg.Storage.TaskStore)
	}
	if cfg.Storage.AgentStore.Driver != "memory" || cfg.Storage.Cache.Size != 1024 {
		t.Fatalf("storage defaults wrong: %+v", cfg.Storage)
	}
	if cfg.TaskQueue.Driver != "memory" || cfg.TaskQueue.Worker != 4 {
		t.Fatalf("queue defaults wrong: %+v", cfg.TaskQueue)
	}
	if cfg.Verifier.Method != "pattern" || cfg.Verifier.TimeoutSeconds != 30 || cfg.Verifier.Identity != "agentproof-node" {
		t.Fatalf("verifier defaults wrong: %+v", cfg.Verifier)
	}
	if cfg.Consensus.MinVotes != 3 || cfg.Consensus.Tolerance != 25 {
		t.Fatalf("consensus defaults wrong: %+v", cfg.Consensus)
	}

	wantChains := filepath.Join(dir, "configs/chains.yaml")
	if cfg.Ledger.ChainConfig != wantChains {
		t.Fatalf("chain config not resolved: %s", cfg.Ledger.ChainConfig)
	}
	wantFacts := filepath.Join(dir, "data/facts.json")
	if cfg.Knowledge.Source != wantFacts {
		t.Fatalf("knowledge source not resolved: %s", cfg.Knowledge.Source)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir default wrong: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path must fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("missing file must fail")
	}
}
