package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
)

// callJournal records hook invocations across plugins so ordering between
// plugins can be asserted.
type callJournal struct {
	mu    sync.Mutex
	calls []string
}

func (j *callJournal) record(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, entry)
}

func (j *callJournal) entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

type stubPlugin struct {
	mu        sync.Mutex
	id        string
	category  Type
	caps      []Capability
	failStart error
	journal   *callJournal

	calls []string
	cfg   map[string]any
	res   map[string]any
}

func (s *stubPlugin) Info() Info {
	return Info{ID: s.id, Name: s.id, Version: "1.0.0", Category: s.category, Capabilities: s.caps}
}

func (s *stubPlugin) Configure(cfg map[string]any) error {
	s.record("configure")
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *stubPlugin) Init(*ExecutionContext) error { s.record("init"); return nil }

func (s *stubPlugin) Start(ctx *ExecutionContext) error {
	s.record("start")
	s.mu.Lock()
	s.res = ctx.Resources
	s.mu.Unlock()
	return s.failStart
}

func (s *stubPlugin) Stop(*ExecutionContext) error { s.record("stop"); return nil }

func (s *stubPlugin) record(hook string) {
	s.mu.Lock()
	s.calls = append(s.calls, hook)
	s.mu.Unlock()
	s.journal.record(s.id + ":" + hook)
}

func (s *stubPlugin) hooks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

type stubDetector struct {
	stubPlugin
}

func (d *stubDetector) DetectionMethod() string { return "stub_scan" }

func (d *stubDetector) DetectEvidence(_ context.Context, _, output []byte) ([]Finding, error) {
	return []Finding{{Type: "fabricated_fact", Confidence: 80, Detail: string(output)}}, nil
}

type stubCapability struct {
	stubPlugin
	agent string
}

func (c *stubCapability) AgentID() string { return c.agent }

func (c *stubCapability) Execute(_ context.Context, input []byte) ([]byte, error) {
	return input, nil
}

// mapLoader resolves paths against a fixed table instead of opening shared
// objects.
type mapLoader struct {
	plugins map[string]Plugin
	paths   []string
}

func (l *mapLoader) Load(path string) (Plugin, error) {
	l.paths = append(l.paths, path)
	p, ok := l.plugins[path]
	if !ok {
		return nil, fmt.Errorf("no plugin at %s", path)
	}
	return p, nil
}

func TestManagerLoadsManifest(t *testing.T) {
	detector := &stubDetector{stubPlugin: stubPlugin{id: "halluc", category: TypeDetector}}
	loader := &mapLoader{plugins: map[string]Plugin{
		filepath.Join("/opt/plugins", "halluc.so"): detector,
	}}
	cfg := ManagerConfig{
		PluginDir: "/opt/plugins",
		Plugins: map[string]PluginConfig{
			"halluc":   {Enabled: true, Path: "halluc.so", Config: map[string]any{"threshold": 40}},
			"disabled": {Enabled: false, Path: "ignored.so"},
		},
	}

	mgr, err := NewManager(cfg, WithLoader(loader))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if len(loader.paths) != 1 || loader.paths[0] != filepath.Join("/opt/plugins", "halluc.so") {
		t.Fatalf("loader paths = %v, want the manifest path joined onto plugin_dir", loader.paths)
	}
	if state, err := mgr.State("halluc"); err != nil || state != StateRegistered {
		t.Fatalf("state = %q, %v; want %q", state, err, StateRegistered)
	}
	if _, err := mgr.State("disabled"); err == nil {
		t.Fatalf("disabled manifest entries must not be registered")
	}
	if got := detector.cfg["threshold"]; got != 40 {
		t.Fatalf("configure received %v, want the manifest config block", detector.cfg)
	}

	bad := ManagerConfig{Plugins: map[string]PluginConfig{"ghost": {Enabled: true, Path: "ghost.so"}}}
	if _, err := NewManager(bad, WithLoader(loader)); err == nil {
		t.Fatalf("a manifest entry the loader cannot resolve must fail construction")
	}
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	p := &stubDetector{stubPlugin: stubPlugin{id: "order", category: TypeDetector}}

	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("order", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := mgr.Start(ctx, "order"); err != nil {
		t.Fatalf("restarting a started plugin: %v", err)
	}
	want := []string{"configure", "init", "start"}
	if got := p.hooks(); !slices.Equal(got, want) {
		t.Fatalf("hooks = %v, want %v (start must be idempotent)", got, want)
	}
	if state, _ := mgr.State("order"); state != StateStarted {
		t.Fatalf("state = %q, want %q", state, StateStarted)
	}

	if err := mgr.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if err := mgr.Stop(ctx, "order"); err != nil {
		t.Fatalf("stopping a stopped plugin: %v", err)
	}
	want = append(want, "stop")
	if got := p.hooks(); !slices.Equal(got, want) {
		t.Fatalf("hooks = %v, want %v (stop must be idempotent)", got, want)
	}
	if state, _ := mgr.State("order"); state != StateStopped {
		t.Fatalf("state = %q, want %q", state, StateStopped)
	}

	// Restart after stop skips Init: the plugin was already initialised.
	if err := mgr.Start(ctx, "order"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	want = append(want, "start")
	if got := p.hooks(); !slices.Equal(got, want) {
		t.Fatalf("hooks after restart = %v, want %v", got, want)
	}
}

func TestManagerStopsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	journal := &callJournal{}
	first := &stubDetector{stubPlugin: stubPlugin{id: "first", category: TypeDetector, journal: journal}}
	second := &stubDetector{stubPlugin: stubPlugin{id: "second", category: TypeDetector, journal: journal}}

	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("first", first, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := mgr.Register("second", second, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := mgr.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	entries := journal.entries()
	if len(entries) < 2 {
		t.Fatalf("journal too short: %v", entries)
	}
	tail := entries[len(entries)-2:]
	if !slices.Equal(tail, []string{"second:stop", "first:stop"}) {
		t.Fatalf("stop order = %v, want reverse registration order", tail)
	}
}

func TestManagerEnforcesCapabilityPolicy(t *testing.T) {
	newRunner := func() *stubCapability {
		return &stubCapability{
			stubPlugin: stubPlugin{id: "runner", category: TypeCapability, caps: []Capability{CapabilityNetwork}},
			agent:      "echo",
		}
	}

	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("runner", newRunner(), nil, IsolationPolicy{}); err == nil {
		t.Fatalf("capability plugin without any policy must be rejected")
	}
	denied := IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}
	if err := mgr.Register("runner", newRunner(), nil, denied); err == nil {
		t.Fatalf("denied capability must be rejected")
	}
	elsewhere := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}}
	if err := mgr.Register("runner", newRunner(), nil, elsewhere); err == nil {
		t.Fatalf("capability outside the allow list must be rejected")
	}
	allowed := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}
	if err := mgr.Register("runner", newRunner(), nil, allowed); err != nil {
		t.Fatalf("allowed capability rejected: %v", err)
	}

	// Manifest defaults cover plugins that ship no policy of their own.
	strict, err := NewManager(ManagerConfig{Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := strict.Register("runner", newRunner(), nil, IsolationPolicy{}); err == nil {
		t.Fatalf("manifest default deny must apply")
	}
}

func TestManagerGroupsStartedPluginsByCategory(t *testing.T) {
	ctx := context.Background()
	detector := &stubDetector{stubPlugin: stubPlugin{id: "detector", category: TypeDetector}}
	runner := &stubCapability{stubPlugin: stubPlugin{id: "runner", category: TypeCapability}, agent: "echo"}
	idle := &stubDetector{stubPlugin: stubPlugin{id: "idle", category: TypeDetector}}

	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for id, p := range map[string]Plugin{"detector": detector, "runner": runner, "idle": idle} {
		if err := mgr.Register(id, p, nil, IsolationPolicy{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if got := mgr.Detectors(); len(got) != 0 {
		t.Fatalf("registered-but-unstarted detectors leaked: %d", len(got))
	}
	if err := mgr.Start(ctx, "detector"); err != nil {
		t.Fatalf("start detector: %v", err)
	}
	if err := mgr.Start(ctx, "runner"); err != nil {
		t.Fatalf("start runner: %v", err)
	}

	detectors := mgr.Detectors()
	if len(detectors) != 1 || detectors[0].DetectionMethod() != "stub_scan" {
		t.Fatalf("detectors = %d entries, want the single started detector", len(detectors))
	}
	findings, err := detectors[0].DetectEvidence(ctx, nil, []byte("claim"))
	if err != nil || len(findings) != 1 || findings[0].Type != "fabricated_fact" {
		t.Fatalf("DetectEvidence = %v, %v", findings, err)
	}

	capabilities := mgr.Capabilities()
	if len(capabilities) != 1 || capabilities[0].AgentID() != "echo" {
		t.Fatalf("capabilities = %d entries, want the single started runner", len(capabilities))
	}
	out, err := capabilities[0].Execute(ctx, []byte("ping"))
	if err != nil || string(out) != "ping" {
		t.Fatalf("Execute = %q, %v", out, err)
	}

	if err := mgr.Stop(ctx, "detector"); err != nil {
		t.Fatalf("stop detector: %v", err)
	}
	if got := mgr.Detectors(); len(got) != 0 {
		t.Fatalf("stopped detector still exposed: %d", len(got))
	}
}

func TestManagerRegisterValidation(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("", &stubDetector{stubPlugin: stubPlugin{category: TypeDetector}}, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("empty id accepted")
	}
	if err := mgr.Register("x", nil, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("nil plugin accepted")
	}
	mismatched := &stubDetector{stubPlugin: stubPlugin{id: "actual", category: TypeDetector}}
	if err := mgr.Register("declared", mismatched, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("manifest id / self-reported id mismatch accepted")
	}
	dup := &stubDetector{stubPlugin: stubPlugin{id: "dup", category: TypeDetector}}
	if err := mgr.Register("dup", dup, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.Register("dup", dup, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("duplicate id accepted")
	}
}

func TestManagerSharesResources(t *testing.T) {
	ctx := context.Background()
	p := &stubDetector{stubPlugin: stubPlugin{id: "res", category: TypeDetector}}

	mgr, err := NewManager(ManagerConfig{}, WithResource("anchor", "ledger-client"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("res", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := p.res["anchor"]; got != "ledger-client" {
		t.Fatalf("resources = %v, want the host-provided anchor client", p.res)
	}
}

func TestManagerStartFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	p := &stubDetector{stubPlugin: stubPlugin{id: "broken", category: TypeDetector, failStart: errors.New("boom")}}

	mgr, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Register("broken", p, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.StartAll(ctx); err == nil {
		t.Fatalf("start failure not surfaced")
	}
	if state, _ := mgr.State("broken"); state != StateInitialised {
		t.Fatalf("state = %q, want %q after a failed start", state, StateInitialised)
	}
	if got := mgr.Detectors(); len(got) != 0 {
		t.Fatalf("failed plugin still exposed: %d", len(got))
	}
}
