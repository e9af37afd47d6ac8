package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
)

// Manager owns every registered plugin and drives its lifecycle. All methods
// are safe for concurrent use; per-plugin lifecycle transitions are
// serialised by a per-entry lock so one slow plugin cannot block queries
// against the others.
type Manager struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
}

type entry struct {
	mu     sync.Mutex
	plugin Plugin
	info   Info
	state  State
	config map[string]any
	policy IsolationPolicy
}

// NewManager validates the manifest, applies options and loads every
// enabled plugin. Loading stops at the first failure so a broken manifest
// never yields a half-populated manager.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		entries:   make(map[string]*entry),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.loadManifest(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register attaches an already-constructed plugin. The effective isolation
// policy is checked and Configure runs before the plugin becomes visible.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id is required")
	}
	if p == nil {
		return errors.New("nil plugin implementation")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("manifest id %s does not match plugin id %s", id, info.ID)
	}
	if info.ID == "" {
		info.ID = id
	}

	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}

	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return fmt.Errorf("plugin %s registered twice", id)
	}
	m.entries[id] = &entry{plugin: p, info: info, state: StateRegistered, config: cfg, policy: policy}
	m.order = append(m.order, id)
	return nil
}

// Load resolves a plugin binary through the loader and registers it.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path is required")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin %s from %s: %w", id, path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Start moves a plugin to the started state, running Init first when it has
// never been initialised. Starting a started plugin is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStarted {
		return nil
	}
	hookCtx := &ExecutionContext{C: ctx, Config: e.config, Resources: m.resources}
	if e.state == StateRegistered {
		if err := e.plugin.Init(hookCtx.Clone()); err != nil {
			return fmt.Errorf("init plugin %s: %w", id, err)
		}
		e.state = StateInitialised
	}
	if err := m.isolation.Prepare(e.info); err != nil {
		return fmt.Errorf("prepare isolation for plugin %s: %w", id, err)
	}
	if err := e.plugin.Start(hookCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(e.info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	e.state = StateStarted
	return nil
}

// Stop halts a started plugin and tears down its isolation. Stopping a
// plugin that never started is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStarted {
		return nil
	}
	hookCtx := &ExecutionContext{C: ctx, Config: e.config, Resources: m.resources}
	if err := e.plugin.Stop(hookCtx.Clone()); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(e.info); err != nil {
		return fmt.Errorf("cleanup isolation for plugin %s: %w", id, err)
	}
	e.state = StateStopped
	return nil
}

// StartAll starts plugins in registration order, stopping at the first
// failure.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.ids(false) {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops plugins in reverse registration order so later plugins that
// depend on earlier ones shut down first. All plugins are attempted; the
// first error is reported.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, id := range m.ids(true) {
		if err := m.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// State reports a plugin's lifecycle state.
func (m *Manager) State(id string) (State, error) {
	e, err := m.get(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Detectors returns the started detector-category plugins that satisfy the
// EvidenceDetector contract, in registration order.
func (m *Manager) Detectors() []EvidenceDetector {
	var detectors []EvidenceDetector
	for _, p := range m.started(TypeDetector) {
		if detector, ok := p.(EvidenceDetector); ok {
			detectors = append(detectors, detector)
		}
	}
	return detectors
}

// Capabilities returns the started capability-category plugins that satisfy
// the AgentCapability contract, in registration order.
func (m *Manager) Capabilities() []AgentCapability {
	var capabilities []AgentCapability
	for _, p := range m.started(TypeCapability) {
		if capability, ok := p.(AgentCapability); ok {
			capabilities = append(capabilities, capability)
		}
	}
	return capabilities
}

func (m *Manager) started(category Type) []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var plugins []Plugin
	for _, id := range m.order {
		e := m.entries[id]
		e.mu.Lock()
		match := e.state == StateStarted && e.info.Category == category
		e.mu.Unlock()
		if match {
			plugins = append(plugins, e.plugin)
		}
	}
	return plugins
}

func (m *Manager) ids(reverse bool) []string {
	m.mu.RLock()
	ids := slices.Clone(m.order)
	m.mu.RUnlock()
	if reverse {
		slices.Reverse(ids)
	}
	return ids
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s is not registered", id)
	}
	return e, nil
}

// loadManifest loads enabled manifest entries in sorted id order so startup
// is reproducible across runs.
func (m *Manager) loadManifest(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		pluginCfg := cfg.Plugins[id]
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if err := m.Load(id, path, maps.Clone(pluginCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}
