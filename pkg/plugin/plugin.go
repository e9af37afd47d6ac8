package plugin

import (
	"context"
	"maps"
)

// Plugin is the lifecycle contract every loadable extension satisfies. The
// manager drives the hooks strictly in order: Configure before Init, Init
// before Start, Stop only after a successful Start. Detector and capability
// plugins additionally implement the contracts in contract.go.
type Plugin interface {
	// Info reports static metadata. The returned Category decides which
	// engine seam the plugin is attached to.
	Info() Info
	// Configure receives the plugin's manifest configuration block before
	// any other hook runs. Implementations validate the block here and may
	// write defaults back into it.
	Configure(cfg map[string]any) error
	// Init prepares internal state. No engine traffic arrives yet.
	Init(ctx *ExecutionContext) error
	// Start makes the plugin live. Long-running work belongs in goroutines
	// owned by the plugin.
	Start(ctx *ExecutionContext) error
	// Stop releases resources. Called at most once after Start succeeded.
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext carries the per-hook environment handed to a plugin.
type ExecutionContext struct {
	// C carries cancellation and deadlines for the hook invocation.
	C context.Context
	// Config is the manifest configuration block for this plugin.
	Config map[string]any
	// Resources holds host-owned shared services keyed by name.
	Resources map[string]any
}

// Clone copies the context so a plugin can mutate the maps without the
// changes leaking into other plugins sharing the same manager.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = maps.Clone(c.Config)
	dup.Resources = maps.Clone(c.Resources)
	return &dup
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithLoader swaps the mechanism that turns a file path into a Plugin.
// Tests use this to avoid building real shared objects.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy replaces the capability enforcement hooks.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource exposes a named host service to every plugin's
// ExecutionContext.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
