package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy enforces what a plugin may touch. Validate runs once at
// registration, Prepare immediately before Start and Cleanup after Stop, so
// a strategy can set up and tear down OS-level confinement around the
// plugin's active lifetime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// CapabilityGate is the built-in strategy: it checks declared capabilities
// against the policy's grant and deny lists and performs no OS-level
// sandboxing.
type CapabilityGate struct{}

// Validate rejects plugins that declare a denied capability or, when the
// policy grants an explicit allow list, a capability outside it.
func (CapabilityGate) Validate(info Info, policy IsolationPolicy) error {
	for _, denied := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, denied) {
			return fmt.Errorf("capability %s is explicitly denied", denied)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, want := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, want) {
			return fmt.Errorf("capability %s not permitted", want)
		}
	}
	return nil
}

// Prepare is a no-op: the gate does no OS-level confinement.
func (CapabilityGate) Prepare(Info) error { return nil }

// Cleanup is a no-op for the same reason.
func (CapabilityGate) Cleanup(Info) error { return nil }

// NewIsolationStrategy substitutes the capability gate when no strategy is
// supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityGate{}
	}
	return strategy
}

// MergePolicies lays a per-plugin policy over the manifest defaults. A
// per-plugin policy that grants or denies nothing falls back to the
// defaults entirely.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy refuses capability-declaring plugins whose effective policy
// says nothing at all; silence must not be read as a grant.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("a plugin declaring capabilities needs an explicit isolation policy")
	}
	return nil
}
