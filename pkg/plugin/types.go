package plugin

// Type is the functional category of a plugin. The manager exposes started
// plugins to the engine grouped by category, so the category decides whether
// a plugin feeds evidence into verification or executes on behalf of a
// wrapped agent.
type Type string

const (
	// TypeDetector marks plugins that inspect verified executions and
	// report hallucination evidence.
	TypeDetector Type = "detector"
	// TypeCapability marks plugins that execute agent workloads, letting
	// external binaries be verified without linking them into the engine.
	TypeCapability Type = "capability"
)

// Capability names an optional privilege a plugin asks for. Plugins that
// declare capabilities only load under an isolation policy that grants them.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info is the static self-description a plugin returns from Info().
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State tracks where a plugin sits in its lifecycle. Only started plugins
// are visible through Detectors and Capabilities.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
