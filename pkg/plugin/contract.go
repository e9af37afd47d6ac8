package plugin

import "context"

// Finding is one piece of hallucination evidence reported by a detector
// plugin. Type must match one of the engine's evidence categories and
// Confidence is expressed on the [0,100] trust scale; records that fail
// those checks are dropped by the host.
type Finding struct {
	Type       string
	Confidence uint8
	Detail     string
}

// EvidenceDetector is the contract detector-category plugins implement in
// addition to the Plugin lifecycle. The host calls DetectEvidence once per
// verified execution; returning an error marks the channel unavailable for
// that execution without failing the verification.
type EvidenceDetector interface {
	DetectionMethod() string
	DetectEvidence(ctx context.Context, input, output []byte) ([]Finding, error)
}

// AgentCapability is the contract capability-category plugins implement.
// The host binds the returned agent identifier to the Execute function in
// its capability registry.
type AgentCapability interface {
	AgentID() string
	Execute(ctx context.Context, input []byte) ([]byte, error)
}
