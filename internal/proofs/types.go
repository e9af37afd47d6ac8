package proofs

import (
	"fmt"
	"time"

	"AgentProof-Chain/internal/identity"

	xerrors "AgentProof-Chain/internal/errors"
)

// Method identifies how a trust score was established.
type Method string

const (
	MethodPattern   Method = "pattern"
	MethodModel     Method = "model"
	MethodConsensus Method = "consensus"
)

// Valid reports whether the method is one of the three defined values.
func (m Method) Valid() bool {
	switch m {
	case MethodPattern, MethodModel, MethodConsensus:
		return true
	}
	return false
}

// ParseMethod converts an external string into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !m.Valid() {
		return "", xerrors.New(
			xerrors.CodeInvalidInput,
			fmt.Sprintf("unknown verification method %q", s),
			xerrors.WithMetadata("method", s),
		)
	}
	return m, nil
}

// MaxTrustScore is the upper bound of the per-proof trust scale.
const MaxTrustScore uint8 = 100

// BatchSlots is the fixed arity of a batch proof. The downstream settlement
// contract consumes bytes32[5]; the width is part of the wire contract.
const BatchSlots = 5

// ExecutionProof binds an output's content identifier to a trust score and
// the context in which it was assessed. Immutable once created.
type ExecutionProof struct {
	ContentID  identity.ContentID `json:"content_id"`
	TrustScore uint8              `json:"trust_score"`
	Method     Method             `json:"verification_method"`
	Success    bool               `json:"success"`
	Timestamp  time.Time          `json:"timestamp"`
	Verifier   string             `json:"verifier_identity"`
}

// BatchSlot is one position of a fixed-width batch. The zero value marks the
// position unused; Present distinguishes a real identifier from the unused
// marker so an identifier that legitimately hashes to all zeroes cannot be
// mistaken for an empty slot.
type BatchSlot struct {
	Present bool               `json:"present"`
	ID      identity.ContentID `json:"id"`
}

// Occupied builds a populated slot.
func Occupied(id identity.ContentID) BatchSlot {
	return BatchSlot{Present: true, ID: id}
}

// BatchProof carries exactly BatchSlots positionally significant slots plus
// their trust scores. Order is preserved end to end; empty positions stay
// empty so the fixed-arity consumer keeps its alignment.
type BatchProof struct {
	Slots     [BatchSlots]BatchSlot `json:"slots"`
	Scores    [BatchSlots]uint8     `json:"trust_scores"`
	Method    Method                `json:"verification_method"`
	Timestamp time.Time             `json:"timestamp"`
	Verifier  string                `json:"verifier_identity"`
}

// Occupancy returns how many slots hold a real identifier.
func (b BatchProof) Occupancy() int {
	n := 0
	for _, slot := range b.Slots {
		if slot.Present {
			n++
		}
	}
	return n
}
