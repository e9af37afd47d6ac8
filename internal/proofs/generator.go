package proofs

import (
	"errors"
	"fmt"
	"time"

	"AgentProof-Chain/internal/identity"

	xerrors "AgentProof-Chain/internal/errors"
)

// Clock supplies proof timestamps. Injected so attestation records are
// reproducible under test and can later be bound to an external time oracle.
type Clock func() time.Time

// Generator builds attestation records on behalf of one verifier identity.
// Generation is pure computation: no I/O, no shared state.
type Generator struct {
	verifier string
	clock    Clock
}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the timestamp source.
func WithClock(clock Clock) GeneratorOption {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGenerator builds a Generator for the given verifier identity.
func NewGenerator(verifier string, opts ...GeneratorOption) (*Generator, error) {
	if verifier == "" {
		return nil, errors.New("proofs: verifier identity is required")
	}
	g := &Generator{verifier: verifier, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Verifier returns the identity stamped onto generated proofs.
func (g *Generator) Verifier() string { return g.verifier }

// Generate attests a successful output: the content identifier is the
// canonical hash of the output bytes. Rejects trust scores above
// MaxTrustScore and unknown methods before computing anything.
func (g *Generator) Generate(output []byte, trustScore uint8, method Method) (ExecutionProof, identity.ContentID, error) {
	if err := validateScoreMethod(trustScore, method); err != nil {
		return ExecutionProof{}, identity.ContentID{}, err
	}
	id := identity.Sum(output)
	proof := ExecutionProof{
		ContentID:  id,
		TrustScore: trustScore,
		Method:     method,
		Success:    true,
		Timestamp:  g.clock().UTC(),
		Verifier:   g.verifier,
	}
	return proof, id, nil
}

// GenerateFailed attests an execution that produced no usable output. The
// caller supplies the input fingerprint as the content identifier, so the
// failed attempt remains addressable; the trust score is pinned to zero.
func (g *Generator) GenerateFailed(contentID identity.ContentID, method Method) (ExecutionProof, error) {
	if !method.Valid() {
		return ExecutionProof{}, invalidMethod(method)
	}
	return ExecutionProof{
		ContentID:  contentID,
		TrustScore: 0,
		Method:     method,
		Success:    false,
		Timestamp:  g.clock().UTC(),
		Verifier:   g.verifier,
	}, nil
}

// GenerateBatch maps each occupied input slot to the hash of its identifier
// bytes; empty positions pass through untouched. Slot i of the output always
// corresponds to slot i of the input, regardless of how many positions are
// occupied.
func (g *Generator) GenerateBatch(inputs [BatchSlots]BatchSlot, scores [BatchSlots]uint8, method Method) (BatchProof, error) {
	if !method.Valid() {
		return BatchProof{}, invalidMethod(method)
	}
	for i, score := range scores {
		if score > MaxTrustScore {
			return BatchProof{}, xerrors.New(
				xerrors.CodeInvalidInput,
				fmt.Sprintf("trust score %d at slot %d exceeds %d", score, i, MaxTrustScore),
				xerrors.WithMetadata("slot", fmt.Sprintf("%d", i)),
			)
		}
	}
	batch := BatchProof{
		Scores:    scores,
		Method:    method,
		Timestamp: g.clock().UTC(),
		Verifier:  g.verifier,
	}
	for i, in := range inputs {
		if !in.Present {
			continue
		}
		batch.Slots[i] = Occupied(identity.Sum(in.ID[:]))
	}
	return batch, nil
}

func validateScoreMethod(trustScore uint8, method Method) error {
	if trustScore > MaxTrustScore {
		return xerrors.New(
			xerrors.CodeInvalidInput,
			fmt.Sprintf("trust score %d exceeds %d", trustScore, MaxTrustScore),
		)
	}
	if !method.Valid() {
		return invalidMethod(method)
	}
	return nil
}

func invalidMethod(method Method) error {
	return xerrors.New(
		xerrors.CodeInvalidInput,
		fmt.Sprintf("unknown verification method %q", method),
		xerrors.WithMetadata("method", string(method)),
	)
}
