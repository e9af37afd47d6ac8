package proofs

import (
	"errors"
	"testing"
	"time"

	"AgentProof-Chain/internal/identity"

	xerrors "AgentProof-Chain/internal/errors"
)

func fixedClock(t *testing.T) Clock {
	t.Helper()
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	gen, err := NewGenerator("verifier-1", WithClock(fixedClock(t)))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return gen
}

func TestGenerate(t *testing.T) {
	gen := newTestGenerator(t)
	output := []byte(`{"answer":"Paris"}`)

	proof, id, err := gen.Generate(output, 95, MethodPattern)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if id != identity.Sum(output) {
		t.Fatalf("content identifier does not match canonical hash of output")
	}
	if proof.ContentID != id {
		t.Fatalf("proof carries %s, returned identifier is %s", proof.ContentID.Hex(), id.Hex())
	}
	if !proof.Success || proof.TrustScore != 95 || proof.Method != MethodPattern {
		t.Fatalf("unexpected proof fields: %+v", proof)
	}
	if proof.Verifier != "verifier-1" {
		t.Fatalf("verifier identity = %q", proof.Verifier)
	}
	if proof.Timestamp != fixedClock(t)() {
		t.Fatalf("timestamp should come from the injected clock, got %s", proof.Timestamp)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	gen := newTestGenerator(t)

	if _, _, err := gen.Generate([]byte("x"), 101, MethodModel); err == nil {
		t.Fatalf("trust score above 100 must be rejected")
	} else if xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
		t.Fatalf("wrong code for oversized score: %s", xerrors.CodeOf(err))
	}

	if _, _, err := gen.Generate([]byte("x"), 50, Method("oracle")); err == nil {
		t.Fatalf("unknown method must be rejected")
	} else if xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
		t.Fatalf("wrong code for unknown method: %s", xerrors.CodeOf(err))
	}
}

func TestGenerateFailed(t *testing.T) {
	gen := newTestGenerator(t)
	fingerprint := identity.Sum([]byte("attempted input"))

	proof, err := gen.GenerateFailed(fingerprint, MethodModel)
	if err != nil {
		t.Fatalf("GenerateFailed: %v", err)
	}
	if proof.Success {
		t.Fatalf("failed execution must not attest success")
	}
	if proof.TrustScore != 0 {
		t.Fatalf("failed execution trust score = %d, want 0", proof.TrustScore)
	}
	if proof.ContentID != fingerprint {
		t.Fatalf("failed proof should keep the input fingerprint addressable")
	}
}

func TestGenerateBatchPreservesPositions(t *testing.T) {
	gen := newTestGenerator(t)

	a := identity.Sum([]byte("proof-a"))
	b := identity.Sum([]byte("proof-b"))
	var inputs [BatchSlots]BatchSlot
	inputs[0] = Occupied(a)
	inputs[2] = Occupied(b)
	scores := [BatchSlots]uint8{90, 0, 75, 0, 0}

	batch, err := gen.GenerateBatch(inputs, scores, MethodConsensus)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if batch.Occupancy() != 2 {
		t.Fatalf("occupancy = %d, want 2", batch.Occupancy())
	}
	if !batch.Slots[0].Present || batch.Slots[0].ID != identity.Sum(a[:]) {
		t.Fatalf("slot 0 should hold hash of input identifier a")
	}
	if batch.Slots[1].Present {
		t.Fatalf("slot 1 was empty on input and must stay empty")
	}
	if !batch.Slots[2].Present || batch.Slots[2].ID != identity.Sum(b[:]) {
		t.Fatalf("slot 2 should hold hash of input identifier b")
	}
	if batch.Slots[3].Present || batch.Slots[4].Present {
		t.Fatalf("trailing slots must stay empty")
	}
	if batch.Scores != scores {
		t.Fatalf("scores must pass through unchanged: %v", batch.Scores)
	}
}

func TestGenerateBatchValidation(t *testing.T) {
	gen := newTestGenerator(t)
	var inputs [BatchSlots]BatchSlot
	inputs[0] = Occupied(identity.Sum([]byte("x")))

	if _, err := gen.GenerateBatch(inputs, [BatchSlots]uint8{120}, MethodPattern); err == nil {
		t.Fatalf("slot score above 100 must be rejected")
	}
	if _, err := gen.GenerateBatch(inputs, [BatchSlots]uint8{}, Method("vibes")); err == nil {
		t.Fatalf("unknown method must be rejected")
	}
}

func TestNewGeneratorRequiresVerifier(t *testing.T) {
	if _, err := NewGenerator(""); err == nil {
		t.Fatalf("empty verifier identity must be rejected")
	}
}

func TestParseMethod(t *testing.T) {
	if _, err := ParseMethod("consensus"); err != nil {
		t.Fatalf("consensus should parse: %v", err)
	}
	if _, err := ParseMethod("divination"); !errors.Is(err, xerrors.New(xerrors.CodeInvalidInput, "")) {
		t.Fatalf("unknown method should yield INVALID_INPUT, got %v", err)
	}
}
