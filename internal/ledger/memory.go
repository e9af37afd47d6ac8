package ledger

import (
	"context"
	"fmt"
	"sync"

	"AgentProof-Chain/internal/proofs"
)

// MemorySubmitter keeps submissions in process memory. It backs the
// "memory" ledger driver for local runs and tests; every handle settles
// immediately with a synthetic receipt.
type MemorySubmitter struct {
	mu      sync.Mutex
	proofs  []proofs.ExecutionProof
	batches []proofs.BatchProof
	height  uint64
}

// NewMemorySubmitter creates an empty in-memory submitter.
func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{}
}

// SubmitProof records the proof and settles the handle synchronously.
func (m *MemorySubmitter) SubmitProof(_ context.Context, proof proofs.ExecutionProof) (*Handle, error) {
	m.mu.Lock()
	m.proofs = append(m.proofs, proof)
	m.height++
	height := m.height
	m.mu.Unlock()

	handle := NewHandle(proof.ContentID.Hex())
	handle.Complete(Receipt{
		TxHash:      proof.ContentID.Hex(),
		BlockNumber: fmt.Sprintf("0x%x", height),
	}, nil)
	return handle, nil
}

// SubmitBatch records the batch and settles the handle synchronously.
func (m *MemorySubmitter) SubmitBatch(_ context.Context, batch proofs.BatchProof) (*Handle, error) {
	m.mu.Lock()
	m.batches = append(m.batches, batch)
	m.height++
	height := m.height
	m.mu.Unlock()

	ref := fmt.Sprintf("batch-%d", height)
	handle := NewHandle(ref)
	handle.Complete(Receipt{
		TxHash:      ref,
		BlockNumber: fmt.Sprintf("0x%x", height),
	}, nil)
	return handle, nil
}

// Snapshot reports the synthetic chain state.
func (m *MemorySubmitter) Snapshot(_ context.Context) (ChainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChainSnapshot{
		ChainID:     "0x0",
		BlockNumber: fmt.Sprintf("0x%x", m.height),
		Notes:       "in-memory ledger",
	}, nil
}

// Proofs returns a copy of all recorded execution proofs.
func (m *MemorySubmitter) Proofs() []proofs.ExecutionProof {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proofs.ExecutionProof, len(m.proofs))
	copy(out, m.proofs)
	return out
}

// Batches returns a copy of all recorded batch proofs.
func (m *MemorySubmitter) Batches() []proofs.BatchProof {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proofs.BatchProof, len(m.batches))
	copy(out, m.batches)
	return out
}

// Close implements Submitter.
func (m *MemorySubmitter) Close() {}
