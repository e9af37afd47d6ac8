package ledger

import (
	"context"
	"errors"
	"sync"

	"AgentProof-Chain/internal/proofs"
)

// ErrSubmissionPending is returned by Handle.Receipt while the anchoring
// transaction has not been confirmed yet.
var ErrSubmissionPending = errors.New("ledger: submission pending")

// ChainSnapshot represents summarized network metadata for status reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Receipt describes a confirmed anchoring transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber string `json:"block_number"`
}

// Handle tracks one asynchronous submission. The proof it belongs to is
// already usable; the handle only answers whether the anchor confirmed.
type Handle struct {
	ref  string
	done chan struct{}
	once sync.Once

	receipt Receipt
	err     error
}

// NewHandle creates a pending handle identified by ref.
func NewHandle(ref string) *Handle {
	return &Handle{ref: ref, done: make(chan struct{})}
}

// Ref returns the submitter-assigned reference, usually the tx hash.
func (h *Handle) Ref() string { return h.ref }

// Done is closed once the submission confirmed or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Receipt returns the confirmation outcome without blocking. While the
// submission is in flight it returns ErrSubmissionPending.
func (h *Handle) Receipt() (Receipt, error) {
	select {
	case <-h.done:
		return h.receipt, h.err
	default:
		return Receipt{}, ErrSubmissionPending
	}
}

// Wait blocks until the submission settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Receipt, error) {
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case <-h.done:
		return h.receipt, h.err
	}
}

// Complete settles the handle. Submitters call it exactly once; later
// calls are ignored.
func (h *Handle) Complete(receipt Receipt, err error) {
	h.once.Do(func() {
		h.receipt = receipt
		h.err = err
		close(h.done)
	})
}

// Submitter anchors attestations on a ledger. Implementations must be safe
// for concurrent use.
type Submitter interface {
	SubmitProof(ctx context.Context, proof proofs.ExecutionProof) (*Handle, error)
	SubmitBatch(ctx context.Context, batch proofs.BatchProof) (*Handle, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
