// Package ledger houses the attestation submission layer. It defines the
// Submitter abstraction that anchors execution and batch proofs on an
// external chain, asynchronous submission handles for callers that need
// confirmation, and multi-chain configuration helpers. Proofs are valid
// the moment they are generated; anchoring only adds public verifiability,
// so submission never blocks the verification path.
package ledger
