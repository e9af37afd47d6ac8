// Package proofs implements the attestation records that anchor agent
// behavior on-chain: single execution proofs binding a content identifier to
// a trust score, and fixed-width batches that amortise submission cost.
// Content hashing stands in for a zero-knowledge proof system; the record
// layout is designed so a real proof can replace the hash later without
// changing downstream consumers.
package proofs
