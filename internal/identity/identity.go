// Package identity derives the deterministic 32-byte identifiers attached to
// every attested artefact. Identifiers are keccak256 digests, so they line up
// with what the settlement contracts recompute on chain.
package identity

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ContentID is the fixed-size identifier for agent outputs, proofs and
// evidence records. Equal content always maps to an equal ContentID.
type ContentID = common.Hash

// Size is the identifier width in bytes.
const Size = common.HashLength

// Sum hashes a single opaque byte string.
func Sum(data []byte) ContentID {
	return crypto.Keccak256Hash(data)
}

// Fingerprint hashes a multi-field record under the canonical framing: each
// field is prefixed with its length as a 4-byte big-endian integer and the
// frames are concatenated in argument order. Verifiers and the ledger encoder
// both rely on the framing, so no two distinct field sequences may share an
// encoding.
func Fingerprint(fields ...[]byte) ContentID {
	d := crypto.NewKeccakState()
	var prefix [4]byte
	for _, field := range fields {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(field)))
		d.Write(prefix[:])
		d.Write(field)
	}
	var id ContentID
	d.Read(id[:])
	return id
}

// FromHex parses a 0x-prefixed or bare hex string into a ContentID.
func FromHex(s string) ContentID {
	return common.HexToHash(s)
}

// IsZero reports whether id is the all-zero identifier. The zero value never
// results from hashing here in practice, but storage layers use it as an
// "unset" marker.
func IsZero(id ContentID) bool {
	return id == (ContentID{})
}
