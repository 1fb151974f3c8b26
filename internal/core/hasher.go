package core

import (
	"crypto/sha256"
	"encoding/binary"

	"DonationLedger/internal/ledger"

	"lukechampine.com/uint128"
)

const GenesisHashSeed = "DonationLedger:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before any call is applied.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (snapshot restore).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest builds the canonical bytes hashed after each call: beneficiary,
// balance, history length, then the appended entry and transfer if present.
func stateDigest(l *ledger.Ledger, entry *ledger.Entry, transfer *Transfer) []byte {
	digest := make([]byte, 0, 128)

	digest = appendString(digest, string(l.Beneficiary()))
	digest = appendUint128(digest, l.Balance())
	digest = binary.LittleEndian.AppendUint64(digest, uint64(l.Len()))

	if entry != nil {
		digest = append(digest, 'E')
		digest = appendString(digest, string(entry.Actor))
		digest = append(digest, byte(entry.Kind))
		digest = appendUint128(digest, entry.Amount)
	}

	if transfer != nil {
		digest = append(digest, 'T')
		digest = append(digest, transfer.ID[:]...)
		digest = appendString(digest, string(transfer.Status))
		digest = appendUint128(digest, transfer.Amount)
	}

	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendUint128(buf []byte, v uint128.Uint128) []byte {
	var b [16]byte
	v.PutBytes(b[:])
	return append(buf, b[:]...)
}
