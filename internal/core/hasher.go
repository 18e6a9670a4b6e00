package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const GenesisHashSeed = "PerpIndexer:genesis:v1"

// StateHasher chains a hash over every applied event:
// hash[N] = SHA-256(hash[N-1] || orderKey LE || digest[N]).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash returns the next link without advancing the chain. Call Advance
// once the event is durable.
func (h *StateHasher) ComputeHash(orderKey uint64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var keyBuf [8]byte
	binary.LittleEndian.PutUint64(keyBuf[:], orderKey)
	hasher.Write(keyBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// Reset continues the chain from a persisted hex hash. An empty string resets
// to genesis.
func (h *StateHasher) Reset(hexHash string) error {
	if hexHash == "" {
		h.prevHash = sha256.Sum256([]byte(GenesisHashSeed))
		return nil
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("bad checkpoint hash %q", hexHash)
	}
	copy(h.prevHash[:], raw)
	return nil
}

func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
