package signature

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// MessageDigest computes the canonical digest of a cross-chain instruction:
// SHA-256 over nonce, chain id, recipient bytes, amount, and opaque payload,
// in that order, with numeric fields as 64-bit little-endian. Remote chains
// sign exactly this layout; field order and widths must not change.
func MessageDigest(nonce, chainID uint64, recipient []byte, amount uint64, payload []byte) [32]byte {
	h := sha256.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], chainID)
	h.Write(buf[:])
	h.Write(recipient)
	binary.LittleEndian.PutUint64(buf[:], amount)
	h.Write(buf[:])
	h.Write(payload)

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// ChainScope names the nonce scope for a chain id.
func ChainScope(chainID uint64) string {
	return fmt.Sprintf("chain:%d", chainID)
}
