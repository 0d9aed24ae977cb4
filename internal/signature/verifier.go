// Package signature authenticates cross-chain instructions signed by the
// gateway's TSS authority.
//
// Every instruction carried over the relay is signed with secp256k1. The
// verifier recovers the signer's public key from the (digest, signature,
// recovery id) triple, derives the 20-byte Ethereum-style address, and
// compares it against the configured authority. A strictly increasing nonce
// per chain scope provides replay protection; the nonce is persisted only
// after the signature checks out.
package signature

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/omnichainlabs/bridgeguard/internal/syncutil"
)

var (
	ErrRecoveryFailed = errors.New("signature: public key recovery failed")
	ErrSignerMismatch = errors.New("signature: recovered signer does not match authority")
	ErrNonceReplayed  = errors.New("signature: nonce not greater than last accepted")
	ErrBatchMismatch  = errors.New("signature: batch slices empty or length mismatch")
	ErrBatchTooLarge  = errors.New("signature: batch exceeds maximum size")
	ErrNoAuthority    = errors.New("signature: authority address not configured")
)

// MaxBatchSize bounds worst-case latency of a batch verification call.
const MaxBatchSize = 10

// Message is a cross-chain instruction awaiting authentication.
type Message struct {
	Nonce      uint64
	ChainID    uint64
	Recipient  []byte
	Amount     uint64
	Payload    []byte
	Signature  [64]byte
	RecoveryID byte
}

// Stats is a read-only snapshot of verifier activity.
type Stats struct {
	Verified      uint64 `json:"verified"`
	Rejected      uint64 `json:"rejected"`
	NoncesAdopted uint64 `json:"noncesAdopted"`
}

// Verifier checks instruction signatures against a single TSS authority.
type Verifier struct {
	mu        sync.Mutex
	authority common.Address
	nonces    NonceStore
	scopes    *syncutil.KeyedMutex
	verified  uint64
	rejected  uint64
	adopted   uint64
}

// NewVerifier creates a verifier for the given authority address. The nonce
// store may be shared with other verifiers; scopes keep them independent.
func NewVerifier(authority common.Address, nonces NonceStore) *Verifier {
	if nonces == nil {
		nonces = NewMemoryNonceStore()
	}
	return &Verifier{authority: authority, nonces: nonces, scopes: syncutil.NewKeyedMutex()}
}

// Authority returns the configured authority address.
func (v *Verifier) Authority() common.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authority
}

// SetAuthority replaces the authority address. Callers are expected to gate
// this behind an authority check of their own.
func (v *Verifier) SetAuthority(addr common.Address) {
	v.mu.Lock()
	v.authority = addr
	v.mu.Unlock()
}

// Verify recovers the signer of digest and reports whether it matches the
// authority. A false verdict with nil error means the signature is a valid
// curve point signed by someone else; the caller decides whether that is
// fatal. ErrRecoveryFailed means the triple does not name a curve point.
func (v *Verifier) Verify(digest [32]byte, sig [64]byte, recoveryID byte) (bool, error) {
	v.mu.Lock()
	authority := v.authority
	v.mu.Unlock()

	if authority == (common.Address{}) {
		return false, ErrNoAuthority
	}

	addr, err := recoverAddress(digest, sig, recoveryID)
	if err != nil {
		v.count(false)
		return false, err
	}

	ok := addr == authority
	v.count(ok)
	return ok, nil
}

// VerifySender checks a signature against a claimed sender address rather
// than the configured authority. Used for inbound instructions where the
// remote contract, not the TSS, is the signer.
func (v *Verifier) VerifySender(sender common.Address, digest [32]byte, sig [64]byte, recoveryID byte) (bool, error) {
	addr, err := recoverAddress(digest, sig, recoveryID)
	if err != nil {
		v.count(false)
		return false, err
	}
	ok := addr == sender
	v.count(ok)
	return ok, nil
}

// VerifyMessage authenticates a full cross-chain message: digest computation,
// replay check, signature recovery, and nonce adoption, in that order. The
// nonce is committed only after the signature verifies. The scope's lock is
// held from the replay check through the commit, so concurrent submissions
// of the same nonce admit exactly one.
func (v *Verifier) VerifyMessage(ctx context.Context, msg Message) error {
	scope := ChainScope(msg.ChainID)

	unlock, err := v.scopes.Lock(ctx, scope)
	if err != nil {
		return fmt.Errorf("acquire scope %s: %w", scope, err)
	}
	defer unlock()

	last, seen, err := v.nonces.Last(ctx, scope)
	if err != nil {
		return fmt.Errorf("load nonce for %s: %w", scope, err)
	}
	if seen && msg.Nonce <= last {
		v.count(false)
		return fmt.Errorf("%w: got %d, last accepted %d", ErrNonceReplayed, msg.Nonce, last)
	}

	digest := MessageDigest(msg.Nonce, msg.ChainID, msg.Recipient, msg.Amount, msg.Payload)
	ok, err := v.Verify(digest, msg.Signature, msg.RecoveryID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignerMismatch
	}

	if err := v.nonces.Commit(ctx, scope, msg.Nonce); err != nil {
		return fmt.Errorf("commit nonce for %s: %w", scope, err)
	}
	v.mu.Lock()
	v.adopted++
	v.mu.Unlock()
	return nil
}

// VerifyBatch verifies parallel slices of digests, signatures, and recovery
// ids. Entries are independent; the call short-circuits on the first entry
// that fails to verify.
func (v *Verifier) VerifyBatch(digests [][32]byte, sigs [][64]byte, recoveryIDs []byte) error {
	n := len(digests)
	if n == 0 || len(sigs) != n || len(recoveryIDs) != n {
		return ErrBatchMismatch
	}
	if n > MaxBatchSize {
		return fmt.Errorf("%w: %d entries, max %d", ErrBatchTooLarge, n, MaxBatchSize)
	}

	for i := 0; i < n; i++ {
		ok, err := v.Verify(digests[i], sigs[i], recoveryIDs[i])
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("entry %d: %w", i, ErrSignerMismatch)
		}
	}
	return nil
}

// Stats returns verification counters. Calling it has no side effects.
func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{Verified: v.verified, Rejected: v.rejected, NoncesAdopted: v.adopted}
}

func (v *Verifier) count(ok bool) {
	v.mu.Lock()
	if ok {
		v.verified++
	} else {
		v.rejected++
	}
	v.mu.Unlock()
}

// recoverAddress runs secp256k1 recovery and derives the Ethereum-style
// address: Keccak-256 of the 64-byte uncompressed public key, last 20 bytes.
func recoverAddress(digest [32]byte, sig [64]byte, recoveryID byte) (common.Address, error) {
	if recoveryID > 3 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d out of range", ErrRecoveryFailed, recoveryID)
	}

	full := make([]byte, 65)
	copy(full, sig[:])
	full[64] = recoveryID

	pub, err := crypto.Ecrecover(digest[:], full)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}

	// pub is 65 bytes with a 0x04 prefix; the address hashes the raw 64.
	var addr common.Address
	copy(addr[:], crypto.Keccak256(pub[1:])[12:])
	return addr, nil
}
