// Package message defines the inbound and outbound cross-chain instruction
// types and their boundary validation: supported chain ids, recipient
// format, and gas limits. Instructions pass here before any cryptographic
// or risk checks run.
package message

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedChain rejects a chain id outside the supported set.
	ErrUnsupportedChain = errors.New("message: unsupported chain id")
	// ErrInvalidRecipient rejects a recipient that is neither a 20-byte
	// EVM address nor a 32-byte account key.
	ErrInvalidRecipient = errors.New("message: recipient must be 20 or 32 bytes")
	// ErrGasLimitOutOfRange rejects gas limits outside [21000, 10000000].
	ErrGasLimitOutOfRange = errors.New("message: gas limit out of range")
	// ErrEmptySender rejects an inbound instruction with no sender.
	ErrEmptySender = errors.New("message: sender must be 20 bytes")
)

// Gas limit bounds for outbound instructions.
const (
	MinGasLimit uint64 = 21000
	MaxGasLimit uint64 = 10_000_000
)

// supportedChains is the set of chain ids the relay bridges to.
var supportedChains = map[uint64]string{
	7000: "zetachain-mainnet",
	7001: "zetachain-testnet",
	1:    "ethereum-mainnet",
	5:    "ethereum-goerli",
	56:   "bsc-mainnet",
	97:   "bsc-testnet",
}

// SupportedChain reports whether the chain id is bridgeable.
func SupportedChain(chainID uint64) bool {
	_, ok := supportedChains[chainID]
	return ok
}

// ChainName returns the human name for a supported chain id.
func ChainName(chainID uint64) string {
	if name, ok := supportedChains[chainID]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", chainID)
}

// Inbound is a cross-chain instruction received from the gateway relay.
// It must be authenticated before reaching record-mutation logic.
type Inbound struct {
	Sender      []byte `json:"sender"`      // 20 bytes
	SourceChain uint64 `json:"sourceChain"` // origin chain id
	Payload     []byte `json:"payload"`     // opaque instruction data
}

// Validate checks the inbound boundary contract.
func (m *Inbound) Validate() error {
	if len(m.Sender) != 20 {
		return fmt.Errorf("%w: got %d bytes", ErrEmptySender, len(m.Sender))
	}
	if !SupportedChain(m.SourceChain) {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, m.SourceChain)
	}
	return nil
}

// Outbound is a cross-chain instruction emitted to the gateway relay after
// local state changes are committed.
type Outbound struct {
	DestChain uint64 `json:"destChain"`
	Recipient []byte `json:"recipient"` // 20 or 32 bytes
	Payload   []byte `json:"payload"`
	GasLimit  uint64 `json:"gasLimit"`
}

// Validate checks the outbound boundary contract.
func (m *Outbound) Validate() error {
	if !SupportedChain(m.DestChain) {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, m.DestChain)
	}
	if err := ValidateRecipient(m.Recipient); err != nil {
		return err
	}
	if err := ValidateGasLimit(m.GasLimit); err != nil {
		return err
	}
	return nil
}

// ValidateRecipient accepts 20-byte EVM addresses and 32-byte account keys.
func ValidateRecipient(recipient []byte) error {
	switch len(recipient) {
	case 20, 32:
		return nil
	default:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidRecipient, len(recipient))
	}
}

// ValidateGasLimit bounds the compute budget of an outbound instruction.
func ValidateGasLimit(gasLimit uint64) error {
	if gasLimit < MinGasLimit || gasLimit > MaxGasLimit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrGasLimitOutOfRange, gasLimit, MinGasLimit, MaxGasLimit)
	}
	return nil
}
