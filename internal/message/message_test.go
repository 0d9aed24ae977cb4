package message

import (
	"bytes"
	"errors"
	"testing"
)

func TestSupportedChains(t *testing.T) {
	for _, id := range []uint64{7000, 7001, 1, 5, 56, 97} {
		if !SupportedChain(id) {
			t.Fatalf("chain %d must be supported", id)
		}
	}
	for _, id := range []uint64{0, 2, 137, 99999} {
		if SupportedChain(id) {
			t.Fatalf("chain %d must not be supported", id)
		}
	}
}

func TestInboundValidate(t *testing.T) {
	valid := Inbound{
		Sender:      bytes.Repeat([]byte{0xAA}, 20),
		SourceChain: 7000,
		Payload:     []byte{1, 2, 3},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	shortSender := valid
	shortSender.Sender = bytes.Repeat([]byte{0xAA}, 19)
	if err := shortSender.Validate(); !errors.Is(err, ErrEmptySender) {
		t.Fatalf("short sender = %v, want ErrEmptySender", err)
	}

	badChain := valid
	badChain.SourceChain = 137
	if err := badChain.Validate(); !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("bad chain = %v, want ErrUnsupportedChain", err)
	}
}

func TestOutboundValidate(t *testing.T) {
	valid := Outbound{
		DestChain: 1,
		Recipient: bytes.Repeat([]byte{0xBB}, 20),
		Payload:   []byte{1},
		GasLimit:  100_000,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	wideRecipient := valid
	wideRecipient.Recipient = bytes.Repeat([]byte{0xBB}, 32)
	if err := wideRecipient.Validate(); err != nil {
		t.Fatalf("32-byte recipient = %v, want nil", err)
	}

	badRecipient := valid
	badRecipient.Recipient = bytes.Repeat([]byte{0xBB}, 21)
	if err := badRecipient.Validate(); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("21-byte recipient = %v, want ErrInvalidRecipient", err)
	}

	badChain := valid
	badChain.DestChain = 42161
	if err := badChain.Validate(); !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("bad chain = %v, want ErrUnsupportedChain", err)
	}
}

func TestGasLimitBounds(t *testing.T) {
	cases := []struct {
		gas  uint64
		want bool
	}{
		{20_999, false},
		{21_000, true},
		{100_000, true},
		{10_000_000, true},
		{10_000_001, false},
		{0, false},
	}
	for _, tc := range cases {
		err := ValidateGasLimit(tc.gas)
		if tc.want && err != nil {
			t.Fatalf("ValidateGasLimit(%d) = %v, want nil", tc.gas, err)
		}
		if !tc.want && !errors.Is(err, ErrGasLimitOutOfRange) {
			t.Fatalf("ValidateGasLimit(%d) = %v, want ErrGasLimitOutOfRange", tc.gas, err)
		}
	}
}

func TestChainName(t *testing.T) {
	if got := ChainName(7000); got != "zetachain-mainnet" {
		t.Fatalf("ChainName(7000) = %q", got)
	}
	if got := ChainName(12345); got != "chain-12345" {
		t.Fatalf("ChainName(12345) = %q", got)
	}
}
