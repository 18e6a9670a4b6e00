package event

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidPayload = errors.New("invalid event payload")

// NormalizeAddress returns the EIP-55 checksummed form of a hex address.
// Entity keys are built from normalized addresses so that casing differences
// between sources cannot split one account into two.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: bad address %q", ErrInvalidPayload, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// NormalizeTxHash lower-cases a 32-byte hex transaction hash.
func NormalizeTxHash(h string) (string, error) {
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		return "", fmt.Errorf("%w: tx hash %q missing 0x prefix", ErrInvalidPayload, h)
	}
	raw := common.FromHex(h)
	if len(raw) != common.HashLength || len(h) != 2+2*common.HashLength {
		return "", fmt.Errorf("%w: bad tx hash %q", ErrInvalidPayload, h)
	}
	return common.BytesToHash(raw).Hex(), nil
}

func (e Envelope) validate() error {
	if _, err := NormalizeTxHash(e.TxHash); err != nil {
		return err
	}
	if e.LogIndex >= OrderKeyMultiplier {
		return fmt.Errorf("%w: log index %d exceeds %d", ErrInvalidPayload, e.LogIndex, OrderKeyMultiplier-1)
	}
	if e.BlockTimestamp.IsZero() {
		return fmt.Errorf("%w: missing block timestamp", ErrInvalidPayload)
	}
	if !common.IsHexAddress(e.ContractAddress) {
		return fmt.Errorf("%w: bad contract address %q", ErrInvalidPayload, e.ContractAddress)
	}
	return nil
}

type namedInt struct {
	name string
	v    *big.Int
}

type namedAddr struct {
	name string
	v    string
}

func amounts(pairs ...namedInt) []namedInt { return pairs }

func addrs(pairs ...namedAddr) []namedAddr { return pairs }

// check validates the envelope, required integers and addresses in order.
func check(env Envelope, ints []namedInt, addresses []namedAddr) error {
	if err := env.validate(); err != nil {
		return err
	}
	for _, a := range addresses {
		if !common.IsHexAddress(a.v) {
			return fmt.Errorf("%w: %s: bad address %q", ErrInvalidPayload, a.name, a.v)
		}
	}
	for _, n := range ints {
		if n.v == nil {
			return fmt.Errorf("%w: missing %s", ErrInvalidPayload, n.name)
		}
	}
	return nil
}

func nonNegative(name string, v *big.Int) error {
	if v != nil && v.Sign() < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidPayload, name)
	}
	return nil
}

func positive(name string, v *big.Int) error {
	if v != nil && v.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, name)
	}
	return nil
}
