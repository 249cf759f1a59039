package common

import (
	"fmt"
	"math/big"
	"strings"
)

// NormalizeAsset canonicalises an asset symbol. Asset identifiers are compared
// case-insensitively everywhere.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// ChainType enumerates the external chains legs can settle on.
type ChainType string

const (
	ChainBTC ChainType = "BTC"
	ChainETH ChainType = "ETH"
	ChainSOL ChainType = "SOL"
)

// Valid reports whether the chain belongs to the supported set.
func (c ChainType) Valid() bool {
	switch c {
	case ChainBTC, ChainETH, ChainSOL:
		return true
	default:
		return false
	}
}

// ParseChain resolves a chain identifier case-insensitively.
func ParseChain(raw string) (ChainType, error) {
	chain := ChainType(strings.ToUpper(strings.TrimSpace(raw)))
	if !chain.Valid() {
		return "", fmt.Errorf("unsupported chain %q", raw)
	}
	return chain, nil
}

// NormalizeTxHash canonicalises a transaction hash so one transaction has a
// single spelling. Hex hashes on BTC and ETH are lowercased without a 0x
// prefix; SOL signatures are base58 and only trimmed.
func NormalizeTxHash(chain ChainType, hash string) string {
	hash = strings.TrimSpace(hash)
	if chain == ChainSOL {
		return hash
	}
	hash = strings.ToLower(hash)
	return strings.TrimPrefix(hash, "0x")
}

// ParseAmount decodes a base-10 amount. Negative values are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAmount)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}
	return value, nil
}

// CloneAmount returns a copy of v, mapping nil to zero.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
