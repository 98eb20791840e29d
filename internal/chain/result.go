package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

func (r Result) value(idx int) (any, bool) {
	if r.Err != nil || idx >= len(r.Values) {
		return nil, false
	}
	return r.Values[idx], true
}

// BigInt returns output idx as a big integer (uint256/int256/uint80).
func (r Result) BigInt(idx int) (*big.Int, bool) {
	v, ok := r.value(idx)
	if !ok {
		return nil, false
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// BigInts returns output idx as a uint256[].
func (r Result) BigInts(idx int) ([]*big.Int, bool) {
	v, ok := r.value(idx)
	if !ok {
		return nil, false
	}
	out, ok := v.([]*big.Int)
	return out, ok
}

// Address returns output idx as an address.
func (r Result) Address(idx int) (common.Address, bool) {
	v, ok := r.value(idx)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}

// Addresses returns output idx as an address[].
func (r Result) Addresses(idx int) ([]common.Address, bool) {
	v, ok := r.value(idx)
	if !ok {
		return nil, false
	}
	out, ok := v.([]common.Address)
	return out, ok
}

// Bool returns output idx as a bool.
func (r Result) Bool(idx int) (bool, bool) {
	v, ok := r.value(idx)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Text returns output idx as a string.
func (r Result) Text(idx int) (string, bool) {
	v, ok := r.value(idx)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Uint8 returns output idx as a uint8 (ERC-20 decimals).
func (r Result) Uint8(idx int) (uint8, bool) {
	v, ok := r.value(idx)
	if !ok {
		return 0, false
	}
	n, ok := v.(uint8)
	return n, ok
}
