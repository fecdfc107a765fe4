// Package math holds the fixed-point helpers that mirror ledger-side integer arithmetic.
package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

const (
	// PriceScale is the implied-decimal scale of every ledger price (6 decimals).
	PriceScale int64 = 1_000_000

	// BpsScale is 100% in basis points.
	BpsScale int64 = 10_000
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

var (
	maxInt64Big = big.NewInt(stdmath.MaxInt64)
	minInt64Big = big.NewInt(stdmath.MinInt64)
)

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// WideInt returns a pooled intermediate holding v. Release it with Release.
func WideInt(v int64) *big.Int {
	return getInt128().SetInt64(v)
}

// WideUint returns a pooled intermediate holding v. Release it with Release.
func WideUint(v uint64) *big.Int {
	return getInt128().SetUint64(v)
}

// Release returns intermediates obtained from WideInt or WideUint to the pool.
func Release(vs ...*big.Int) {
	for _, v := range vs {
		putInt128(v)
	}
}

// MulQuo sets z = a * b / d and returns z. Division truncates toward zero,
// matching the ledger's signed integer division. d must be non-zero.
func MulQuo(z, a, b, d *big.Int) *big.Int {
	z.Mul(a, b)
	return z.Quo(z, d)
}

// ClampInt64 narrows v to int64, saturating at the signed bound with v's sign.
// The second return reports whether saturation happened.
func ClampInt64(v *big.Int) (int64, bool) {
	if v.Cmp(maxInt64Big) > 0 {
		return stdmath.MaxInt64, true
	}
	if v.Cmp(minInt64Big) < 0 {
		return stdmath.MinInt64, true
	}
	return v.Int64(), false
}
