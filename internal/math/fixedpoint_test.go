package math_test

import (
	"PerpKeeper/internal/math"
	stdmath "math"
	"math/big"
	"testing"
)

// ============================================================================
// Test: MulQuo
// ============================================================================

func TestMulQuo_WideIntermediate(t *testing.T) {
	// 9e18 * 1e6 overflows int64 but the quotient fits.
	a, b, d := math.WideInt(9_000_000_000_000_000_000), math.WideInt(1_000_000), math.WideInt(2_000_000)
	z := math.WideInt(0)
	defer math.Release(a, b, d, z)

	got, clamped := math.ClampInt64(math.MulQuo(z, a, b, d))
	if clamped {
		t.Fatal("quotient fits, should not clamp")
	}
	if got != 4_500_000_000_000_000_000 {
		t.Errorf("got %d, want 4.5e18", got)
	}
}

func TestMulQuo_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		a, want int64
	}{
		{-7, -3},
		{7, 3},
	}
	for _, tt := range tests {
		a, one, two, z := math.WideInt(tt.a), math.WideInt(1), math.WideInt(2), math.WideInt(0)
		if got := math.MulQuo(z, a, one, two).Int64(); got != tt.want {
			t.Errorf("%d/2: got %d, want %d", tt.a, got, tt.want)
		}
		math.Release(a, one, two, z)
	}
}

func TestMulQuo_UnsignedOperandsAboveInt64(t *testing.T) {
	a, b, d := math.WideUint(stdmath.MaxUint64), math.WideUint(stdmath.MaxUint64), math.WideUint(stdmath.MaxUint64)
	z := math.WideInt(0)
	defer math.Release(a, b, d, z)

	want := new(big.Int).SetUint64(stdmath.MaxUint64)
	if got := math.MulQuo(z, a, b, d); got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: ClampInt64
// ============================================================================

func TestClampInt64(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 100)
	if got, c := math.ClampInt64(huge); !c || got != stdmath.MaxInt64 {
		t.Errorf("got %d clamped=%v", got, c)
	}
	if got, c := math.ClampInt64(huge.Neg(huge)); !c || got != stdmath.MinInt64 {
		t.Errorf("got %d clamped=%v", got, c)
	}
	if got, c := math.ClampInt64(big.NewInt(-42)); c || got != -42 {
		t.Errorf("got %d clamped=%v, want -42", got, c)
	}
}

func TestRelease_ClearsPooledValue(t *testing.T) {
	v := math.WideInt(123)
	math.Release(v)
	if v.Sign() != 0 {
		t.Errorf("released value not cleared: %s", v)
	}
}
