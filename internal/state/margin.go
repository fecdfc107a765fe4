package state

import (
	"PerpKeeper/internal/ledger"
	fp "PerpKeeper/internal/math"
)

// InsolventRatioBps is reported as the margin ratio of a position whose
// equity is zero or negative. No ratio is computed for such positions.
const InsolventRatioBps int64 = -1

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusLiquidatable
	// MarginStatusDegenerate means notional is zero, so no ratio exists.
	MarginStatusDegenerate
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	case MarginStatusDegenerate:
		return "Degenerate"
	default:
		return "Unknown"
	}
}

// Evaluation is the margin health of one position at one reference price.
// All amounts are in collateral base units.
type Evaluation struct {
	Notional       int64
	MarkPnL        int64
	Equity         int64
	MarginRatioBps int64
	Status         MarginStatus
	// Clamped is set when a reported field saturated at the signed 64-bit bound.
	// Status is always derived from the exact values.
	Clamped bool
}

// IsCandidate reports whether the position should be liquidated.
func (e Evaluation) IsCandidate() bool {
	return e.Status == MarginStatusLiquidatable
}

// Evaluate computes notional, mark-to-market PnL, equity and margin ratio for
// pos at referencePriceE6, recomputing PnL from the entry price rather than
// trusting the ledger's cached PnL.
//
//	notional = |size| * price / PriceScale
//	markPnL  = (price - entry) * |size| / price   (long; sign flipped for short)
//	equity   = capital + markPnL
//	ratio    = equity * 10_000 / notional
//
// Every quantity is computed exactly in wide integers and the status is taken
// from those exact values. The int64 fields saturate at the signed bound for
// reporting only, so a saturated field never changes the classification.
func Evaluate(pos ledger.Position, referencePriceE6, maintenanceMarginBps uint64) Evaluation {
	var ev Evaluation

	price := fp.WideUint(referencePriceE6)
	entry := fp.WideUint(pos.EntryPrice)
	capital := fp.WideUint(pos.Capital)
	size := fp.WideInt(pos.Size)
	scale := fp.WideInt(fp.PriceScale)
	bps := fp.WideInt(fp.BpsScale)
	notional := fp.WideInt(0)
	diff := fp.WideInt(0)
	equity := fp.WideInt(0)
	ratio := fp.WideInt(0)
	defer fp.Release(price, entry, capital, size, scale, bps, notional, diff, equity, ratio)

	size.Abs(size)

	fp.MulQuo(notional, size, price, scale)
	ev.Notional, ev.Clamped = fp.ClampInt64(notional)
	if notional.Sign() <= 0 {
		ev.Status = MarginStatusDegenerate
		return ev
	}

	if pos.IsLong() {
		diff.Sub(price, entry)
	} else {
		diff.Sub(entry, price)
	}

	// notional > 0 implies price > 0.
	pnl := fp.MulQuo(diff, diff, size, price)
	equity.Add(capital, pnl)

	var clamped bool
	ev.MarkPnL, clamped = fp.ClampInt64(pnl)
	ev.Clamped = ev.Clamped || clamped
	ev.Equity, clamped = fp.ClampInt64(equity)
	ev.Clamped = ev.Clamped || clamped

	if equity.Sign() <= 0 {
		ev.MarginRatioBps = InsolventRatioBps
		ev.Status = MarginStatusLiquidatable
		return ev
	}

	fp.MulQuo(ratio, equity, bps, notional)
	ev.MarginRatioBps, clamped = fp.ClampInt64(ratio)
	ev.Clamped = ev.Clamped || clamped

	mm := fp.WideUint(maintenanceMarginBps)
	defer fp.Release(mm)
	if ratio.Cmp(mm) < 0 {
		ev.Status = MarginStatusLiquidatable
	} else {
		ev.Status = MarginStatusHealthy
	}
	return ev
}
