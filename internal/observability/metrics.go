package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the keeper.
// Metrics are registered on the Registry passed to NewMetrics so that several
// service instances (and tests) never collide on the global registry.
type Metrics struct {
	// --- Scanning ---
	Scans          *prometheus.CounterVec
	ScanDuration   prometheus.Histogram
	Candidates     *prometheus.GaugeVec
	PriceAge       *prometheus.GaugeVec
	CrankAge       *prometheus.GaugeVec
	OverflowClamps prometheus.Counter

	// --- Liquidation ---
	LiquidationsSubmitted *prometheus.CounterVec
	LiquidationsFailed    *prometheus.CounterVec
	LiquidationsAborted   *prometheus.CounterVec
	LiquidationsExecuted  *prometheus.CounterVec
	SubmitRetries         prometheus.Counter

	// --- Crank ---
	Cranks       *prometheus.CounterVec
	CrankSkipped prometheus.Counter
	ScanSkipped  prometheus.Counter

	// --- Oracle ---
	PriceFetches *prometheus.CounterVec
	PricePushes  *prometheus.CounterVec

	// --- Events ---
	EventsEmitted *prometheus.CounterVec
	EventDrops    prometheus.Counter
}

// NewMetrics creates and registers all keeper metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Scans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_scans_total",
			Help: "Market scans by outcome (ok, stale, error)",
		}, []string{"market", "outcome"}),

		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_keeper_scan_duration_seconds",
			Help:    "Duration of one full scan/liquidate cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		Candidates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_keeper_candidates",
			Help: "Liquidation candidates found by the last scan",
		}, []string{"market"}),

		PriceAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_keeper_price_age_seconds",
			Help: "Age of the on-ledger oracle price at the last scan",
		}, []string{"market"}),

		CrankAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_keeper_crank_age_slots",
			Help: "Slots since the last crank at the last scan",
		}, []string{"market"}),

		OverflowClamps: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_overflow_clamps_total",
			Help: "Margin evaluations that saturated at the signed 64-bit bound",
		}),

		LiquidationsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_liquidations_submitted_total",
			Help: "Liquidation bundles accepted by the ledger (informational)",
		}, []string{"market"}),

		LiquidationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_liquidations_failed_total",
			Help: "Liquidation bundles that failed to submit",
		}, []string{"market", "reason"}),

		LiquidationsAborted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_liquidations_aborted_total",
			Help: "Candidates dropped by re-verification before submission",
		}, []string{"market", "reason"}),

		LiquidationsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_liquidations_executed_total",
			Help: "Liquidations observed via the ledger lifetime counter (source of truth)",
		}, []string{"market"}),

		SubmitRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_submit_retries_total",
			Help: "Submission retries after transient transport errors",
		}),

		Cranks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_cranks_total",
			Help: "Crank submissions by outcome",
		}, []string{"market", "outcome"}),

		CrankSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_crank_ticks_skipped_total",
			Help: "Crank ticks skipped because the previous tick was still running",
		}),

		ScanSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_scan_cycles_skipped_total",
			Help: "Scan cycles skipped because the previous cycle was still running",
		}),

		PriceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_price_fetch_total",
			Help: "External price fetches by source and outcome",
		}, []string{"source", "outcome"}),

		PricePushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_price_push_total",
			Help: "On-ledger price pushes by outcome",
		}, []string{"market", "outcome"}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_events_emitted_total",
			Help: "Outbound events emitted by type",
		}, []string{"type"}),

		EventDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_keeper_event_drops_total",
			Help: "Outbound events dropped because the event queue was full",
		}),
	}
}

// NewTestMetrics returns metrics on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
