package keeper

import "time"

// MarketStats is the keeper's view of one market.
type MarketStats struct {
	Market          string    `json:"market"`
	Asset           string    `json:"asset"`
	LastScan        time.Time `json:"last_scan"`
	Outcome         string    `json:"outcome"`
	Candidates      int       `json:"candidates"`
	OccupiedSlots   int       `json:"occupied_slots"`
	PriceAgeSeconds float64   `json:"price_age_seconds"`
	CrankAgeSlots   uint64    `json:"crank_age_slots"`

	// LifetimeLiquidations is the ledger's own counter at the last scan.
	LifetimeLiquidations uint64 `json:"lifetime_liquidations"`
	// Executed counts lifetime-counter increases observed since start.
	Executed uint64 `json:"executed"`

	// Submitted, Aborted and Failed are this instance's own attempts.
	Submitted uint64 `json:"submitted"`
	Aborted   uint64 `json:"aborted"`
	Failed    uint64 `json:"failed"`

	baselineSet bool
}
