// internal/model/common.go
// @tag models, data_structure, core
package model

import (
	"fmt"
	"strings"
)

// ───────────────────────────────────────────────────────────────
// 🚀 Core Data Structures
// ───────────────────────────────────────────────────────────────

// Exchange names as they appear in table columns, config keys and logs.
const (
	Binance = "binance"
	Bybit   = "bybit"
	FTX     = "ftx"
	Huobi   = "huobi"
	OKX     = "okx"
)

// Exchanges lists every supported exchange in column order.
var Exchanges = []string{Binance, Bybit, FTX, Huobi, OKX}

// Instrument defines the kind of market a pair trades on.
type Instrument string

const (
	Spot Instrument = "spot"
	Perp Instrument = "perp"
)

// ParseInstrument accepts "spot" or "perp" in any case.
func ParseInstrument(s string) (Instrument, error) {
	switch Instrument(strings.ToLower(strings.TrimSpace(s))) {
	case Spot:
		return Spot, nil
	case Perp:
		return Perp, nil
	}
	return "", fmt.Errorf("unknown instrument %q: expected spot or perp", s)
}

// DataKind names a family of persisted tables.
type DataKind string

const (
	KindFunding DataKind = "funding"
	KindBorrow  DataKind = "borrow"
	KindPrices  DataKind = "prices"
	KindCatalog DataKind = "catalog"
)

// Pair is the cross-exchange identity of an instrument.
type Pair struct {
	Underlying string `json:"underlying"`
	Quote      string `json:"quote"`
}

// NewPair upper-cases both legs.
func NewPair(underlying, quote string) Pair {
	return Pair{Underlying: strings.ToUpper(underlying), Quote: strings.ToUpper(quote)}
}

func (p Pair) String() string {
	return p.Underlying + "/" + p.Quote
}

// Validate rejects empty legs and pairs quoting an asset against itself.
func (p Pair) Validate() error {
	if p.Underlying == "" || p.Quote == "" {
		return fmt.Errorf("pair %q: underlying and quote are required", p.String())
	}
	if p.Underlying == p.Quote {
		return fmt.Errorf("pair %q: underlying equals quote", p.String())
	}
	return nil
}

// UniquePairs drops repeated pairs keeping first-seen order.
func UniquePairs(pairs []Pair) []Pair {
	seen := make(map[Pair]struct{}, len(pairs))
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
