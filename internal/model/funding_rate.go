package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FundingRate is one funding period's rate for a perpetual at one exchange.
// A positive rate means longs pay shorts. The period length depends on
// Exchange, see Schedules.
type FundingRate struct {
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
	Pair     Pair      `json:"pair"`
	Rate     float64   `json:"rate"`
}

// Convention describes when a funding rate becomes final.
type Convention string

const (
	// EstimatedUntilPaid rates keep moving until the funding timestamp.
	EstimatedUntilPaid Convention = "estimated_until_paid"
	// FixedBeforePaid rates are set at the start of the period.
	FixedBeforePaid Convention = "fixed_before_paid"
)

// FundingSchedule is the settlement cadence of an exchange.
type FundingSchedule struct {
	Period     time.Duration
	Convention Convention
}

// Schedules holds the funding cadence per exchange.
var Schedules = map[string]FundingSchedule{
	Binance: {Period: 8 * time.Hour, Convention: EstimatedUntilPaid},
	Bybit:   {Period: 8 * time.Hour, Convention: EstimatedUntilPaid},
	FTX:     {Period: time.Hour, Convention: EstimatedUntilPaid},
	Huobi:   {Period: 8 * time.Hour, Convention: FixedBeforePaid},
	OKX:     {Period: 8 * time.Hour, Convention: FixedBeforePaid},
}

// RatePerDay scales a single-period rate to a 24h rate.
func RatePerDay(exchange string, rate float64) (float64, error) {
	return scaleRate(exchange, rate, 24*time.Hour)
}

// RatePerHour scales a single-period rate to a 1h rate.
func RatePerHour(exchange string, rate float64) (float64, error) {
	return scaleRate(exchange, rate, time.Hour)
}

func scaleRate(exchange string, rate float64, basis time.Duration) (float64, error) {
	s, ok := Schedules[exchange]
	if !ok {
		return 0, fmt.Errorf("no funding schedule for exchange %q", exchange)
	}
	periods := decimal.NewFromInt(int64(basis)).Div(decimal.NewFromInt(int64(s.Period)))
	v, _ := decimal.NewFromFloat(rate).Mul(periods).Float64()
	return v, nil
}
