package model

import "time"

// Candle is one OHLC bar. Time is the bar's open time.
type Candle struct {
	Exchange   string     `json:"exchange"`
	Instrument Instrument `json:"instrument"`
	Time       time.Time  `json:"time"`
	Pair       Pair       `json:"pair"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
}
