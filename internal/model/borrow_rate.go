package model

import "time"

// BorrowRate is the interest rate for borrowing one asset on margin.
type BorrowRate struct {
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
	Symbol   string    `json:"symbol"`
	Rate     float64   `json:"rate"`
}
