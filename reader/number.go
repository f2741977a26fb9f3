package reader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Number decodes a JSON number, a numeric string or null. Exchanges disagree
// on which of the three they send for rates and prices.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = Number{}
		return nil
	}
	v, err := ParseFloat(s)
	if err != nil {
		return err
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// ParseFloat parses a decimal string exactly before converting to float64.
func ParseFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	v, _ := d.Float64()
	return v, nil
}

// Millis converts epoch milliseconds to UTC.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MillisString converts epoch milliseconds sent as a string.
func MillisString(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse millis %q: %w", s, err)
	}
	return Millis(ms), nil
}

// Seconds converts epoch seconds to UTC.
func Seconds(s int64) time.Time {
	return time.Unix(s, 0).UTC()
}

// ToMillis renders t as epoch milliseconds for query parameters.
func ToMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ToSeconds renders t as epoch seconds for query parameters.
func ToSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
