package model

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Key column sets used across reports and shards.
var (
	PairKeys   = []string{"underlying", "quote"}
	SymbolKeys = []string{"symbol"}
)

// Table is an aligned relation: rows keyed by (Time, Keys...) with one float
// column per ValueColumns entry. A missing cell holds NaN, never zero.
type Table struct {
	KeyColumns   []string
	ValueColumns []string
	Rows         []Row
}

// Row is one keyed record of a Table.
type Row struct {
	Time   time.Time
	Keys   []string
	Values []float64
}

// Missing returns the sentinel for an absent cell.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the absent-cell sentinel.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// ID identifies the row's join key.
func (r Row) ID() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(r.Time.UnixMilli(), 10))
	for _, k := range r.Keys {
		b.WriteByte(0x1f)
		b.WriteString(k)
	}
	return b.String()
}

func (t Table) Len() int { return len(t.Rows) }

func (t Table) Empty() bool { return len(t.Rows) == 0 }

// Column returns the index of a value column or -1.
func (t Table) Column(name string) int {
	for i, c := range t.ValueColumns {
		if c == name {
			return i
		}
	}
	return -1
}

// KeyIndex returns the index of a key column or -1.
func (t Table) KeyIndex(name string) int {
	for i, c := range t.KeyColumns {
		if c == name {
			return i
		}
	}
	return -1
}

// Find returns the row with the given time and keys.
func (t Table) Find(at time.Time, keys ...string) (Row, bool) {
	want := Row{Time: at, Keys: keys}.ID()
	for _, r := range t.Rows {
		if r.ID() == want {
			return r, true
		}
	}
	return Row{}, false
}

// Value returns the named cell of a row; ok is false when the column does not
// exist or the cell is missing.
func (t Table) Value(r Row, column string) (float64, bool) {
	i := t.Column(column)
	if i < 0 || i >= len(r.Values) || IsMissing(r.Values[i]) {
		return 0, false
	}
	return r.Values[i], true
}

// SortRows orders rows by time, then keys.
func (t Table) SortRows() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		for k := 0; k < len(a.Keys) && k < len(b.Keys); k++ {
			if a.Keys[k] != b.Keys[k] {
				return a.Keys[k] < b.Keys[k]
			}
		}
		return len(a.Keys) < len(b.Keys)
	})
}

// TimeRange returns the earliest and latest row time.
func (t Table) TimeRange() (min, max time.Time) {
	for i, r := range t.Rows {
		if i == 0 || r.Time.Before(min) {
			min = r.Time
		}
		if i == 0 || r.Time.After(max) {
			max = r.Time
		}
	}
	return min, max
}

// Filter returns a table sharing columns with t and holding only rows for
// which keep is true.
func (t Table) Filter(keep func(Row) bool) Table {
	out := Table{KeyColumns: t.KeyColumns, ValueColumns: t.ValueColumns}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// FundingTable lays out funding records as (time, underlying, quote) → rate.
func FundingTable(records []FundingRate) Table {
	t := Table{KeyColumns: PairKeys, ValueColumns: []string{"rate"}}
	for _, r := range records {
		t.Rows = append(t.Rows, Row{
			Time:   r.Time.UTC(),
			Keys:   []string{r.Pair.Underlying, r.Pair.Quote},
			Values: []float64{r.Rate},
		})
	}
	return t
}

// BorrowTable lays out borrow records as (time, symbol) → rate.
func BorrowTable(records []BorrowRate) Table {
	t := Table{KeyColumns: SymbolKeys, ValueColumns: []string{"rate"}}
	for _, r := range records {
		t.Rows = append(t.Rows, Row{
			Time:   r.Time.UTC(),
			Keys:   []string{r.Symbol},
			Values: []float64{r.Rate},
		})
	}
	return t
}

// CandleColumns are the value columns of a price table.
var CandleColumns = []string{"open", "high", "low", "close", "volume"}

// CandleTable lays out candles as (open time, underlying, quote) → OHLCV.
func CandleTable(candles []Candle) Table {
	t := Table{KeyColumns: PairKeys, ValueColumns: CandleColumns}
	for _, c := range candles {
		t.Rows = append(t.Rows, Row{
			Time:   c.Time.UTC(),
			Keys:   []string{c.Pair.Underlying, c.Pair.Quote},
			Values: []float64{c.Open, c.High, c.Low, c.Close, c.Volume},
		})
	}
	return t
}

// PairTable marks every pair as listed (1). Rows carry the zero time.
func PairTable(pairs []Pair) Table {
	t := Table{KeyColumns: PairKeys, ValueColumns: []string{"listed"}}
	for _, p := range pairs {
		t.Rows = append(t.Rows, Row{
			Keys:   []string{p.Underlying, p.Quote},
			Values: []float64{1},
		})
	}
	return t
}
