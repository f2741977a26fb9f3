package reader

import (
	"sort"
	"strings"
	"time"

	"ratesflow/internal/model"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Windows splits [start, end) into consecutive windows no longer than step.
func Windows(start, end time.Time, step time.Duration) []Window {
	if step <= 0 || !end.After(start) {
		return nil
	}
	var out []Window
	for s := start; s.Before(end); s = s.Add(step) {
		e := s.Add(step)
		if e.After(end) {
			e = end
		}
		out = append(out, Window{Start: s, End: e})
	}
	return out
}

// CapWindow is the widest window whose record count at the given cadence
// stays within a per-request cap.
func CapWindow(cadence time.Duration, limit int) time.Duration {
	return cadence * time.Duration(limit)
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// trim keeps records inside [start, end), drops repeated keys keeping the
// first, and sorts by time then key.
func trim[T any](recs []T, start, end time.Time, key func(T) (time.Time, string)) []T {
	type keyed struct {
		at  time.Time
		id  string
		rec T
	}
	seen := make(map[string]struct{}, len(recs))
	kept := make([]keyed, 0, len(recs))
	for _, r := range recs {
		at, id := key(r)
		if !inRange(at, start, end) {
			continue
		}
		full := at.UTC().Format(time.RFC3339Nano) + "|" + id
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		kept = append(kept, keyed{at: at, id: id, rec: r})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].at.Equal(kept[j].at) {
			return kept[i].at.Before(kept[j].at)
		}
		return kept[i].id < kept[j].id
	})
	out := make([]T, len(kept))
	for i, k := range kept {
		out[i] = k.rec
	}
	return out
}

// TrimFunding bounds, deduplicates and sorts funding records.
func TrimFunding(recs []model.FundingRate, start, end time.Time) []model.FundingRate {
	return trim(recs, start, end, func(r model.FundingRate) (time.Time, string) {
		return r.Time, strings.Join([]string{r.Exchange, r.Pair.Underlying, r.Pair.Quote}, "|")
	})
}

// TrimBorrow bounds, deduplicates and sorts borrow records.
func TrimBorrow(recs []model.BorrowRate, start, end time.Time) []model.BorrowRate {
	return trim(recs, start, end, func(r model.BorrowRate) (time.Time, string) {
		return r.Time, r.Exchange + "|" + r.Symbol
	})
}

// TrimCandles bounds, deduplicates and sorts candles.
func TrimCandles(recs []model.Candle, start, end time.Time) []model.Candle {
	return trim(recs, start, end, func(c model.Candle) (time.Time, string) {
		return c.Time, strings.Join([]string{c.Exchange, string(c.Instrument), c.Pair.Underlying, c.Pair.Quote}, "|")
	})
}

// SortFunding orders records without bounding them.
func SortFunding(recs []model.FundingRate) []model.FundingRate {
	return TrimFunding(recs, time.Unix(0, 0), time.Unix(1<<40, 0))
}
