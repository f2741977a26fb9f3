// Package interval parses candle interval strings and snaps them to the
// discrete set of resolutions an exchange accepts.
package interval

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"ratesflow/internal/executor"
)

var pattern = regexp.MustCompile(`^(\d*)([a-zA-Z]+)$`)

// Parse reads strings such as "15m", "1h", "d" (one day) or "30s". Errors
// wrap executor.ErrContract.
func Parse(s string) (time.Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, executor.Contractf("invalid interval %q", s)
	}
	n := 1
	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, executor.Contractf("invalid interval %q: %v", s, err)
		}
		n = v
	}
	if n <= 0 {
		return 0, executor.Contractf("invalid interval %q: must be positive", s)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	default:
		return 0, executor.Contractf("invalid interval %q: unit must be one of s, m, h, d", s)
	}
	return time.Duration(n) * unit, nil
}

// Entry maps a duration to the token an exchange API expects.
type Entry struct {
	Duration time.Duration
	Token    string
}

// Table is an exchange's supported resolutions.
type Table []Entry

// NewTable sorts entries by duration.
func NewTable(entries ...Entry) Table {
	t := Table(append([]Entry(nil), entries...))
	sort.Slice(t, func(i, j int) bool { return t[i].Duration < t[j].Duration })
	return t
}

// Snap returns the supported entry closest to d. Ties go to the shorter
// resolution.
func (t Table) Snap(d time.Duration) Entry {
	best := t[0]
	bestDiff := absDiff(best.Duration, d)
	for _, e := range t[1:] {
		if diff := absDiff(e.Duration, d); diff < bestDiff {
			best, bestDiff = e, diff
		}
	}
	return best
}

func absDiff(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}

// Seconds builds entries whose tokens are given with their length in seconds.
func Seconds(pairs map[int64]string) []Entry {
	out := make([]Entry, 0, len(pairs))
	for s, tok := range pairs {
		out = append(out, Entry{Duration: time.Duration(s) * time.Second, Token: tok})
	}
	return out
}

// Name renders d with the largest whole unit, for shard and column names.
func Name(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
}
