// Package reader defines the capability set shared by every exchange adapter
// and the windowing, trimming and parsing helpers they have in common.
package reader

import (
	"context"
	"time"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/logger"
)

// Adapter fetches normalized records from one exchange. An exchange without a
// capability returns an empty slice and a nil error.
type Adapter interface {
	Name() string
	ServerTime(ctx context.Context) (time.Time, error)

	ListPerpPairs(ctx context.Context) ([]model.Pair, error)
	ListSpotPairs(ctx context.Context) ([]model.Pair, error)
	ListBorrowableAssets(ctx context.Context) ([]string, error)

	NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error)
	HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error)

	CurrentBorrowRates(ctx context.Context, symbols []string) ([]model.BorrowRate, error)
	HistoricalBorrowRates(ctx context.Context, symbols []string, start, end time.Time) ([]model.BorrowRate, error)

	HistoricalPrices(ctx context.Context, pairs []model.Pair, start, end time.Time, interval time.Duration, inst model.Instrument) ([]model.Candle, error)
}

// Credentials is an exchange-issued key pair.
type Credentials struct {
	APIKey     string
	PrivateKey string
}

// Require fails with ErrAuth when either half is missing.
func (c Credentials) Require(exchange string) error {
	if c.APIKey == "" || c.PrivateKey == "" {
		return executor.Auth(exchange, "", "api key and private key are required for signed endpoints")
	}
	return nil
}

// ValidatePairs rejects malformed pairs before any request is sent.
func ValidatePairs(pairs []model.Pair) error {
	for _, p := range pairs {
		if err := p.Validate(); err != nil {
			return executor.Contractf("%v", err)
		}
	}
	return nil
}

// ValidateRange rejects empty or inverted windows.
func ValidateRange(start, end time.Time) error {
	if !end.After(start) {
		return executor.Contractf("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// ValidateInterval rejects non-positive candle intervals.
func ValidateInterval(d time.Duration) error {
	if d <= 0 {
		return executor.Contractf("interval must be positive, got %s", d)
	}
	return nil
}

// EachPair runs fn for every pair and concatenates the results. Pairs the
// exchange reports as absent are skipped at debug level; any other error
// aborts.
func EachPair[T any](log *logger.Entry, pairs []model.Pair, fn func(model.Pair) ([]T, error)) ([]T, error) {
	var out []T
	for _, p := range pairs {
		recs, err := fn(p)
		if executor.IsAbsent(err) {
			log.WithFields(logger.Fields{"pair": p.String()}).WithError(err).Debug("pair not listed, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// EachSymbol is EachPair for single-asset requests.
func EachSymbol[T any](log *logger.Entry, symbols []string, fn func(string) ([]T, error)) ([]T, error) {
	var out []T
	for _, s := range symbols {
		recs, err := fn(s)
		if executor.IsAbsent(err) {
			log.WithFields(logger.Fields{"symbol": s}).WithError(err).Debug("asset not listed, skipping")
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
