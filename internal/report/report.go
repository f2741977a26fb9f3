// Package report fetches one data family from every exchange concurrently and
// aligns the results into a single table.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ratesflow/internal/catalog"
	"ratesflow/internal/metrics"
	"ratesflow/internal/model"
	"ratesflow/logger"
	"ratesflow/processor"
	"ratesflow/reader"
)

const defaultWorkers = 5

// FundingBasis is the period funding rates are expressed over.
type FundingBasis string

const (
	// BasisPeriod keeps each exchange's native settlement period.
	BasisPeriod FundingBasis = "period"
	BasisHour   FundingBasis = "hour"
	BasisDay    FundingBasis = "day"
)

var basisConversions = map[FundingBasis]func(string, float64) (float64, error){
	BasisHour: model.RatePerHour,
	BasisDay:  model.RatePerDay,
}

// ParseFundingBasis accepts "", period, hour or day.
func ParseFundingBasis(s string) (FundingBasis, error) {
	switch b := FundingBasis(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BasisPeriod:
		return BasisPeriod, nil
	case BasisHour, BasisDay:
		return b, nil
	}
	return "", fmt.Errorf("unknown funding basis %q", s)
}

// Runner drives reports over a fixed set of adapters.
type Runner struct {
	adapters map[string]reader.Adapter
	cache    catalog.Store
	workers  int
	basis    FundingBasis
	log      *logger.Log
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers bounds how many exchanges are queried at once.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithCatalogCache serves catalogs from store before listing exchanges.
func WithCatalogCache(store catalog.Store) Option {
	return func(r *Runner) { r.cache = store }
}

// WithFundingBasis rescales funding reports to a common period so
// exchanges with different settlement cadences line up.
func WithFundingBasis(b FundingBasis) Option {
	return func(r *Runner) { r.basis = b }
}

// NewRunner builds a runner over adapters, keyed by their Name.
func NewRunner(adapters []reader.Adapter, opts ...Option) *Runner {
	r := &Runner{
		adapters: make(map[string]reader.Adapter, len(adapters)),
		workers:  defaultWorkers,
		basis:    BasisPeriod,
		log:      logger.GetLogger(),
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Exchanges lists the runner's exchanges in sorted order.
func (r *Runner) Exchanges() []string {
	out := make([]string, 0, len(r.adapters))
	for ex := range r.adapters {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// Catalog returns the catalog of kind, from the cache when one is set.
func (r *Runner) Catalog(ctx context.Context, kind model.Instrument) (*catalog.Catalog, error) {
	fetchers := make(map[string]catalog.PairFetcher, len(r.adapters))
	for ex, a := range r.adapters {
		fetchers[ex] = a
	}
	return catalog.Cached(ctx, r.cache, kind, fetchers)
}

// AvailablePairs is the catalog of kind as a table: one row per pair, one
// column per exchange, 1 where listed.
func (r *Runner) AvailablePairs(ctx context.Context, kind model.Instrument) (model.Table, error) {
	cat, err := r.Catalog(ctx, kind)
	if err != nil {
		return model.Table{}, err
	}
	return cat.Table(), nil
}

// fetchFunc returns one exchange's contribution to a report.
type fetchFunc func(ctx context.Context, exchange string, a reader.Adapter) (model.Table, error)

// fanOut runs fetch for every exchange with at most r.workers in flight and
// merges once all have returned. A failing exchange contributes empty, which
// becomes an all-missing column.
func (r *Runner) fanOut(ctx context.Context, name string, empty model.Table, fetch fetchFunc) (model.Table, error) {
	start := time.Now()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, r.workers)
		tables = make(map[string]model.Table, len(r.adapters))
	)
	for ex, a := range r.adapters {
		wg.Add(1)
		go func(ex string, a reader.Adapter) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			t, err := fetch(ctx, ex, a)
			log := r.log.WithExchange(ex, "report").WithFields(logger.Fields{"report": name})
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("exchange failed, leaving its column empty")
					metrics.IncFailure(ex, name)
				}
				t = empty
			} else {
				logger.LogDataFlowEntry(log, ex, name, t.Len(), "rows")
			}
			mu.Lock()
			tables[ex] = t
			mu.Unlock()
		}(ex, a)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return model.Table{}, err
	}

	out, err := processor.Merge(empty.KeyColumns, tables)
	if err != nil {
		return model.Table{}, err
	}
	logger.LogPerformanceEntry(r.log.WithComponent("report"), "report", name, time.Since(start), logger.Fields{
		"rows":      out.Len(),
		"exchanges": len(tables),
	})
	return out, nil
}

// pairsFor resolves the pairs to request from each exchange: every catalog
// pair it lists whose underlying is in underlyings (all when empty).
func (r *Runner) pairsFor(ctx context.Context, kind model.Instrument, underlyings []string) (*catalog.Catalog, error) {
	cat, err := r.Catalog(ctx, kind)
	if err != nil {
		return nil, err
	}
	return cat.Filter(underlyings), nil
}

// NextFunding reports the upcoming funding rate of every listed perpetual on
// the requested underlyings.
func (r *Runner) NextFunding(ctx context.Context, underlyings []string) (model.Table, error) {
	cat, err := r.pairsFor(ctx, model.Perp, underlyings)
	if err != nil {
		return model.Table{}, err
	}
	return r.fanOut(ctx, "next_funding", model.FundingTable(nil), func(ctx context.Context, ex string, a reader.Adapter) (model.Table, error) {
		pairs := cat.PairsFor(ex)
		if len(pairs) == 0 {
			return model.FundingTable(nil), nil
		}
		recs, err := a.NextFundingRates(ctx, pairs)
		if err != nil {
			return model.Table{}, err
		}
		return r.fundingTable(recs)
	})
}

// fundingTable converts recs to the runner's basis.
func (r *Runner) fundingTable(recs []model.FundingRate) (model.Table, error) {
	convert, ok := basisConversions[r.basis]
	if !ok {
		return model.FundingTable(recs), nil
	}
	scaled := make([]model.FundingRate, len(recs))
	for i, rec := range recs {
		v, err := convert(rec.Exchange, rec.Rate)
		if err != nil {
			return model.Table{}, err
		}
		rec.Rate = v
		scaled[i] = rec
	}
	return model.FundingTable(scaled), nil
}

// FundingHistory reports funding rates paid in [start, end).
func (r *Runner) FundingHistory(ctx context.Context, underlyings []string, start, end time.Time) (model.Table, error) {
	if err := reader.ValidateRange(start, end); err != nil {
		return model.Table{}, err
	}
	cat, err := r.pairsFor(ctx, model.Perp, underlyings)
	if err != nil {
		return model.Table{}, err
	}
	return r.fanOut(ctx, "funding_history", model.FundingTable(nil), func(ctx context.Context, ex string, a reader.Adapter) (model.Table, error) {
		pairs := cat.PairsFor(ex)
		if len(pairs) == 0 {
			return model.FundingTable(nil), nil
		}
		recs, err := a.HistoricalFundingRates(ctx, pairs, start, end)
		if err != nil {
			return model.Table{}, err
		}
		return r.fundingTable(recs)
	})
}

// assetsFor narrows symbols to what the exchange lends. Empty symbols means
// every borrowable asset.
func assetsFor(ctx context.Context, a reader.Adapter, symbols []string) ([]string, error) {
	listed, err := a.ListBorrowableAssets(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return listed, nil
	}
	have := make(map[string]bool, len(listed))
	for _, s := range listed {
		have[strings.ToUpper(s)] = true
	}
	var out []string
	for _, s := range symbols {
		if have[strings.ToUpper(s)] {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out, nil
}

// CurrentBorrow reports the latest margin borrow rate of each symbol.
func (r *Runner) CurrentBorrow(ctx context.Context, symbols []string) (model.Table, error) {
	return r.fanOut(ctx, "borrow_current", model.BorrowTable(nil), func(ctx context.Context, ex string, a reader.Adapter) (model.Table, error) {
		assets, err := assetsFor(ctx, a, symbols)
		if err != nil || len(assets) == 0 {
			return model.BorrowTable(nil), err
		}
		recs, err := a.CurrentBorrowRates(ctx, assets)
		return model.BorrowTable(recs), err
	})
}

// BorrowHistory reports margin borrow rates in [start, end).
func (r *Runner) BorrowHistory(ctx context.Context, symbols []string, start, end time.Time) (model.Table, error) {
	if err := reader.ValidateRange(start, end); err != nil {
		return model.Table{}, err
	}
	return r.fanOut(ctx, "borrow_history", model.BorrowTable(nil), func(ctx context.Context, ex string, a reader.Adapter) (model.Table, error) {
		assets, err := assetsFor(ctx, a, symbols)
		if err != nil || len(assets) == 0 {
			return model.BorrowTable(nil), err
		}
		recs, err := a.HistoricalBorrowRates(ctx, assets, start, end)
		return model.BorrowTable(recs), err
	})
}

// Prices reports OHLCV candles of inst at the exchange interval nearest to d.
// Contract errors surface before any exchange is called.
func (r *Runner) Prices(ctx context.Context, underlyings []string, start, end time.Time, d time.Duration, inst model.Instrument) (model.Table, error) {
	if err := reader.ValidateInterval(d); err != nil {
		return model.Table{}, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return model.Table{}, err
	}
	cat, err := r.pairsFor(ctx, inst, underlyings)
	if err != nil {
		return model.Table{}, err
	}
	return r.fanOut(ctx, "prices", model.CandleTable(nil), func(ctx context.Context, ex string, a reader.Adapter) (model.Table, error) {
		pairs := cat.PairsFor(ex)
		if len(pairs) == 0 {
			return model.CandleTable(nil), nil
		}
		recs, err := a.HistoricalPrices(ctx, pairs, start, end, d, inst)
		return model.CandleTable(recs), err
	})
}
