// Package catalog records which exchange lists which pair.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"ratesflow/internal/model"
	"ratesflow/logger"
	"ratesflow/processor"
)

// PairFetcher lists the pairs an exchange trades. reader.Adapter satisfies it.
type PairFetcher interface {
	ListPerpPairs(ctx context.Context) ([]model.Pair, error)
	ListSpotPairs(ctx context.Context) ([]model.Pair, error)
}

// Catalog is the relation (underlying, quote, exchange) → listed.
type Catalog struct {
	Kind model.Instrument
	// Failed names the exchanges whose listing errored during Build. They
	// appear with no pairs.
	Failed    []string
	exchanges []string
	listed    map[model.Pair]map[string]bool
	table     model.Table
}

// Build asks every exchange for its pairs of the given kind and outer-joins
// the listings. An exchange whose listing fails contributes no pairs.
func Build(ctx context.Context, kind model.Instrument, fetchers map[string]PairFetcher) (*Catalog, error) {
	log := logger.GetLogger()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		tables = make(map[string]model.Table, len(fetchers))
		failed []string
	)
	for ex, f := range fetchers {
		wg.Add(1)
		go func(ex string, f PairFetcher) {
			defer wg.Done()
			list := f.ListPerpPairs
			if kind == model.Spot {
				list = f.ListSpotPairs
			}
			pairs, err := list(ctx)
			if err != nil {
				log.WithExchange(ex, "catalog").WithError(err).Warn("pair listing failed, exchange left out of catalog")
				pairs = nil
			}
			mu.Lock()
			tables[ex] = model.PairTable(pairs)
			if err != nil {
				failed = append(failed, ex)
			}
			mu.Unlock()
		}(ex, f)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged, err := processor.Merge(model.PairKeys, tables)
	if err != nil {
		return nil, err
	}
	c := FromTable(kind, merged)
	sort.Strings(failed)
	c.Failed = failed
	log.WithComponent("catalog").WithFields(logger.Fields{
		"kind":      string(kind),
		"pairs":        len(c.listed),
		"cross_listed": c.crossListed(),
		"exchanges":    strings.Join(c.exchanges, ","),
	}).Info("catalog built")
	return c, nil
}

// FromTable rebuilds a catalog from its persisted table: one row per pair,
// one column per exchange, 1 where listed.
func FromTable(kind model.Instrument, t model.Table) *Catalog {
	c := &Catalog{
		Kind:      kind,
		exchanges: append([]string(nil), t.ValueColumns...),
		listed:    make(map[model.Pair]map[string]bool, len(t.Rows)),
		table:     t,
	}
	for _, r := range t.Rows {
		if len(r.Keys) != 2 {
			continue
		}
		p := model.NewPair(r.Keys[0], r.Keys[1])
		for i, ex := range t.ValueColumns {
			if i < len(r.Values) && !model.IsMissing(r.Values[i]) && r.Values[i] != 0 {
				if c.listed[p] == nil {
					c.listed[p] = make(map[string]bool)
				}
				c.listed[p][ex] = true
			}
		}
	}
	return c
}

// Listed reports whether exchange trades p.
func (c *Catalog) Listed(exchange string, p model.Pair) bool {
	return c.listed[p][exchange]
}

// Exchanges returns the catalog's exchange columns in sorted order.
func (c *Catalog) Exchanges() []string {
	return append([]string(nil), c.exchanges...)
}

// PairsFor lists the pairs one exchange trades, sorted.
func (c *Catalog) PairsFor(exchange string) []model.Pair {
	var out []model.Pair
	for p, exs := range c.listed {
		if exs[exchange] {
			out = append(out, p)
		}
	}
	sortPairs(out)
	return out
}

// crossListed counts pairs listed on more than one exchange.
func (c *Catalog) crossListed() int {
	n := 0
	for p := range c.listed {
		if len(c.ExchangesFor(p)) > 1 {
			n++
		}
	}
	return n
}

// ExchangesFor lists the exchanges trading p, sorted.
func (c *Catalog) ExchangesFor(p model.Pair) []string {
	var out []string
	for ex := range c.listed[p] {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// Pairs lists every pair traded somewhere, sorted.
func (c *Catalog) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(c.listed))
	for p := range c.listed {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

// Filter keeps pairs whose underlying is in underlyings. An empty list keeps
// everything.
func (c *Catalog) Filter(underlyings []string) *Catalog {
	if len(underlyings) == 0 {
		return c
	}
	want := make(map[string]bool, len(underlyings))
	for _, u := range underlyings {
		want[strings.ToUpper(u)] = true
	}
	return FromTable(c.Kind, c.table.Filter(func(r model.Row) bool {
		return len(r.Keys) > 0 && want[r.Keys[0]]
	}))
}

// Table returns the catalog as an aligned table for persistence.
func (c *Catalog) Table() model.Table { return c.table }

func sortPairs(pairs []model.Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Underlying != pairs[j].Underlying {
			return pairs[i].Underlying < pairs[j].Underlying
		}
		return pairs[i].Quote < pairs[j].Quote
	})
}
