// Package writer persists aligned tables as monthly parquet shards.
package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/logger"
	"ratesflow/processor"
)

// Options name the price series a shard belongs to. Funding and borrow
// shards ignore them; catalog shards use Instrument.
type Options struct {
	Instrument model.Instrument
	Interval   string
}

// Filter keeps rows whose key column holds one of the listed values. Columns
// not named are not filtered.
type Filter map[string][]string

// Gateway saves and loads tables through a ShardStore.
type Gateway struct {
	store       ShardStore
	compression string
	log         *logger.Log
}

// NewGateway builds a gateway on store. Compression is one of snappy, gzip or
// none; empty means snappy.
func NewGateway(store ShardStore, compression string) *Gateway {
	return &Gateway{store: store, compression: compression, log: logger.GetLogger()}
}

// ShardName names the shard of kind holding month.
func ShardName(kind model.DataKind, opts Options, month time.Time) (string, error) {
	ym := fmt.Sprintf("%04d_%02d", month.Year(), int(month.Month()))
	switch kind {
	case model.KindFunding, model.KindBorrow:
		return string(kind) + "/" + ym, nil
	case model.KindPrices:
		if opts.Instrument == "" || opts.Interval == "" {
			return "", executor.Contractf("price shards need an instrument and an interval")
		}
		return fmt.Sprintf("prices/%s_%s_%s", opts.Instrument, opts.Interval, ym), nil
	case model.KindCatalog:
		if opts.Instrument == "" {
			return "", executor.Contractf("catalog shards need an instrument")
		}
		return "catalog/" + string(opts.Instrument), nil
	}
	return "", executor.Contractf("unknown data kind %q", kind)
}

// Months lists the first instant of every calendar month touching
// [start, end], both inclusive.
func Months(start, end time.Time) []time.Time {
	start, end = start.UTC(), end.UTC()
	var out []time.Time
	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(end); m = m.AddDate(0, 1, 0) {
		out = append(out, m)
	}
	return out
}

func (g *Gateway) read(ctx context.Context, name string) (model.Table, bool, error) {
	data, ok, err := g.store.Get(ctx, name)
	if err != nil || !ok {
		return model.Table{}, false, err
	}
	t, err := DecodeTable(data)
	if err != nil {
		return model.Table{}, false, fmt.Errorf("shard %s: %w", name, err)
	}
	return t, true, nil
}

func (g *Gateway) write(ctx context.Context, name string, t model.Table) error {
	data, err := EncodeTable(t, g.compression)
	if err != nil {
		return fmt.Errorf("shard %s: %w", name, err)
	}
	if err := g.store.Put(ctx, name, data); err != nil {
		return err
	}
	logger.IncrementShardWrite(t.Len())
	logger.LogDataFlowEntry(g.log.WithComponent("gateway"), "report", name, t.Len(), "rows")
	return nil
}

// Save splits t by calendar month and merges each part into its shard.
// Fresh values win over stored ones; cells missing in t keep the stored
// value. Catalog tables replace their single shard.
func (g *Gateway) Save(ctx context.Context, t model.Table, kind model.DataKind, opts Options) error {
	if t.Empty() {
		return executor.Contractf("no data to save: table is empty")
	}
	if kind == model.KindCatalog {
		name, err := ShardName(kind, opts, time.Time{})
		if err != nil {
			return err
		}
		return g.write(ctx, name, t)
	}

	first, last := t.TimeRange()
	for _, month := range Months(first, last) {
		name, err := ShardName(kind, opts, month)
		if err != nil {
			return err
		}
		next := month.AddDate(0, 1, 0)
		part := t.Filter(func(r model.Row) bool {
			return !r.Time.Before(month) && r.Time.Before(next)
		})
		if part.Empty() {
			continue
		}
		old, ok, err := g.read(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			if part, err = processor.Union(part, old); err != nil {
				return fmt.Errorf("shard %s: %w", name, err)
			}
		}
		part.SortRows()
		if err := g.write(ctx, name, part); err != nil {
			return err
		}
	}
	return nil
}

// Load concatenates the shards of kind covering [start, end] and applies
// filter. It returns a nil table when no shard exists.
func (g *Gateway) Load(ctx context.Context, kind model.DataKind, opts Options, start, end time.Time, filter Filter) (*model.Table, error) {
	var names []string
	if kind == model.KindCatalog {
		name, err := ShardName(kind, opts, time.Time{})
		if err != nil {
			return nil, err
		}
		names = []string{name}
	} else {
		for _, month := range Months(start, end) {
			name, err := ShardName(kind, opts, month)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	}

	var parts []model.Table
	for _, name := range names {
		t, ok, err := g.read(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	out, err := processor.Union(parts...)
	if err != nil {
		return nil, err
	}
	out = applyFilter(out, filter)
	return &out, nil
}

func applyFilter(t model.Table, filter Filter) model.Table {
	if len(filter) == 0 {
		return t
	}
	type rule struct {
		index int
		allow map[string]bool
	}
	var rules []rule
	for col, values := range filter {
		if len(values) == 0 {
			continue
		}
		idx := t.KeyIndex(col)
		allow := make(map[string]bool, len(values))
		for _, v := range values {
			allow[strings.ToUpper(v)] = true
		}
		rules = append(rules, rule{index: idx, allow: allow})
	}
	return t.Filter(func(r model.Row) bool {
		for _, ru := range rules {
			if ru.index < 0 || ru.index >= len(r.Keys) || !ru.allow[strings.ToUpper(r.Keys[ru.index])] {
				return false
			}
		}
		return true
	})
}
