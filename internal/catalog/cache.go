package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ratesflow/internal/model"
	"ratesflow/logger"
)

// Cache keeps built catalogs in Redis so repeated runs skip the listing
// calls until the TTL expires.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis and pings it.
func NewCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func (c *Cache) Close() error { return c.client.Close() }

func cacheKey(kind model.Instrument) string {
	return "ratesflow:catalog:" + string(kind)
}

// entry is the cached form: exchange columns plus the pairs each one lists.
type entry struct {
	Exchanges []string                `json:"exchanges"`
	Listed    map[string][]model.Pair `json:"listed"`
}

func encode(c *Catalog) ([]byte, error) {
	e := entry{Exchanges: c.Exchanges(), Listed: make(map[string][]model.Pair, len(c.exchanges))}
	for _, ex := range c.exchanges {
		e.Listed[ex] = c.PairsFor(ex)
	}
	return json.Marshal(e)
}

func decode(kind model.Instrument, data []byte) (*Catalog, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	t := model.Table{KeyColumns: model.PairKeys, ValueColumns: e.Exchanges}
	index := make(map[model.Pair]int)
	for col, ex := range e.Exchanges {
		for _, p := range e.Listed[ex] {
			i, ok := index[p]
			if !ok {
				values := make([]float64, len(e.Exchanges))
				for k := range values {
					values[k] = model.Missing()
				}
				i = len(t.Rows)
				index[p] = i
				t.Rows = append(t.Rows, model.Row{Keys: []string{p.Underlying, p.Quote}, Values: values})
			}
			t.Rows[i].Values[col] = 1
		}
	}
	t.SortRows()
	return FromTable(kind, t), nil
}

// Get returns the cached catalog of kind, or nil when none is cached.
func (c *Cache) Get(ctx context.Context, kind model.Instrument) (*Catalog, error) {
	data, err := c.client.Get(ctx, cacheKey(kind)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get catalog from redis: %w", err)
	}
	cat, err := decode(kind, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}
	return cat, nil
}

// Put stores cat under its kind with the cache TTL.
func (c *Cache) Put(ctx context.Context, cat *Catalog) error {
	data, err := encode(cat)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(cat.Kind), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set catalog in redis: %w", err)
	}
	return nil
}

// Store is the subset of Cache that Cached needs.
type Store interface {
	Get(ctx context.Context, kind model.Instrument) (*Catalog, error)
	Put(ctx context.Context, cat *Catalog) error
}

// Cached returns the catalog from store when present and builds and stores it
// otherwise. A nil store always builds. Cache failures only cost a rebuild.
// A catalog missing a failed exchange is returned but not stored.
func Cached(ctx context.Context, store Store, kind model.Instrument, fetchers map[string]PairFetcher) (*Catalog, error) {
	log := logger.GetLogger().WithComponent("catalog")
	if store != nil {
		cat, err := store.Get(ctx, kind)
		if err != nil {
			log.WithError(err).Warn("catalog cache read failed")
		}
		if cat != nil {
			log.WithFields(logger.Fields{"kind": string(kind)}).Debug("catalog served from cache")
			return cat, nil
		}
	}
	cat, err := Build(ctx, kind, fetchers)
	if err != nil {
		return nil, err
	}
	if store != nil && len(cat.Failed) > 0 {
		log.WithFields(logger.Fields{"failed": strings.Join(cat.Failed, ",")}).Warn("partial catalog not cached")
		return cat, nil
	}
	if store != nil {
		if err := store.Put(ctx, cat); err != nil {
			log.WithError(err).Warn("catalog cache write failed")
		}
	}
	return cat, nil
}
