// Package ftx reads funding, borrow and candle history from the FTX REST API.
// FTX lists perpetuals against USD only.
package ftx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ratesflow/internal/executor"
	"ratesflow/internal/interval"
	ratemetrics "ratesflow/internal/metrics/rate"
	"ratesflow/internal/model"
	"ratesflow/internal/symbols"
	"ratesflow/logger"
	"ratesflow/reader"
)

// Default endpoints. Keys for reader.Settings.BaseURLs are "api" and "otc".
const (
	BaseURL = "https://ftx.com/api"
	OTCURL  = "https://otc.ftx.com/api"
)

const (
	fundingPageSize = 500
	candleCap       = 1500
	borrowWindow    = 48 * time.Hour
)

var resolutions = func() interval.Table {
	entries := interval.Seconds(map[int64]string{
		15:    "15",
		60:    "60",
		300:   "300",
		900:   "900",
		3600:  "3600",
		14400: "14400",
	})
	for k := int64(1); k <= 30; k++ {
		secs := k * 86400
		entries = append(entries, interval.Entry{Duration: time.Duration(secs) * time.Second, Token: strconv.FormatInt(secs, 10)})
	}
	return interval.NewTable(entries...)
}()

// Adapter implements reader.Adapter for FTX.
type Adapter struct {
	exec  *executor.Executor
	base  string
	otc   string
	creds reader.Credentials
	now   func() time.Time
	log   *logger.Log
}

// New builds an FTX adapter on exec and teaches exec to wait out rate limits
// reported in the envelope.
func New(exec *executor.Executor, s reader.Settings) *Adapter {
	exec.SetBodyCheck(throttledBody)
	return &Adapter{
		exec:  exec,
		base:  s.URL("api", BaseURL),
		otc:   s.URL("otc", OTCURL),
		creds: s.Credentials,
		now:   s.Now,
		log:   logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return model.FTX }

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

func throttledBody(body []byte) (limited, banned bool) {
	var env envelope
	if json.Unmarshal(body, &env) != nil || env.Success || env.Error == "" {
		return false, false
	}
	return ratemetrics.DetectLimit(model.FTX, env.Error)
}

func (a *Adapter) classify(status int, op string, env envelope) error {
	if limited, banned := ratemetrics.DetectLimit(model.FTX, env.Error); limited || banned {
		ratemetrics.ReportLimitFromMessage(a.log, model.FTX, "", "", op, env.Error)
		return &executor.APIError{Exchange: model.FTX, Status: status, Message: env.Error, Kind: executor.ErrTransient}
	}
	switch {
	case strings.HasPrefix(env.Error, "No such"):
		return executor.Absent(model.FTX, "", env.Error)
	case status == http.StatusUnauthorized || strings.Contains(env.Error, "Not logged in") || strings.Contains(env.Error, "Invalid API key"):
		return executor.Auth(model.FTX, "", env.Error)
	}
	return &executor.APIError{Exchange: model.FTX, Status: status, Message: env.Error}
}

func (a *Adapter) send(ctx context.Context, req executor.Request, v interface{}) error {
	resp, err := a.exec.Execute(ctx, req)
	if err != nil {
		return err
	}
	var env envelope
	if err := resp.Decode(&env); err != nil {
		return err
	}
	if !env.Success || !resp.OK() {
		return a.classify(resp.Status, req.Operation, env)
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		return executor.Transientf("decode result: %v", err)
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, op, path string, params url.Values, v interface{}) error {
	return a.send(ctx, executor.Request{URL: a.base + path, Params: params, Operation: op}, v)
}

// signedGet signs ts + METHOD + request path with its query and sends the
// signature in FTX-* headers.
func (a *Adapter) signedGet(ctx context.Context, op, path string, params url.Values, v interface{}) error {
	if err := a.creds.Require(model.FTX); err != nil {
		return err
	}
	ts := reader.ToMillis(a.serverTimeOrLocal(ctx))
	target := a.base + path
	u, err := url.Parse(target)
	if err != nil {
		return executor.Contractf("parse url %q: %v", target, err)
	}
	query := params.Encode()
	signed := u.Path
	if query != "" {
		signed += "?" + query
	}
	return a.send(ctx, executor.Request{
		URL:      target,
		RawQuery: query,
		Headers: http.Header{
			"FTX-KEY":  {a.creds.APIKey},
			"FTX-SIGN": {reader.HMACHex(a.creds.PrivateKey, ts+http.MethodGet+signed)},
			"FTX-TS":   {ts},
		},
		Signed:    true,
		Operation: op,
	}, v)
}

// ServerTime reads the OTC time endpoint.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var raw string
	if err := a.send(ctx, executor.Request{URL: a.otc + "/time", Operation: "server_time"}, &raw); err != nil {
		return time.Time{}, err
	}
	return parseTime(raw)
}

func (a *Adapter) serverTimeOrLocal(ctx context.Context) time.Time {
	ts, err := a.ServerTime(ctx)
	if err != nil {
		a.log.WithExchange(model.FTX, "reader").WithError(err).Warn("server time unavailable, signing with local clock")
		return a.now()
	}
	return ts
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, executor.Transientf("parse time %q: %v", s, err)
	}
	return t.UTC(), nil
}

// ListSpotPairs reads /markets and keeps spot markets.
func (a *Adapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "spot_pairs", func() ([]model.Pair, error) {
		var markets []struct {
			Type          string `json:"type"`
			BaseCurrency  string `json:"baseCurrency"`
			QuoteCurrency string `json:"quoteCurrency"`
		}
		if err := a.get(ctx, "spot_pairs", "/markets", nil, &markets); err != nil {
			return nil, err
		}
		var out []model.Pair
		for _, m := range markets {
			if m.Type != "spot" || m.BaseCurrency == "" || m.QuoteCurrency == "" {
				continue
			}
			out = append(out, model.NewPair(m.BaseCurrency, m.QuoteCurrency))
		}
		return model.UniquePairs(out), nil
	})
}

// ListPerpPairs reads /futures and keeps perpetuals as (underlying, USD).
func (a *Adapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "perp_pairs", func() ([]model.Pair, error) {
		var futures []struct {
			Underlying string `json:"underlying"`
			Perpetual  bool   `json:"perpetual"`
		}
		if err := a.get(ctx, "perp_pairs", "/futures", nil, &futures); err != nil {
			return nil, err
		}
		var out []model.Pair
		for _, f := range futures {
			if f.Perpetual {
				out = append(out, model.NewPair(f.Underlying, "USD"))
			}
		}
		return model.UniquePairs(out), nil
	})
}

// usdOnly drops pairs FTX cannot have a perpetual for.
func (a *Adapter) usdOnly(pairs []model.Pair) []model.Pair {
	out := make([]model.Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.Quote != "USD" {
			a.log.WithExchange(model.FTX, "reader").WithFields(logger.Fields{"pair": p.String()}).Warn("ftx perpetuals are quoted in USD only, skipping")
			continue
		}
		out = append(out, p)
	}
	return out
}

// NextFundingRates reads /futures/{U}-PERP/stats per pair.
func (a *Adapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	pairs = a.usdOnly(pairs)
	log := a.log.WithExchange(model.FTX, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "next_funding", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			var stats struct {
				NextFundingRate reader.Number `json:"nextFundingRate"`
				NextFundingTime string        `json:"nextFundingTime"`
			}
			path := "/futures/" + symbols.Encode(model.FTX, model.Perp, p) + "/stats"
			if err := a.get(ctx, "next_funding", path, nil, &stats); err != nil {
				return nil, err
			}
			if !stats.NextFundingRate.Valid {
				return nil, nil
			}
			at, err := parseTime(stats.NextFundingTime)
			if err != nil {
				return nil, err
			}
			return []model.FundingRate{{Exchange: model.FTX, Time: at, Pair: p, Rate: stats.NextFundingRate.Value}}, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.SortFunding(out), nil
	})
}

type fundingRecord struct {
	Future string        `json:"future"`
	Rate   reader.Number `json:"rate"`
	Time   string        `json:"time"`
}

// HistoricalFundingRates walks /funding_rates backward from end in pages of
// up to 500 until start is reached or a page is empty.
func (a *Adapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	pairs = a.usdOnly(pairs)
	log := a.log.WithExchange(model.FTX, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "funding_history", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			future := symbols.Encode(model.FTX, model.Perp, p)
			var recs []model.FundingRate
			cursor := end
			for cursor.After(start) {
				var page []fundingRecord
				params := url.Values{
					"future":     {future},
					"start_time": {reader.ToSeconds(start)},
					"end_time":   {reader.ToSeconds(cursor)},
				}
				if err := a.get(ctx, "funding_history", "/funding_rates", params, &page); err != nil {
					return nil, err
				}
				if len(page) == 0 {
					break
				}
				oldest := cursor
				for _, fr := range page {
					at, err := parseTime(fr.Time)
					if err != nil {
						return nil, err
					}
					if at.Before(oldest) {
						oldest = at
					}
					if fr.Rate.Valid {
						recs = append(recs, model.FundingRate{Exchange: model.FTX, Time: at, Pair: p, Rate: fr.Rate.Value})
					}
				}
				if len(page) < fundingPageSize || !oldest.Before(cursor) {
					break
				}
				cursor = oldest.Add(-time.Second)
			}
			return recs, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimFunding(out, start, end), nil
	})
}

type borrowEstimate struct {
	Coin     string        `json:"coin"`
	Estimate reader.Number `json:"estimate"`
	Previous reader.Number `json:"previous"`
}

func (a *Adapter) borrowRates(ctx context.Context) ([]borrowEstimate, error) {
	var rates []borrowEstimate
	err := a.signedGet(ctx, "borrow_rates", "/spot_margin/borrow_rates", url.Values{}, &rates)
	return rates, err
}

// ListBorrowableAssets returns every coin with a borrow rate.
func (a *Adapter) ListBorrowableAssets(ctx context.Context) ([]string, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "borrowable_assets", func() ([]string, error) {
		rates, err := a.borrowRates(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(rates))
		for _, r := range rates {
			out = append(out, strings.ToUpper(r.Coin))
		}
		return out, nil
	})
}

func wanted(assets []string) map[string]bool {
	set := make(map[string]bool, len(assets))
	for _, s := range assets {
		set[strings.ToUpper(s)] = true
	}
	return set
}

// CurrentBorrowRates returns the estimated hourly rate, stamped to the start
// of the current hour.
func (a *Adapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	want := wanted(assets)
	return executor.Retry(ctx, a.exec.Retrier(), "borrow_current", func() ([]model.BorrowRate, error) {
		rates, err := a.borrowRates(ctx)
		if err != nil {
			return nil, err
		}
		hour := a.now().Truncate(time.Hour)
		var out []model.BorrowRate
		for _, r := range rates {
			coin := strings.ToUpper(r.Coin)
			if !want[coin] || !r.Estimate.Valid {
				continue
			}
			out = append(out, model.BorrowRate{Exchange: model.FTX, Time: hour, Symbol: coin, Rate: r.Estimate.Value})
		}
		return reader.TrimBorrow(out, hour, hour.Add(time.Hour)), nil
	})
}

// HistoricalBorrowRates reads /spot_margin/history in two-day windows and
// keeps the requested coins.
func (a *Adapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	want := wanted(assets)
	windows := reader.Windows(start, end, borrowWindow)
	return executor.Retry(ctx, a.exec.Retrier(), "borrow_history", func() ([]model.BorrowRate, error) {
		var out []model.BorrowRate
		for _, w := range windows {
			var page []struct {
				Coin string        `json:"coin"`
				Time string        `json:"time"`
				Rate reader.Number `json:"rate"`
			}
			params := url.Values{
				"start_time": {reader.ToSeconds(w.Start)},
				"end_time":   {reader.ToSeconds(w.End)},
			}
			if err := a.signedGet(ctx, "borrow_history", "/spot_margin/history", params, &page); err != nil {
				return nil, err
			}
			for _, r := range page {
				coin := strings.ToUpper(r.Coin)
				if !want[coin] || !r.Rate.Valid {
					continue
				}
				at, err := parseTime(r.Time)
				if err != nil {
					return nil, err
				}
				out = append(out, model.BorrowRate{Exchange: model.FTX, Time: at, Symbol: coin, Rate: r.Rate.Value})
			}
		}
		return reader.TrimBorrow(out, start, end), nil
	})
}

// HistoricalPrices reads /markets/{market}/candles at the closest supported
// resolution.
func (a *Adapter) HistoricalPrices(ctx context.Context, pairs []model.Pair, start, end time.Time, d time.Duration, inst model.Instrument) ([]model.Candle, error) {
	if err := reader.ValidateInterval(d); err != nil {
		return nil, err
	}
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	if inst == model.Perp {
		pairs = a.usdOnly(pairs)
	}
	res := resolutions.Snap(d)
	windows := reader.Windows(start, end, reader.CapWindow(res.Duration, candleCap))
	log := a.log.WithExchange(model.FTX, "reader")

	return executor.Retry(ctx, a.exec.Retrier(), "candles", func() ([]model.Candle, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.Candle, error) {
			path := "/markets/" + symbols.Encode(model.FTX, inst, p) + "/candles"
			var candles []model.Candle
			for _, w := range windows {
				var page []struct {
					StartTime string  `json:"startTime"`
					Open      float64 `json:"open"`
					High      float64 `json:"high"`
					Low       float64 `json:"low"`
					Close     float64 `json:"close"`
					Volume    float64 `json:"volume"`
				}
				params := url.Values{
					"resolution": {res.Token},
					"start_time": {reader.ToSeconds(w.Start)},
					"end_time":   {reader.ToSeconds(w.End)},
				}
				if err := a.get(ctx, "candles", path, params, &page); err != nil {
					return nil, err
				}
				for _, c := range page {
					at, err := parseTime(c.StartTime)
					if err != nil {
						return nil, err
					}
					candles = append(candles, model.Candle{
						Exchange:   model.FTX,
						Instrument: inst,
						Time:       at,
						Pair:       p,
						Open:       c.Open,
						High:       c.High,
						Low:        c.Low,
						Close:      c.Close,
						Volume:     c.Volume,
					})
				}
			}
			return candles, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimCandles(out, start, end), nil
	})
}

var _ reader.Adapter = (*Adapter)(nil)
