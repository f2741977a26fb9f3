// Package okx reads funding rates and candles from the OKX v5 public REST
// API. Linear (USDT) and inverse (USD) swaps share one base URL and one set of
// endpoints.
package okx

import (
	"context"
	"encoding/json"
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

// BaseURL is the default REST host. The reader.Settings.BaseURLs key is "api".
const BaseURL = "https://www.okx.com"

const (
	codeParamError    = "51000"
	codeNoInstrument  = "51001"
	codeTooMany       = "50011"
	msgNoInstrument   = "Instrument ID does not exist"
	pageLimit         = 100
	fundingPeriod     = 8 * time.Hour
	instrumentsPath   = "/api/v5/public/instruments"
	fundingPath       = "/api/v5/public/funding-rate"
	fundingHistPath   = "/api/v5/public/funding-rate-history"
	historyCandlePath = "/api/v5/market/history-candles"
)

var bars = interval.NewTable(interval.Seconds(map[int64]string{
	60:      "1m",
	180:     "3m",
	300:     "5m",
	900:     "15m",
	1800:    "30m",
	3600:    "1H",
	7200:    "2H",
	14400:   "4H",
	21600:   "6Hutc",
	43200:   "12Hutc",
	86400:   "1Dutc",
	172800:  "2Dutc",
	259200:  "3Dutc",
	604800:  "1Wutc",
	2628000: "1Mutc",
	7884000: "3Mutc",
})...)

// authCodes are the OKX codes for a missing, malformed or rejected API key.
var authCodes = map[string]bool{"50100": true, "50111": true, "50112": true, "50113": true, "50114": true}

// Adapter implements reader.Adapter for OKX.
type Adapter struct {
	exec *executor.Executor
	base string
	log  *logger.Log
}

// New builds an OKX adapter on exec and teaches exec to wait out code 50011
// replies.
func New(exec *executor.Executor, s reader.Settings) *Adapter {
	exec.SetBodyCheck(throttledBody)
	return &Adapter{exec: exec, base: s.URL("api", BaseURL), log: logger.GetLogger()}
}

func (a *Adapter) Name() string { return model.OKX }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func throttledBody(body []byte) (limited, banned bool) {
	var env envelope
	if json.Unmarshal(body, &env) != nil || env.Code == "" || env.Code == "0" {
		return false, false
	}
	limited, banned = ratemetrics.DetectLimit(model.OKX, env.Msg)
	return limited || env.Code == codeTooMany, banned
}

func (a *Adapter) classify(status int, op, symbol string, env envelope) error {
	switch {
	case env.Code == codeNoInstrument || env.Code == codeParamError || strings.HasPrefix(env.Msg, msgNoInstrument):
		return executor.Absent(model.OKX, env.Code, env.Msg)
	case authCodes[env.Code]:
		return executor.Auth(model.OKX, env.Code, env.Msg)
	case env.Code == codeTooMany:
		ratemetrics.ReportLimitFromMessage(a.log, model.OKX, symbol, "", op, env.Msg)
		return &executor.APIError{Exchange: model.OKX, Status: status, Code: env.Code, Message: env.Msg, Kind: executor.ErrTransient}
	}
	return &executor.APIError{Exchange: model.OKX, Status: status, Code: env.Code, Message: env.Msg}
}

func (a *Adapter) get(ctx context.Context, op, path string, params url.Values, v interface{}) error {
	symbol := params.Get("instId")
	resp, err := a.exec.Execute(ctx, executor.Request{URL: a.base + path, Params: params, Operation: op, Symbol: symbol})
	if err != nil {
		return err
	}
	ratemetrics.ReportOkxUsedWeight(a.log, resp.Header, op)
	var env envelope
	if err := resp.Decode(&env); err != nil {
		return err
	}
	if env.Code != "0" || !resp.OK() {
		return a.classify(resp.Status, op, symbol, env)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return executor.Transientf("decode data: %v", err)
	}
	return nil
}

// ServerTime reads /api/v5/public/time.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var data []struct {
		TS string `json:"ts"`
	}
	if err := a.get(ctx, "server_time", "/api/v5/public/time", nil, &data); err != nil {
		return time.Time{}, err
	}
	if len(data) == 0 {
		return time.Time{}, executor.Transientf("empty server time")
	}
	return reader.MillisString(data[0].TS)
}

type instrument struct {
	InstID    string `json:"instId"`
	CtType    string `json:"ctType"`
	CtValCcy  string `json:"ctValCcy"`
	SettleCcy string `json:"settleCcy"`
	BaseCcy   string `json:"baseCcy"`
	QuoteCcy  string `json:"quoteCcy"`
	State     string `json:"state"`
}

func (a *Adapter) instruments(ctx context.Context, op, instType string) ([]instrument, error) {
	return executor.Retry(ctx, a.exec.Retrier(), op, func() ([]instrument, error) {
		var out []instrument
		err := a.get(ctx, op, instrumentsPath, url.Values{"instType": {instType}}, &out)
		return out, err
	})
}

// ListPerpPairs reads SWAP instruments. Linear swaps are margined in the
// quote, inverse swaps in the underlying.
func (a *Adapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	insts, err := a.instruments(ctx, "perp_pairs", "SWAP")
	if err != nil {
		return nil, err
	}
	var out []model.Pair
	for _, in := range insts {
		switch in.CtType {
		case "linear":
			out = append(out, model.NewPair(in.CtValCcy, in.SettleCcy))
		case "inverse":
			out = append(out, model.NewPair(in.SettleCcy, in.CtValCcy))
		}
	}
	return model.UniquePairs(out), nil
}

// ListSpotPairs reads SPOT instruments that are live.
func (a *Adapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) {
	insts, err := a.instruments(ctx, "spot_pairs", "SPOT")
	if err != nil {
		return nil, err
	}
	var out []model.Pair
	for _, in := range insts {
		if in.State != "" && in.State != "live" {
			continue
		}
		out = append(out, model.NewPair(in.BaseCcy, in.QuoteCcy))
	}
	return model.UniquePairs(out), nil
}

func (a *Adapter) ListBorrowableAssets(ctx context.Context) ([]string, error) { return nil, nil }

func (a *Adapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	return nil, nil
}

func (a *Adapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	return nil, nil
}

type fundingRow struct {
	FundingRate reader.Number `json:"fundingRate"`
	FundingTime string        `json:"fundingTime"`
}

func toFunding(p model.Pair, rows []fundingRow) ([]model.FundingRate, error) {
	out := make([]model.FundingRate, 0, len(rows))
	for _, r := range rows {
		if !r.FundingRate.Valid {
			continue
		}
		at, err := reader.MillisString(r.FundingTime)
		if err != nil {
			return nil, executor.Transientf("%s funding time: %v", p, err)
		}
		out = append(out, model.FundingRate{Exchange: model.OKX, Time: at, Pair: p, Rate: r.FundingRate.Value})
	}
	return out, nil
}

// NextFundingRates reads /api/v5/public/funding-rate per pair, stamped with
// the settlement time the rate applies to.
func (a *Adapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.OKX, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "next_funding", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			var rows []fundingRow
			params := url.Values{"instId": {symbols.Encode(model.OKX, model.Perp, p)}}
			if err := a.get(ctx, "next_funding", fundingPath, params, &rows); err != nil {
				return nil, err
			}
			return toFunding(p, rows)
		})
		if err != nil {
			return nil, err
		}
		return reader.SortFunding(out), nil
	})
}

// window sets the exclusive before/after cursors so one request covers
// [w.Start, w.End).
func window(params url.Values, w reader.Window) url.Values {
	params.Set("before", strconv.FormatInt(w.Start.UnixMilli()-1, 10))
	params.Set("after", strconv.FormatInt(w.End.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(pageLimit))
	return params
}

// HistoricalFundingRates walks [start, end) in windows of 100 funding
// periods, one request each.
func (a *Adapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	windows := reader.Windows(start, end, reader.CapWindow(fundingPeriod, pageLimit))
	log := a.log.WithExchange(model.OKX, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "funding_history", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			inst := symbols.Encode(model.OKX, model.Perp, p)
			var recs []model.FundingRate
			for _, w := range windows {
				var rows []fundingRow
				if err := a.get(ctx, "funding_history", fundingHistPath, window(url.Values{"instId": {inst}}, w), &rows); err != nil {
					return nil, err
				}
				got, err := toFunding(p, rows)
				if err != nil {
					return nil, err
				}
				recs = append(recs, got...)
			}
			return recs, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimFunding(out, start, end), nil
	})
}

// HistoricalPrices reads history-candles in windows of 100 bars. Rows are
// [ts, open, high, low, close, vol, ...] as strings.
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
	bar := bars.Snap(d)
	windows := reader.Windows(start, end, reader.CapWindow(bar.Duration, pageLimit))
	log := a.log.WithExchange(model.OKX, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "klines", func() ([]model.Candle, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.Candle, error) {
			instID := symbols.Encode(model.OKX, inst, p)
			var candles []model.Candle
			for _, w := range windows {
				var rows [][]string
				params := window(url.Values{"instId": {instID}, "bar": {bar.Token}}, w)
				if err := a.get(ctx, "klines", historyCandlePath, params, &rows); err != nil {
					return nil, err
				}
				for _, r := range rows {
					c, err := parseCandle(p, inst, r)
					if err != nil {
						return nil, err
					}
					candles = append(candles, c)
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

func parseCandle(p model.Pair, inst model.Instrument, row []string) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, executor.Transientf("short candle row %v", row)
	}
	at, err := reader.MillisString(row[0])
	if err != nil {
		return model.Candle{}, executor.Transientf("candle time: %v", err)
	}
	var vals [5]float64
	for i := range vals {
		if vals[i], err = reader.ParseFloat(row[i+1]); err != nil {
			return model.Candle{}, executor.Transientf("candle field %d: %v", i+1, err)
		}
	}
	return model.Candle{
		Exchange:   model.OKX,
		Instrument: inst,
		Time:       at,
		Pair:       p,
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
	}, nil
}

var _ reader.Adapter = (*Adapter)(nil)
