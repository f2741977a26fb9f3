// Package binance reads funding, borrow and price history from the Binance
// spot, USDT-margined (fapi) and coin-margined (dapi) REST APIs.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	futures "github.com/adshao/go-binance/v2/futures"

	"ratesflow/internal/executor"
	"ratesflow/internal/interval"
	ratemetrics "ratesflow/internal/metrics/rate"
	"ratesflow/internal/model"
	"ratesflow/internal/symbols"
	"ratesflow/logger"
	"ratesflow/reader"
)

// Default endpoints. Keys for reader.Settings.BaseURLs are "spot", "usdt" and
// "coin".
const (
	SpotURL = "https://api.binance.com"
	USDTURL = "https://fapi.binance.com/fapi"
	CoinURL = "https://dapi.binance.com/dapi"
)

// Policy treats 418 as an IP ban on top of the usual 429.
var Policy = executor.Policy{
	RateLimited: []int{http.StatusTooManyRequests},
	Banned:      []int{http.StatusTeapot},
	DefaultWait: time.Second,
}

const (
	fundingPeriod  = 8 * time.Hour
	maxRecords     = 1000
	borrowWindow   = 30 * 24 * time.Hour
	borrowLookback = 48 * time.Hour
	recvWindow     = "60000"
)

var klineIntervals = interval.NewTable(interval.Seconds(map[int64]string{
	60:      "1m",
	180:     "3m",
	300:     "5m",
	900:     "15m",
	1800:    "30m",
	3600:    "1h",
	7200:    "2h",
	14400:   "4h",
	21600:   "6h",
	28800:   "8h",
	43200:   "12h",
	86400:   "1d",
	259200:  "3d",
	604800:  "1w",
	2628000: "1M",
})...)

// dated futures such as ETHUSDT_210625 share the premium index endpoint
var datedSymbol = regexp.MustCompile(`^\w+?_\d+$`)

// Adapter implements reader.Adapter for Binance.
type Adapter struct {
	exec  *executor.Executor
	spot  string
	usdt  string
	coin  string
	creds reader.Credentials
	now   func() time.Time
	log   *logger.Log
}

// New builds a Binance adapter on exec.
func New(exec *executor.Executor, s reader.Settings) *Adapter {
	return &Adapter{
		exec:  exec,
		spot:  s.URL("spot", SpotURL),
		usdt:  s.URL("usdt", USDTURL),
		coin:  s.URL("coin", CoinURL),
		creds: s.Credentials,
		now:   s.Now,
		log:   logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return model.Binance }

// TuneRateLimit sizes the executor's limiter from the futures request weight
// budget. A failed lookup leaves the limiter untouched.
func (a *Adapter) TuneRateLimit(ctx context.Context) {
	log := a.log.WithExchange(model.Binance, "reader")
	client := futures.NewClient("", "")
	if parsed, err := url.Parse(a.usdt); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, client)
	if err != nil || limit <= 0 {
		log.WithError(err).Warn("failed to fetch request weight limit")
		return
	}
	rps := ratemetrics.WeightToRate(limit, 1)
	a.exec.SetRateLimit(rps, int(rps)+1)
	log.WithFields(logger.Fields{"weight_limit": limit, "requests_per_second": rps}).Info("rate limit sized from exchange info")
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (a *Adapter) fail(resp *executor.Response) error {
	var body apiError
	_ = resp.Decode(&body)
	code := strconv.Itoa(body.Code)
	switch {
	case body.Code == -1121:
		return executor.Absent(model.Binance, code, body.Msg)
	case body.Code == -2014 || body.Code == -2015 || body.Code == -1022 || resp.Status == http.StatusUnauthorized:
		return executor.Auth(model.Binance, code, body.Msg)
	}
	return &executor.APIError{Exchange: model.Binance, Status: resp.Status, Code: code, Message: body.Msg}
}

func (a *Adapter) get(ctx context.Context, op, endpoint string, params url.Values, v interface{}) error {
	resp, err := a.exec.Execute(ctx, executor.Request{
		URL:       endpoint,
		Params:    params,
		Operation: op,
		Symbol:    params.Get("symbol"),
	})
	if err != nil {
		return err
	}
	ratemetrics.ReportUsedWeight(a.log, resp.Header, op)
	if !resp.OK() {
		return a.fail(resp)
	}
	return resp.Decode(v)
}

// signedGet stamps params with the server time, signs the encoded query and
// sends it verbatim.
func (a *Adapter) signedGet(ctx context.Context, op, endpoint string, params url.Values, v interface{}) error {
	if err := a.creds.Require(model.Binance); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", reader.ToMillis(a.serverTimeOrLocal(ctx)))
	query := params.Encode()
	resp, err := a.exec.Execute(ctx, executor.Request{
		URL:       endpoint,
		RawQuery:  query + "&signature=" + reader.HMACHex(a.creds.PrivateKey, query),
		Headers:   http.Header{"X-MBX-APIKEY": {a.creds.APIKey}},
		Signed:    true,
		Operation: op,
		Symbol:    params.Get("asset"),
	})
	if err != nil {
		return err
	}
	ratemetrics.ReportUsedWeight(a.log, resp.Header, op)
	if !resp.OK() {
		return a.fail(resp)
	}
	return resp.Decode(v)
}

// ServerTime reads /api/v3/time.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := a.get(ctx, "server_time", a.spot+"/api/v3/time", nil, &body); err != nil {
		return time.Time{}, err
	}
	return reader.Millis(body.ServerTime), nil
}

func (a *Adapter) serverTimeOrLocal(ctx context.Context) time.Time {
	ts, err := a.ServerTime(ctx)
	if err != nil {
		a.log.WithExchange(model.Binance, "reader").WithError(err).Warn("server time unavailable, signing with local clock")
		return a.now()
	}
	return ts
}

// ListSpotPairs returns every spot pair in TRADING status.
func (a *Adapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "spot_pairs", func() ([]model.Pair, error) {
		var info gobinance.ExchangeInfo
		if err := a.get(ctx, "spot_pairs", a.spot+"/api/v3/exchangeInfo", nil, &info); err != nil {
			return nil, err
		}
		var out []model.Pair
		for _, s := range info.Symbols {
			if s.Status != "TRADING" || s.BaseAsset == "" || s.QuoteAsset == "" {
				continue
			}
			out = append(out, model.NewPair(s.BaseAsset, s.QuoteAsset))
		}
		return model.UniquePairs(out), nil
	})
}

// ListPerpPairs returns USDT- and coin-margined perpetuals. Dated futures are
// excluded.
func (a *Adapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "perp_pairs", func() ([]model.Pair, error) {
		var out []model.Pair
		for _, base := range []string{a.usdt, a.coin} {
			var info futures.ExchangeInfo
			if err := a.get(ctx, "perp_pairs", base+"/v1/exchangeInfo", nil, &info); err != nil {
				return nil, err
			}
			for _, s := range info.Symbols {
				if s.ContractType != futures.ContractTypePerpetual {
					continue
				}
				out = append(out, model.NewPair(s.BaseAsset, s.QuoteAsset))
			}
		}
		return model.UniquePairs(out), nil
	})
}

// ListBorrowableAssets returns margin assets flagged borrowable.
func (a *Adapter) ListBorrowableAssets(ctx context.Context) ([]string, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "borrowable_assets", func() ([]string, error) {
		var assets []struct {
			AssetName    string `json:"assetName"`
			IsBorrowable bool   `json:"isBorrowable"`
		}
		if err := a.signedGet(ctx, "borrowable_assets", a.spot+"/sapi/v1/margin/allAssets", nil, &assets); err != nil {
			return nil, err
		}
		var out []string
		for _, as := range assets {
			if as.IsBorrowable {
				out = append(out, strings.ToUpper(as.AssetName))
			}
		}
		return out, nil
	})
}

// NextFundingRates reads the premium index of both futures APIs and keeps the
// requested perpetuals. Records are stamped with the next funding time.
func (a *Adapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	lookup := symbols.NewLookup(model.Binance, model.Perp, pairs)
	return executor.Retry(ctx, a.exec.Retrier(), "next_funding", func() ([]model.FundingRate, error) {
		var out []model.FundingRate
		for _, base := range []string{a.usdt, a.coin} {
			var index []futures.PremiumIndex
			if err := a.get(ctx, "next_funding", base+"/v1/premiumIndex", nil, &index); err != nil {
				return nil, err
			}
			coin := base == a.coin
			for _, pi := range index {
				if coin && !strings.HasSuffix(pi.Symbol, "_PERP") {
					continue
				}
				if !coin && datedSymbol.MatchString(pi.Symbol) {
					continue
				}
				p, ok := lookup.Resolve(pi.Symbol)
				if !ok || pi.LastFundingRate == "" {
					continue
				}
				rate, err := reader.ParseFloat(pi.LastFundingRate)
				if err != nil {
					return nil, executor.Transientf("%s: %v", pi.Symbol, err)
				}
				out = append(out, model.FundingRate{
					Exchange: model.Binance,
					Time:     reader.Millis(pi.NextFundingTime),
					Pair:     p,
					Rate:     rate,
				})
			}
		}
		return reader.SortFunding(out), nil
	})
}

// futuresBase picks fapi for USDT quotes and dapi for USD quotes.
func (a *Adapter) futuresBase(p model.Pair) (string, bool) {
	switch p.Quote {
	case "USDT":
		return a.usdt, true
	case "USD":
		return a.coin, true
	}
	return "", false
}

// HistoricalFundingRates pages /v1/fundingRate in windows of 1000 periods.
func (a *Adapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.Binance, "reader")
	windows := reader.Windows(start, end, reader.CapWindow(fundingPeriod, maxRecords))

	return executor.Retry(ctx, a.exec.Retrier(), "funding_history", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			base, ok := a.futuresBase(p)
			if !ok {
				log.WithFields(logger.Fields{"pair": p.String()}).Warn("unsupported quote for perpetual funding, skipping")
				return nil, nil
			}
			symbol := symbols.Encode(model.Binance, model.Perp, p)
			var recs []model.FundingRate
			for _, w := range windows {
				var page []futures.FundingRate
				params := url.Values{
					"symbol":    {symbol},
					"startTime": {reader.ToMillis(w.Start)},
					"endTime":   {reader.ToMillis(w.End)},
					"limit":     {strconv.Itoa(maxRecords)},
				}
				if err := a.get(ctx, "funding_history", base+"/v1/fundingRate", params, &page); err != nil {
					return nil, err
				}
				for _, fr := range page {
					rate, err := reader.ParseFloat(fr.FundingRate)
					if err != nil {
						return nil, executor.Transientf("%s: %v", symbol, err)
					}
					recs = append(recs, model.FundingRate{
						Exchange: model.Binance,
						Time:     reader.Millis(fr.FundingTime),
						Pair:     p,
						Rate:     rate,
					})
				}
			}
			return recs, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimFunding(out, start, end), nil
	})
}

type interestRate struct {
	Asset             string        `json:"asset"`
	DailyInterestRate reader.Number `json:"dailyInterestRate"`
	Timestamp         int64         `json:"timestamp"`
}

func (a *Adapter) interestHistory(ctx context.Context, asset string, start, end time.Time) ([]model.BorrowRate, error) {
	var page []interestRate
	params := url.Values{
		"asset":      {asset},
		"startTime":  {reader.ToMillis(start)},
		"endTime":    {reader.ToMillis(end)},
		"recvWindow": {recvWindow},
	}
	if err := a.signedGet(ctx, "borrow_history", a.spot+"/sapi/v1/margin/interestRateHistory", params, &page); err != nil {
		return nil, err
	}
	out := make([]model.BorrowRate, 0, len(page))
	for _, r := range page {
		if !r.DailyInterestRate.Valid {
			continue
		}
		out = append(out, model.BorrowRate{
			Exchange: model.Binance,
			Time:     reader.Millis(r.Timestamp),
			Symbol:   strings.ToUpper(r.Asset),
			Rate:     r.DailyInterestRate.Value,
		})
	}
	return out, nil
}

// CurrentBorrowRates returns the latest daily rate of each asset from the
// last two days of history.
func (a *Adapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	log := a.log.WithExchange(model.Binance, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "borrow_current", func() ([]model.BorrowRate, error) {
		now := a.now()
		return reader.EachSymbol(log, assets, func(asset string) ([]model.BorrowRate, error) {
			recs, err := a.interestHistory(ctx, strings.ToUpper(asset), now.Add(-borrowLookback), now)
			if err != nil || len(recs) == 0 {
				return nil, err
			}
			latest := recs[0]
			for _, r := range recs[1:] {
				if r.Time.After(latest.Time) {
					latest = r
				}
			}
			return []model.BorrowRate{latest}, nil
		})
	})
}

// HistoricalBorrowRates pages interest history in 30-day windows.
func (a *Adapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.Binance, "reader")
	windows := reader.Windows(start, end, borrowWindow)
	return executor.Retry(ctx, a.exec.Retrier(), "borrow_history", func() ([]model.BorrowRate, error) {
		out, err := reader.EachSymbol(log, assets, func(asset string) ([]model.BorrowRate, error) {
			var recs []model.BorrowRate
			for _, w := range windows {
				page, err := a.interestHistory(ctx, strings.ToUpper(asset), w.Start, w.End)
				if err != nil {
					return nil, err
				}
				recs = append(recs, page...)
			}
			return recs, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimBorrow(out, start, end), nil
	})
}

// HistoricalPrices reads klines at the closest supported interval.
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
	entry := klineIntervals.Snap(d)
	windows := reader.Windows(start, end, reader.CapWindow(entry.Duration, maxRecords))
	log := a.log.WithExchange(model.Binance, "reader")

	return executor.Retry(ctx, a.exec.Retrier(), "klines", func() ([]model.Candle, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.Candle, error) {
			endpoint := a.spot + "/api/v3/klines"
			if inst == model.Perp {
				base, ok := a.futuresBase(p)
				if !ok {
					base = a.usdt
				}
				endpoint = base + "/v1/klines"
			}
			symbol := symbols.Encode(model.Binance, inst, p)
			var candles []model.Candle
			for _, w := range windows {
				var rows [][]reader.Number
				params := url.Values{
					"symbol":    {symbol},
					"interval":  {entry.Token},
					"startTime": {reader.ToMillis(w.Start)},
					"endTime":   {reader.ToMillis(w.End)},
					"limit":     {strconv.Itoa(maxRecords)},
				}
				if err := a.get(ctx, "klines", endpoint, params, &rows); err != nil {
					return nil, err
				}
				for _, k := range rows {
					if len(k) < 6 {
						continue
					}
					candles = append(candles, model.Candle{
						Exchange:   model.Binance,
						Instrument: inst,
						Time:       reader.Millis(int64(k[0].Value)),
						Pair:       p,
						Open:       k[1].Value,
						High:       k[2].Value,
						Low:        k[3].Value,
						Close:      k[4].Value,
						Volume:     k[5].Value,
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
