// Package huobi reads funding, borrow and candle data from the Huobi spot
// (api.huobi.pro) and swap (api.hbdm.com) REST APIs.
package huobi

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
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

// Default endpoints. Keys for reader.Settings.BaseURLs are "spot" and
// "futures".
const (
	SpotURL    = "https://api.huobi.pro"
	FuturesURL = "https://api.hbdm.com"
)

const (
	codeContractMissing = "1332"
	fundingPageSize     = 50
	perpKlineCap        = 1999
	spotKlineSize       = "2000"
)

var periods = interval.NewTable(interval.Seconds(map[int64]string{
	60:      "1min",
	300:     "5min",
	900:     "15min",
	1800:    "30min",
	3600:    "60min",
	14400:   "4hour",
	86400:   "1day",
	2628000: "1mon",
})...)

var datedCode = regexp.MustCompile(`\d{6}$`)

// Adapter implements reader.Adapter for Huobi.
type Adapter struct {
	exec    *executor.Executor
	spot    string
	futures string
	creds   reader.Credentials
	now     func() time.Time
	log     *logger.Log
}

// New builds a Huobi adapter on exec and teaches exec to wait out rate
// limits reported in the envelope.
func New(exec *executor.Executor, s reader.Settings) *Adapter {
	exec.SetBodyCheck(throttledBody)
	return &Adapter{
		exec:    exec,
		spot:    s.URL("spot", SpotURL),
		futures: s.URL("futures", FuturesURL),
		creds:   s.Credentials,
		now:     s.Now,
		log:     logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return model.Huobi }

// envelope covers both the spot (err-code) and swap (err_code) error shapes.
type envelope struct {
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data"`
	SpotCode    json.RawMessage `json:"err-code"`
	SpotMsg     string          `json:"err-msg"`
	FuturesCode json.RawMessage `json:"err_code"`
	FuturesMsg  string          `json:"err_msg"`
}

func (e envelope) code() string {
	raw := e.FuturesCode
	if len(raw) == 0 {
		raw = e.SpotCode
	}
	return strings.Trim(string(raw), `"`)
}

func (e envelope) message() string {
	if e.FuturesMsg != "" {
		return e.FuturesMsg
	}
	return e.SpotMsg
}

func throttledBody(body []byte) (limited, banned bool) {
	var env envelope
	if json.Unmarshal(body, &env) != nil || env.Status == "" || env.Status == "ok" {
		return false, false
	}
	return ratemetrics.DetectLimit(model.Huobi, env.code()+" "+env.message())
}

func (a *Adapter) classify(status int, op string, env envelope) error {
	code, msg := env.code(), env.message()
	lower := strings.ToLower(code + " " + msg)
	switch {
	case code == codeContractMissing || strings.Contains(lower, "invalid symbol") || strings.Contains(lower, "contract doesnt exist"):
		return executor.Absent(model.Huobi, code, msg)
	case strings.Contains(lower, "signature") || strings.Contains(lower, "access-key") || strings.Contains(lower, "api-key") || strings.Contains(lower, "accesskeyid"):
		return executor.Auth(model.Huobi, code, msg)
	}
	if limited, banned := ratemetrics.DetectLimit(model.Huobi, msg); limited || banned {
		ratemetrics.ReportLimitFromMessage(a.log, model.Huobi, "", "", op, msg)
		return &executor.APIError{Exchange: model.Huobi, Status: status, Code: code, Message: msg, Kind: executor.ErrTransient}
	}
	return &executor.APIError{Exchange: model.Huobi, Status: status, Code: code, Message: msg}
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
	if env.Status != "ok" || !resp.OK() {
		return a.classify(resp.Status, req.Operation, env)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return executor.Transientf("decode data: %v", err)
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, op, endpoint string, params url.Values, v interface{}) error {
	return a.send(ctx, executor.Request{URL: endpoint, Params: params, Operation: op, Symbol: params.Get("contract_code")}, v)
}

// signedGet adds the signature parameters and signs
// "GET\nhost\npath\nsorted-query" with base64 HMAC-SHA256.
func (a *Adapter) signedGet(ctx context.Context, op, endpoint string, params url.Values, v interface{}) error {
	if err := a.creds.Require(model.Huobi); err != nil {
		return err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return executor.Contractf("parse url %q: %v", endpoint, err)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("AccessKeyId", a.creds.APIKey)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", a.serverTimeOrLocal(ctx).Format("2006-01-02T15:04:05"))
	query := params.Encode()
	payload := strings.Join([]string{"GET", strings.ToLower(u.Host), u.Path, query}, "\n")
	return a.send(ctx, executor.Request{
		URL:       endpoint,
		RawQuery:  query + "&Signature=" + url.QueryEscape(reader.HMACBase64(a.creds.PrivateKey, payload)),
		Signed:    true,
		Operation: op,
	}, v)
}

// ServerTime reads /v1/common/timestamp.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := a.get(ctx, "server_time", a.spot+"/v1/common/timestamp", nil, &ms); err != nil {
		return time.Time{}, err
	}
	return reader.Millis(ms), nil
}

func (a *Adapter) serverTimeOrLocal(ctx context.Context) time.Time {
	ts, err := a.ServerTime(ctx)
	if err != nil {
		a.log.WithExchange(model.Huobi, "reader").WithError(err).Warn("server time unavailable, signing with local clock")
		return a.now()
	}
	return ts.UTC()
}

// ListSpotPairs reads /v2/settings/common/symbols and keeps online markets.
func (a *Adapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "spot_pairs", func() ([]model.Pair, error) {
		var syms []struct {
			Base  string `json:"bcdn"`
			Quote string `json:"qcdn"`
			State string `json:"state"`
		}
		if err := a.get(ctx, "spot_pairs", a.spot+"/v2/settings/common/symbols", nil, &syms); err != nil {
			return nil, err
		}
		var out []model.Pair
		for _, s := range syms {
			if s.State != "online" || s.Base == "" || s.Quote == "" {
				continue
			}
			out = append(out, model.NewPair(s.Base, s.Quote))
		}
		return model.UniquePairs(out), nil
	})
}

type batchFunding struct {
	Symbol          string        `json:"symbol"`
	ContractCode    string        `json:"contract_code"`
	FundingRate     reader.Number `json:"funding_rate"`
	NextFundingTime string        `json:"next_funding_time"`
}

// batchEndpoints pairs each swap family with its quote asset.
func (a *Adapter) batchEndpoints() []struct{ url, quote string } {
	return []struct{ url, quote string }{
		{a.futures + "/linear-swap-api/v1/swap_batch_funding_rate", "USDT"},
		{a.futures + "/swap-api/v1/swap_batch_funding_rate", "USD"},
	}
}

func live(f batchFunding) bool {
	return f.FundingRate.Valid && !datedCode.MatchString(strings.ReplaceAll(f.ContractCode, "-", ""))
}

// ListPerpPairs derives perpetuals from the batch funding endpoints.
// Contracts without a rate are dated futures.
func (a *Adapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "perp_pairs", func() ([]model.Pair, error) {
		var out []model.Pair
		for _, ep := range a.batchEndpoints() {
			var batch []batchFunding
			if err := a.get(ctx, "perp_pairs", ep.url, nil, &batch); err != nil {
				return nil, err
			}
			for _, f := range batch {
				if live(f) {
					out = append(out, model.NewPair(f.Symbol, ep.quote))
				}
			}
		}
		return model.UniquePairs(out), nil
	})
}

// NextFundingRates reads the batch funding endpoints and keeps the requested
// pairs, stamped with the next funding time.
func (a *Adapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	lookup := symbols.NewLookup(model.Huobi, model.Perp, pairs)
	return executor.Retry(ctx, a.exec.Retrier(), "next_funding", func() ([]model.FundingRate, error) {
		var out []model.FundingRate
		for _, ep := range a.batchEndpoints() {
			var batch []batchFunding
			if err := a.get(ctx, "next_funding", ep.url, nil, &batch); err != nil {
				return nil, err
			}
			for _, f := range batch {
				if !live(f) {
					continue
				}
				p, ok := lookup.Resolve(f.ContractCode)
				if !ok {
					continue
				}
				at, err := reader.MillisString(f.NextFundingTime)
				if err != nil {
					return nil, executor.Transientf("%s: %v", f.ContractCode, err)
				}
				out = append(out, model.FundingRate{Exchange: model.Huobi, Time: at, Pair: p, Rate: f.FundingRate.Value})
			}
		}
		return reader.SortFunding(out), nil
	})
}

func (a *Adapter) swapPath(p model.Pair, linear, inverse string) (string, bool) {
	switch p.Quote {
	case "USDT":
		return a.futures + linear, true
	case "USD":
		return a.futures + inverse, true
	}
	return "", false
}

// HistoricalFundingRates pages swap_historical_funding_rate from page 1 until
// an empty page or the last page.
func (a *Adapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.Huobi, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "funding_history", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			endpoint, ok := a.swapPath(p, "/linear-swap-api/v1/swap_historical_funding_rate", "/swap-api/v1/swap_historical_funding_rate")
			if !ok {
				log.WithFields(logger.Fields{"pair": p.String()}).Warn("unsupported quote for perpetual funding, skipping")
				return nil, nil
			}
			code := symbols.Encode(model.Huobi, model.Perp, p)
			var recs []model.FundingRate
			for page := 1; ; page++ {
				var body struct {
					TotalPage int `json:"total_page"`
					Data      []struct {
						FundingRate reader.Number `json:"funding_rate"`
						FundingTime string        `json:"funding_time"`
					} `json:"data"`
				}
				params := url.Values{
					"contract_code": {code},
					"page_index":    {strconv.Itoa(page)},
					"page_size":     {strconv.Itoa(fundingPageSize)},
				}
				if err := a.get(ctx, "funding_history", endpoint, params, &body); err != nil {
					return nil, err
				}
				// pages run newest first
				reachedStart := false
				for _, fr := range body.Data {
					at, err := reader.MillisString(fr.FundingTime)
					if err != nil {
						return nil, executor.Transientf("%s: %v", code, err)
					}
					if at.Before(start) {
						reachedStart = true
					}
					if fr.FundingRate.Valid {
						recs = append(recs, model.FundingRate{Exchange: model.Huobi, Time: at, Pair: p, Rate: fr.FundingRate.Value})
					}
				}
				if len(body.Data) == 0 || page >= body.TotalPage || reachedStart {
					break
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

type loanInfo struct {
	Currency   string        `json:"currency"`
	ActualRate reader.Number `json:"actual-rate"`
}

func (a *Adapter) loanInfo(ctx context.Context) ([]loanInfo, error) {
	var info []loanInfo
	err := a.signedGet(ctx, "loan_info", a.spot+"/v1/cross-margin/loan-info", nil, &info)
	return info, err
}

// ListBorrowableAssets lists every cross-margin currency.
func (a *Adapter) ListBorrowableAssets(ctx context.Context) ([]string, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "borrowable_assets", func() ([]string, error) {
		info, err := a.loanInfo(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(info))
		for _, l := range info {
			out = append(out, strings.ToUpper(l.Currency))
		}
		return out, nil
	})
}

// CurrentBorrowRates returns the daily cross-margin rate dated to today
// 00:00 UTC.
func (a *Adapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	want := make(map[string]bool, len(assets))
	for _, s := range assets {
		want[strings.ToUpper(s)] = true
	}
	return executor.Retry(ctx, a.exec.Retrier(), "borrow_current", func() ([]model.BorrowRate, error) {
		info, err := a.loanInfo(ctx)
		if err != nil {
			return nil, err
		}
		day := a.now().Truncate(24 * time.Hour)
		var out []model.BorrowRate
		for _, l := range info {
			cur := strings.ToUpper(l.Currency)
			if !want[cur] || !l.ActualRate.Valid {
				continue
			}
			out = append(out, model.BorrowRate{Exchange: model.Huobi, Time: day, Symbol: cur, Rate: l.ActualRate.Value})
		}
		return reader.TrimBorrow(out, day, day.Add(24*time.Hour)), nil
	})
}

// HistoricalBorrowRates is not served by Huobi.
func (a *Adapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	return nil, nil
}

type kline struct {
	ID    int64   `json:"id"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Vol   float64 `json:"vol"`
}

// HistoricalPrices reads perp klines in windows of 1999 bars. The spot
// endpoint takes no range, so the latest 2000 bars are fetched and trimmed.
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
	period := periods.Snap(d)
	windows := reader.Windows(start, end, reader.CapWindow(period.Duration, perpKlineCap))
	log := a.log.WithExchange(model.Huobi, "reader")

	toCandles := func(p model.Pair, rows []kline) []model.Candle {
		out := make([]model.Candle, 0, len(rows))
		for _, k := range rows {
			out = append(out, model.Candle{
				Exchange:   model.Huobi,
				Instrument: inst,
				Time:       reader.Seconds(k.ID),
				Pair:       p,
				Open:       k.Open,
				High:       k.High,
				Low:        k.Low,
				Close:      k.Close,
				Volume:     k.Vol,
			})
		}
		return out
	}

	return executor.Retry(ctx, a.exec.Retrier(), "klines", func() ([]model.Candle, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.Candle, error) {
			if inst == model.Spot {
				var rows []kline
				params := url.Values{
					"symbol": {symbols.Encode(model.Huobi, model.Spot, p)},
					"period": {period.Token},
					"size":   {spotKlineSize},
				}
				if err := a.get(ctx, "klines", a.spot+"/market/history/kline", params, &rows); err != nil {
					return nil, err
				}
				return toCandles(p, rows), nil
			}
			endpoint, ok := a.swapPath(p, "/linear-swap-ex/market/history/kline", "/swap-ex/market/history/kline")
			if !ok {
				log.WithFields(logger.Fields{"pair": p.String()}).Warn("unsupported quote for perpetual klines, skipping")
				return nil, nil
			}
			var candles []model.Candle
			for _, w := range windows {
				var rows []kline
				params := url.Values{
					"contract_code": {symbols.Encode(model.Huobi, model.Perp, p)},
					"period":        {period.Token},
					"from":          {reader.ToSeconds(w.Start)},
					"to":            {reader.ToSeconds(w.End)},
				}
				if err := a.get(ctx, "klines", endpoint, params, &rows); err != nil {
					return nil, err
				}
				candles = append(candles, toCandles(p, rows)...)
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
