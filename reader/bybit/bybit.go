// Package bybit reads perpetual funding rates from the Bybit v2 REST API.
// Bybit exposes no spot listing, borrow rates or klines through these
// endpoints, so those capabilities return empty results.
package bybit

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"ratesflow/internal/executor"
	ratemetrics "ratesflow/internal/metrics/rate"
	"ratesflow/internal/model"
	"ratesflow/internal/symbols"
	"ratesflow/logger"
	"ratesflow/reader"
)

// BaseURL serves both linear (USDT) and inverse (USD) contracts. The
// reader.Settings.BaseURLs key is "api".
const BaseURL = "https://api.bybit.com"

const (
	codeNotFound      = 10001
	codeAuthFailed    = 10003
	codeSignError     = 10004
	codeRateLimited   = 10006
	codeKeyExpired    = 33004
	msgKeyExpired     = "api_key expire"
	msgLinearSymbol   = "linear_symbol"
	predictedLinear   = "/private/linear/funding/predicted-funding"
	predictedInverse  = "/v2/private/funding/predicted-funding"
	prevFundingLinear = "/public/linear/funding/prev-funding-rate"
	prevFundingInv    = "/v2/public/funding/prev-funding-rate"
)

// Adapter implements reader.Adapter for Bybit.
type Adapter struct {
	exec  *executor.Executor
	base  string
	creds reader.Credentials
	now   func() time.Time
	log   *logger.Log
}

// New builds a Bybit adapter on exec and teaches exec to wait out
// ret_code 10006 replies.
func New(exec *executor.Executor, s reader.Settings) *Adapter {
	exec.SetBodyCheck(throttledBody)
	return &Adapter{
		exec:  exec,
		base:  s.URL("api", BaseURL),
		creds: s.Credentials,
		now:   s.Now,
		log:   logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return model.Bybit }

type envelope struct {
	RetCode int             `json:"ret_code"`
	RetMsg  string          `json:"ret_msg"`
	Result  json.RawMessage `json:"result"`
	TimeNow json.RawMessage `json:"time_now"`
}

// throttledBody spots rate limits Bybit reports with HTTP 200.
func throttledBody(body []byte) (limited, banned bool) {
	var env envelope
	if json.Unmarshal(body, &env) != nil || env.RetCode == 0 {
		return false, false
	}
	limited, banned = ratemetrics.DetectLimit(model.Bybit, env.RetMsg)
	return limited || env.RetCode == codeRateLimited, banned
}

func (a *Adapter) classify(status int, env envelope) error {
	code := strconv.Itoa(env.RetCode)
	switch {
	case env.RetCode == codeNotFound || strings.Contains(env.RetMsg, msgLinearSymbol):
		return executor.Absent(model.Bybit, code, env.RetMsg)
	case env.RetCode == codeAuthFailed || env.RetCode == codeSignError || env.RetCode == codeKeyExpired || env.RetMsg == msgKeyExpired:
		a.log.WithExchange(model.Bybit, "reader").WithFields(logger.Fields{"code": env.RetCode}).Error("api key rejected: " + env.RetMsg)
		return executor.Auth(model.Bybit, code, env.RetMsg)
	}
	// the predicted funding endpoints fail intermittently; let the retrier
	// decide
	return &executor.APIError{Exchange: model.Bybit, Status: status, Code: code, Message: env.RetMsg, Kind: executor.ErrTransient}
}

func (a *Adapter) send(ctx context.Context, req executor.Request) (envelope, error) {
	var env envelope
	resp, err := a.exec.Execute(ctx, req)
	if err != nil {
		return env, err
	}
	ratemetrics.ReportBybitUsedWeight(a.log, resp.Header, req.Operation)
	if err := resp.Decode(&env); err != nil {
		if !resp.OK() {
			return env, &executor.APIError{Exchange: model.Bybit, Status: resp.Status, Message: string(resp.Body)}
		}
		return env, err
	}
	if env.RetCode != 0 || !resp.OK() {
		return env, a.classify(resp.Status, env)
	}
	return env, nil
}

func (a *Adapter) get(ctx context.Context, op, path string, params url.Values) (envelope, error) {
	return a.send(ctx, executor.Request{
		URL:       a.base + path,
		Params:    params,
		Operation: op,
		Symbol:    params.Get("symbol"),
	})
}

// signedGet adds api_key and timestamp, then signs the key-sorted query.
func (a *Adapter) signedGet(ctx context.Context, op, path string, params url.Values) (envelope, error) {
	if err := a.creds.Require(model.Bybit); err != nil {
		return envelope{}, err
	}
	ts, err := a.ServerTime(ctx)
	if err != nil {
		a.log.WithExchange(model.Bybit, "reader").WithError(err).Warn("server time unavailable, signing with local clock")
		ts = a.now()
	}
	params.Set("api_key", a.creds.APIKey)
	params.Set("timestamp", reader.ToMillis(ts))
	query := params.Encode()
	return a.send(ctx, executor.Request{
		URL:       a.base + path,
		RawQuery:  query + "&sign=" + reader.HMACHex(a.creds.PrivateKey, query),
		Signed:    true,
		Operation: op,
		Symbol:    params.Get("symbol"),
	})
}

// ServerTime reads /v2/public/time.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	env, err := a.get(ctx, "server_time", "/v2/public/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(env.TimeNow)
}

// parseTime accepts fractional epoch seconds as a string, integer epoch
// seconds, or an ISO-8601 timestamp.
func parseTime(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, executor.Transientf("missing timestamp")
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return reader.Millis(d.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, executor.Transientf("parse timestamp %q: %v", s, err)
	}
	return t.UTC().Truncate(time.Second), nil
}

// ListPerpPairs reads /v2/public/symbols. Names containing a digit are dated
// futures.
func (a *Adapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	return executor.Retry(ctx, a.exec.Retrier(), "perp_pairs", func() ([]model.Pair, error) {
		env, err := a.get(ctx, "perp_pairs", "/v2/public/symbols", nil)
		if err != nil {
			return nil, err
		}
		var syms []struct {
			Name          string `json:"name"`
			BaseCurrency  string `json:"base_currency"`
			QuoteCurrency string `json:"quote_currency"`
		}
		if err := json.Unmarshal(env.Result, &syms); err != nil {
			return nil, executor.Transientf("decode symbols: %v", err)
		}
		var out []model.Pair
		for _, s := range syms {
			if strings.IndexFunc(s.Name, unicode.IsDigit) >= 0 {
				continue
			}
			out = append(out, model.NewPair(s.BaseCurrency, s.QuoteCurrency))
		}
		return model.UniquePairs(out), nil
	})
}

func (a *Adapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) { return nil, nil }

func (a *Adapter) ListBorrowableAssets(ctx context.Context) ([]string, error) { return nil, nil }

func (a *Adapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	return nil, nil
}

func (a *Adapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	return nil, nil
}

func (a *Adapter) HistoricalPrices(ctx context.Context, pairs []model.Pair, start, end time.Time, d time.Duration, inst model.Instrument) ([]model.Candle, error) {
	return nil, nil
}

// endpoint picks the linear path for USDT quotes and the inverse path for
// USD quotes.
func endpoint(p model.Pair, linear, inverse string) (string, bool) {
	switch p.Quote {
	case "USDT":
		return linear, true
	case "USD":
		return inverse, true
	}
	return "", false
}

// NextFundingRates asks the signed predicted-funding endpoint per pair and
// stamps each record with the response time.
func (a *Adapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.Bybit, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "next_funding", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			path, ok := endpoint(p, predictedLinear, predictedInverse)
			if !ok {
				log.WithFields(logger.Fields{"pair": p.String()}).Warn("unsupported quote for perpetual funding, skipping")
				return nil, nil
			}
			env, err := a.signedGet(ctx, "next_funding", path, url.Values{"symbol": {symbols.Encode(model.Bybit, model.Perp, p)}})
			if err != nil {
				return nil, err
			}
			var res struct {
				PredictedFundingRate reader.Number `json:"predicted_funding_rate"`
			}
			if err := json.Unmarshal(env.Result, &res); err != nil {
				return nil, executor.Transientf("decode predicted funding: %v", err)
			}
			if !res.PredictedFundingRate.Valid {
				return nil, nil
			}
			at, err := parseTime(env.TimeNow)
			if err != nil {
				return nil, err
			}
			return []model.FundingRate{{Exchange: model.Bybit, Time: at, Pair: p, Rate: res.PredictedFundingRate.Value}}, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.SortFunding(out), nil
	})
}

// HistoricalFundingRates returns the previous funding rate of each pair when
// it falls inside [start, end). Older history is not served by the API.
func (a *Adapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	if err := reader.ValidatePairs(pairs); err != nil {
		return nil, err
	}
	if err := reader.ValidateRange(start, end); err != nil {
		return nil, err
	}
	log := a.log.WithExchange(model.Bybit, "reader")
	return executor.Retry(ctx, a.exec.Retrier(), "funding_history", func() ([]model.FundingRate, error) {
		out, err := reader.EachPair(log, pairs, func(p model.Pair) ([]model.FundingRate, error) {
			path, ok := endpoint(p, prevFundingLinear, prevFundingInv)
			if !ok {
				log.WithFields(logger.Fields{"pair": p.String()}).Warn("unsupported quote for perpetual funding, skipping")
				return nil, nil
			}
			env, err := a.get(ctx, "funding_history", path, url.Values{"symbol": {symbols.Encode(model.Bybit, model.Perp, p)}})
			if err != nil {
				return nil, err
			}
			var res struct {
				FundingRate          reader.Number   `json:"funding_rate"`
				FundingRateTimestamp json.RawMessage `json:"funding_rate_timestamp"`
			}
			if err := json.Unmarshal(env.Result, &res); err != nil {
				return nil, executor.Transientf("decode previous funding: %v", err)
			}
			if !res.FundingRate.Valid {
				return nil, nil
			}
			at, err := parseTime(res.FundingRateTimestamp)
			if err != nil {
				return nil, err
			}
			return []model.FundingRate{{Exchange: model.Bybit, Time: at, Pair: p, Rate: res.FundingRate.Value}}, nil
		})
		if err != nil {
			return nil, err
		}
		return reader.TrimFunding(out, start, end), nil
	})
}

var _ reader.Adapter = (*Adapter)(nil)
