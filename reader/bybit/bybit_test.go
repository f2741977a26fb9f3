package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/reader"
)

func createMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(srv *httptest.Server, creds reader.Credentials) *Adapter {
	exec := executor.New(model.Bybit,
		executor.WithRateLimit(0, 0),
		executor.WithRetrier(executor.NewRetrier(model.Bybit, executor.WithDelays([]time.Duration{time.Millisecond}))),
	)
	return New(exec, reader.Settings{BaseURLs: map[string]string{"api": srv.URL}, Credentials: creds})
}

func TestListPerpPairsExcludesDatedContracts(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/public/symbols", r.URL.Path)
		fmt.Fprint(w, `{"ret_code":0,"ret_msg":"OK","result":[
			{"name":"BTCUSD","base_currency":"BTC","quote_currency":"USD"},
			{"name":"BTCUSDM22","base_currency":"BTC","quote_currency":"USD"},
			{"name":"ETHUSDT","base_currency":"ETH","quote_currency":"USDT"}]}`)
	})
	pairs, err := newTestAdapter(srv, reader.Credentials{}).ListPerpPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Pair{model.NewPair("BTC", "USD"), model.NewPair("ETH", "USDT")}, pairs)
}

func TestHistoricalFundingRatesParsesBothTimestampForms(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case prevFundingLinear:
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			fmt.Fprint(w, `{"ret_code":0,"result":{"symbol":"BTCUSDT","funding_rate":0.0001,"funding_rate_timestamp":"2022-01-01T16:00:00.000Z"},"time_now":"1641052800.123456"}`)
		case prevFundingInv:
			fmt.Fprint(w, `{"ret_code":0,"result":{"symbol":"BTCUSD","funding_rate":"0.0002","funding_rate_timestamp":1641024000},"time_now":"1641052800.123456"}`)
		}
	})

	jan1 := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(),
		[]model.Pair{model.NewPair("BTC", "USDT"), model.NewPair("BTC", "USD")}, jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, jan1.Add(8*time.Hour), recs[0].Time)
	assert.Equal(t, model.NewPair("BTC", "USD"), recs[0].Pair)
	assert.InDelta(t, 0.0002, recs[0].Rate, 1e-12)
	assert.Equal(t, jan1.Add(16*time.Hour), recs[1].Time)
}

func TestHistoricalFundingRatesDropsRecordsOutsideWindow(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ret_code":0,"result":{"funding_rate":"0.0001","funding_rate_timestamp":1641024000}}`)
	})
	start := time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC)
	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(),
		[]model.Pair{model.NewPair("BTC", "USD")}, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUnlistedPairIsSkipped(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "NOPEUSDT" {
			fmt.Fprint(w, `{"ret_code":10001,"ret_msg":"Param validation for 'symbol' failed on the 'linear_symbol' tag"}`)
			return
		}
		fmt.Fprint(w, `{"ret_code":0,"result":{"funding_rate":"0.0001","funding_rate_timestamp":1641024000}}`)
	})
	jan1 := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(),
		[]model.Pair{model.NewPair("NOPE", "USDT"), model.NewPair("ETH", "USDT")}, jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ETH", recs[0].Pair.Underlying)
}

func TestNextFundingRatesSignsSortedQuery(t *testing.T) {
	creds := reader.Credentials{APIKey: "key", PrivateKey: "secret"}
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/public/time":
			fmt.Fprint(w, `{"ret_code":0,"result":{},"time_now":"1641052800.500000"}`)
		case predictedLinear:
			raw := r.URL.RawQuery
			i := strings.LastIndex(raw, "&sign=")
			if !assert.Positive(t, i) {
				return
			}
			assert.Equal(t, "api_key=key&symbol=BTCUSDT&timestamp=1641052800500", raw[:i])
			assert.Equal(t, reader.HMACHex("secret", raw[:i]), raw[i+len("&sign="):])
			fmt.Fprint(w, `{"ret_code":0,"result":{"predicted_funding_rate":0.000375,"predicted_funding_fee":0},"time_now":"1641052801.000000"}`)
		}
	})

	recs, err := newTestAdapter(srv, creds).NextFundingRates(context.Background(), []model.Pair{model.NewPair("BTC", "USDT")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, time.Unix(1641052801, 0).UTC(), recs[0].Time)
	assert.InDelta(t, 0.000375, recs[0].Rate, 1e-12)
}

func TestRateLimitedRepliesDoNotSpendRetries(t *testing.T) {
	var calls int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 6 {
			w.Header().Set("Retry-After", "0")
			fmt.Fprint(w, `{"ret_code":10006,"ret_msg":"too many visits!"}`)
			return
		}
		fmt.Fprint(w, `{"ret_code":0,"ret_msg":"OK","result":[{"name":"BTCUSDT","base_currency":"BTC","quote_currency":"USDT"}]}`)
	})
	a := newTestAdapter(srv, reader.Credentials{})
	require.Equal(t, 2, a.exec.Retrier().Attempts())

	pairs, err := a.ListPerpPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Pair{model.NewPair("BTC", "USDT")}, pairs)
	assert.Equal(t, int32(7), atomic.LoadInt32(&calls))
}

func TestThrottledBody(t *testing.T) {
	limited, banned := throttledBody([]byte(`{"ret_code":10006,"ret_msg":"rate limited"}`))
	assert.True(t, limited)
	assert.False(t, banned)
	limited, banned = throttledBody([]byte(`{"ret_code":10001,"ret_msg":"params error"}`))
	assert.False(t, limited || banned)
	limited, _ = throttledBody([]byte(`{"ret_code":0,"ret_msg":"OK"}`))
	assert.False(t, limited)
}

func TestExpiredKeyIsFatal(t *testing.T) {
	var calls int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/public/time" {
			fmt.Fprint(w, `{"ret_code":0,"time_now":"1641052800.0"}`)
			return
		}
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"ret_code":33004,"ret_msg":"api_key expire"}`)
	})
	creds := reader.Credentials{APIKey: "key", PrivateKey: "secret"}
	_, err := newTestAdapter(srv, creds).NextFundingRates(context.Background(), []model.Pair{model.NewPair("BTC", "USD")})
	assert.ErrorIs(t, err, executor.ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMissingCapabilitiesAreEmpty(t *testing.T) {
	a := New(executor.New(model.Bybit), reader.Settings{})
	ctx := context.Background()
	spot, err := a.ListSpotPairs(ctx)
	assert.NoError(t, err)
	assert.Empty(t, spot)
	candles, err := a.HistoricalPrices(ctx, nil, time.Time{}, time.Time{}.Add(time.Hour), time.Hour, model.Spot)
	assert.NoError(t, err)
	assert.Empty(t, candles)
}

func TestParseTime(t *testing.T) {
	for raw, want := range map[string]time.Time{
		`"1620414619.583153"`:        time.UnixMilli(1620414619583).UTC(),
		`1620403200`:                 time.Unix(1620403200, 0).UTC(),
		`"2021-05-07T16:00:00.000Z"`: time.Date(2021, 5, 7, 16, 0, 0, 0, time.UTC),
	} {
		got, err := parseTime(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := parseTime(json.RawMessage(`null`))
	assert.ErrorIs(t, err, executor.ErrTransient)
}
