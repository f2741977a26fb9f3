package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
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
	exec := executor.New(model.Binance,
		executor.WithRateLimit(0, 0),
		executor.WithPolicy(Policy),
		executor.WithRetrier(executor.NewRetrier(model.Binance, executor.WithDelays([]time.Duration{time.Millisecond}))),
	)
	return New(exec, reader.Settings{
		BaseURLs: map[string]string{
			"spot": srv.URL,
			"usdt": srv.URL + "/fapi",
			"coin": srv.URL + "/dapi",
		},
		Credentials: creds,
		Clock:       func() time.Time { return time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC) },
	})
}

var jan1 = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestListPerpPairsExcludesDatedFutures(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			fmt.Fprint(w, `{"symbols":[
				{"symbol":"BTCUSDT","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"ETHUSDT_210625","contractType":"CURRENT_QUARTER","baseAsset":"ETH","quoteAsset":"USDT"}]}`)
		case "/dapi/v1/exchangeInfo":
			fmt.Fprint(w, `{"symbols":[
				{"symbol":"BTCUSD_PERP","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USD"},
				{"symbol":"BTCUSD_220325","contractType":"NEXT_QUARTER","baseAsset":"BTC","quoteAsset":"USD"}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	pairs, err := newTestAdapter(srv, reader.Credentials{}).ListPerpPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Pair{model.NewPair("BTC", "USDT"), model.NewPair("BTC", "USD")}, pairs)
}

func TestListSpotPairsKeepsTrading(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC"},
			{"symbol":"LUNAUSDT","status":"BREAK","baseAsset":"LUNA","quoteAsset":"USDT"}]}`)
	})
	pairs, err := newTestAdapter(srv, reader.Credentials{}).ListSpotPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Pair{model.NewPair("ETH", "BTC")}, pairs)
}

func TestNextFundingRatesFiltersRequestedPerpetuals(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/premiumIndex":
			fmt.Fprint(w, `[
				{"symbol":"BTCUSDT","lastFundingRate":"0.00010000","nextFundingTime":1641024000000},
				{"symbol":"ETHUSDT_210625","lastFundingRate":"","nextFundingTime":0},
				{"symbol":"SUSHIUSDT","lastFundingRate":"0.00044160","nextFundingTime":1641024000000}]`)
		case "/dapi/v1/premiumIndex":
			fmt.Fprint(w, `[
				{"symbol":"BTCUSD_PERP","pair":"BTCUSD","lastFundingRate":"0.00020000","nextFundingTime":1641024000000},
				{"symbol":"BTCUSD_220325","pair":"BTCUSD","lastFundingRate":"","nextFundingTime":0}]`)
		}
	})

	pairs := []model.Pair{model.NewPair("BTC", "USDT"), model.NewPair("BTC", "USD")}
	recs, err := newTestAdapter(srv, reader.Credentials{}).NextFundingRates(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	next := time.Date(2022, 1, 1, 8, 0, 0, 0, time.UTC)
	for _, r := range recs {
		assert.Equal(t, next, r.Time)
		assert.Equal(t, model.Binance, r.Exchange)
	}
	assert.Equal(t, model.NewPair("BTC", "USD"), recs[0].Pair)
	assert.InDelta(t, 0.0002, recs[0].Rate, 1e-12)
	assert.InDelta(t, 0.0001, recs[1].Rate, 1e-12)
}

func TestHistoricalFundingRatesTrimsToWindow(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/fundingRate", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		fmt.Fprintf(w, `[
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0001"},
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0002"},
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0003"},
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0004"}]`,
			ms(jan1), ms(jan1.Add(8*time.Hour)), ms(jan1.Add(16*time.Hour)), ms(jan1.Add(24*time.Hour)))
	})

	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(),
		[]model.Pair{model.NewPair("BTC", "USDT")}, jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, jan1.Add(time.Duration(i)*8*time.Hour), r.Time)
	}
	assert.InDelta(t, 0.0003, recs[2].Rate, 1e-12)
}

func TestHistoricalFundingRatesCoversRangeInWindows(t *testing.T) {
	var mu sync.Mutex
	var starts, ends []int64
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		s, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		e, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		mu.Lock()
		starts, ends = append(starts, s), append(ends, e)
		mu.Unlock()
		fmt.Fprintf(w, `[{"symbol":"BTCUSD_PERP","fundingTime":%d,"fundingRate":"0.0001"}]`, s)
	})

	window := 8 * time.Hour * 1000
	end := jan1.Add(3 * window)
	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(),
		[]model.Pair{model.NewPair("BTC", "USD")}, jan1, end)
	require.NoError(t, err)

	require.Len(t, starts, 3)
	assert.Equal(t, ms(jan1), starts[0])
	assert.Equal(t, ms(end), ends[2])
	for i := 1; i < len(starts); i++ {
		assert.Equal(t, ends[i-1], starts[i], "windows must be contiguous")
	}
	assert.Len(t, recs, 3)
}

func TestHistoricalFundingRatesSkipsUnlistedPairs(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "NOPEUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
			return
		}
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0001"}]`, ms(jan1))
	})

	pairs := []model.Pair{model.NewPair("NOPE", "USDT"), model.NewPair("BTC", "USDT"), model.NewPair("BTC", "EUR")}
	recs, err := newTestAdapter(srv, reader.Credentials{}).HistoricalFundingRates(context.Background(), pairs, jan1, jan1.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.NewPair("BTC", "USDT"), recs[0].Pair)
}

func TestSignedCallsRequireCredentials(t *testing.T) {
	var hits int
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, `{"serverTime":1641168000000}`)
	})
	_, err := newTestAdapter(srv, reader.Credentials{}).ListBorrowableAssets(context.Background())
	assert.ErrorIs(t, err, executor.ErrAuth)
	assert.Zero(t, hits)
}

func TestHistoricalBorrowRatesSignsQuery(t *testing.T) {
	creds := reader.Credentials{APIKey: "key", PrivateKey: "secret"}
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			fmt.Fprint(w, `{"serverTime":1641168000000}`)
		case "/sapi/v1/margin/interestRateHistory":
			raw := r.URL.RawQuery
			i := strings.LastIndex(raw, "&signature=")
			if !assert.Positive(t, i) {
				return
			}
			assert.Equal(t, reader.HMACHex("secret", raw[:i]), raw[i+len("&signature="):])
			assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
			assert.Equal(t, "1641168000000", r.URL.Query().Get("timestamp"))
			assert.Equal(t, "60000", r.URL.Query().Get("recvWindow"))
			fmt.Fprintf(w, `[
				{"asset":"BTC","dailyInterestRate":"0.00025","timestamp":%d,"vipLevel":0},
				{"asset":"BTC","dailyInterestRate":"0.00020","timestamp":%d,"vipLevel":0}]`,
				ms(jan1.Add(24*time.Hour)), ms(jan1))
		}
	})

	recs, err := newTestAdapter(srv, creds).HistoricalBorrowRates(context.Background(), []string{"btc"}, jan1, jan1.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, jan1, recs[0].Time)
	assert.Equal(t, "BTC", recs[0].Symbol)
	assert.InDelta(t, 0.0002, recs[0].Rate, 1e-12)
}

func TestCurrentBorrowRatesKeepsLatest(t *testing.T) {
	creds := reader.Credentials{APIKey: "key", PrivateKey: "secret"}
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			fmt.Fprint(w, `{"serverTime":1641168000000}`)
			return
		}
		fmt.Fprintf(w, `[
			{"asset":"ETH","dailyInterestRate":"0.0003","timestamp":%d},
			{"asset":"ETH","dailyInterestRate":"0.0002","timestamp":%d}]`,
			ms(jan1.Add(24*time.Hour)), ms(jan1))
	})
	recs, err := newTestAdapter(srv, creds).CurrentBorrowRates(context.Background(), []string{"ETH"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.0003, recs[0].Rate, 1e-12)
}

func TestHistoricalPricesSnapsInterval(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dapi/v1/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "ETHUSD_PERP", r.URL.Query().Get("symbol"))
		fmt.Fprintf(w, `[[%d,"3700.1","3710","3690","3705.5","1234.5",%d,"0",10,"0","0","0"]]`,
			ms(jan1), ms(jan1.Add(time.Hour))-1)
	})

	candles, err := newTestAdapter(srv, reader.Credentials{}).HistoricalPrices(context.Background(),
		[]model.Pair{model.NewPair("ETH", "USD")}, jan1, jan1.Add(2*time.Hour), 50*time.Minute, model.Perp)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	c := candles[0]
	assert.Equal(t, jan1, c.Time)
	assert.Equal(t, model.Perp, c.Instrument)
	assert.InDelta(t, 3705.5, c.Close, 1e-9)
	assert.InDelta(t, 1234.5, c.Volume, 1e-9)
}

func TestHistoricalPricesRejectsBadInterval(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := newTestAdapter(srv, reader.Credentials{}).HistoricalPrices(context.Background(),
		[]model.Pair{model.NewPair("BTC", "USDT")}, jan1, jan1.Add(time.Hour), 0, model.Spot)
	assert.ErrorIs(t, err, executor.ErrContract)
}
