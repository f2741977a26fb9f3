package report

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/reader"
)

var jan1 = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// stubAdapter serves canned data. Unset capabilities return empty.
type stubAdapter struct {
	name     string
	perp     []model.Pair
	funding  []model.FundingRate
	assets   []string
	borrow   []model.BorrowRate
	candles  []model.Candle
	err      error
	inFlight *int32
	peak     *int32
	asked    [][]model.Pair
}

func (s *stubAdapter) track() func() {
	if s.inFlight == nil {
		return func() {}
	}
	n := atomic.AddInt32(s.inFlight, 1)
	for {
		p := atomic.LoadInt32(s.peak)
		if n <= p || atomic.CompareAndSwapInt32(s.peak, p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return func() { atomic.AddInt32(s.inFlight, -1) }
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) ServerTime(ctx context.Context) (time.Time, error) { return jan1, nil }
func (s *stubAdapter) ListPerpPairs(ctx context.Context) ([]model.Pair, error) {
	return s.perp, nil
}
func (s *stubAdapter) ListSpotPairs(ctx context.Context) ([]model.Pair, error) { return nil, nil }
func (s *stubAdapter) ListBorrowableAssets(ctx context.Context) ([]string, error) {
	return s.assets, nil
}
func (s *stubAdapter) NextFundingRates(ctx context.Context, pairs []model.Pair) ([]model.FundingRate, error) {
	defer s.track()()
	s.asked = append(s.asked, pairs)
	return s.funding, s.err
}
func (s *stubAdapter) HistoricalFundingRates(ctx context.Context, pairs []model.Pair, start, end time.Time) ([]model.FundingRate, error) {
	s.asked = append(s.asked, pairs)
	return reader.TrimFunding(s.funding, start, end), s.err
}
func (s *stubAdapter) CurrentBorrowRates(ctx context.Context, assets []string) ([]model.BorrowRate, error) {
	return s.borrow, s.err
}
func (s *stubAdapter) HistoricalBorrowRates(ctx context.Context, assets []string, start, end time.Time) ([]model.BorrowRate, error) {
	return s.borrow, s.err
}
func (s *stubAdapter) HistoricalPrices(ctx context.Context, pairs []model.Pair, start, end time.Time, d time.Duration, inst model.Instrument) ([]model.Candle, error) {
	return s.candles, s.err
}

var (
	btcUSDT = model.NewPair("BTC", "USDT")
	ethUSDT = model.NewPair("ETH", "USDT")
)

func TestFundingHistoryExampleScenario(t *testing.T) {
	var recs []model.FundingRate
	for h := 0; h <= 24; h += 8 {
		recs = append(recs, model.FundingRate{Exchange: "binance", Time: jan1.Add(time.Duration(h) * time.Hour), Pair: btcUSDT, Rate: 0.0001})
	}
	bin := &stubAdapter{name: "binance", perp: []model.Pair{btcUSDT}, funding: recs}
	r := NewRunner([]reader.Adapter{bin})

	out, err := r.FundingHistory(context.Background(), []string{"BTC"}, jan1, jan1.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"binance"}, out.ValueColumns)
	require.Len(t, out.Rows, 3)
	for i, row := range out.Rows {
		assert.Equal(t, jan1.Add(time.Duration(i)*8*time.Hour), row.Time)
	}
	_, found := out.Find(jan1.Add(24*time.Hour), "BTC", "USDT")
	assert.False(t, found)
}

func TestFailingExchangeBecomesMissingColumn(t *testing.T) {
	bin := &stubAdapter{name: "binance", perp: []model.Pair{btcUSDT}, funding: []model.FundingRate{
		{Exchange: "binance", Time: jan1, Pair: btcUSDT, Rate: 0.0001},
	}}
	okx := &stubAdapter{name: "okx", perp: []model.Pair{btcUSDT}, err: executor.ErrUnavailable}
	r := NewRunner([]reader.Adapter{okx, bin})

	out, err := r.NextFunding(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "okx"}, out.ValueColumns)
	require.Len(t, out.Rows, 1)
	_, ok := out.Value(out.Rows[0], "okx")
	assert.False(t, ok)
	v, ok := out.Value(out.Rows[0], "binance")
	assert.True(t, ok)
	assert.Equal(t, 0.0001, v)
}

func TestNextFundingAsksOnlyListedPairs(t *testing.T) {
	bin := &stubAdapter{name: "binance", perp: []model.Pair{btcUSDT, ethUSDT}}
	ftx := &stubAdapter{name: "ftx", perp: []model.Pair{model.NewPair("BTC", "USD")}}
	r := NewRunner([]reader.Adapter{bin, ftx})

	_, err := r.NextFunding(context.Background(), []string{"ETH"})
	require.NoError(t, err)
	require.Len(t, bin.asked, 1)
	assert.Equal(t, []model.Pair{ethUSDT}, bin.asked[0])
	assert.Empty(t, ftx.asked)
}

func TestFanOutIsBounded(t *testing.T) {
	var inFlight, peak int32
	var adapters []reader.Adapter
	for _, name := range model.Exchanges {
		adapters = append(adapters, &stubAdapter{name: name, perp: []model.Pair{btcUSDT}, inFlight: &inFlight, peak: &peak})
	}
	r := NewRunner(adapters, WithWorkers(2))
	out, err := r.NextFunding(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, out.ValueColumns, len(model.Exchanges))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestCurrentBorrowFiltersToLendableAssets(t *testing.T) {
	bin := &stubAdapter{name: "binance", assets: []string{"BTC", "ETH"}, borrow: []model.BorrowRate{
		{Exchange: "binance", Time: jan1, Symbol: "BTC", Rate: 0.0002},
	}}
	bybit := &stubAdapter{name: "bybit"}
	r := NewRunner([]reader.Adapter{bin, bybit})

	out, err := r.CurrentBorrow(context.Background(), []string{"btc"})
	require.NoError(t, err)
	assert.Equal(t, model.SymbolKeys, out.KeyColumns)
	assert.Equal(t, []string{"binance", "bybit"}, out.ValueColumns)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, []string{"BTC"}, out.Rows[0].Keys)
}

func TestPricesRejectsBadIntervalBeforeCalls(t *testing.T) {
	bin := &stubAdapter{name: "binance", err: errors.New("must not be called")}
	r := NewRunner([]reader.Adapter{bin})
	_, err := r.Prices(context.Background(), nil, jan1, jan1.Add(time.Hour), 0, model.Perp)
	assert.ErrorIs(t, err, executor.ErrContract)
	_, err = r.FundingHistory(context.Background(), nil, jan1, jan1)
	assert.ErrorIs(t, err, executor.ErrContract)
}

func TestPricesUsesWideColumns(t *testing.T) {
	hb := &stubAdapter{name: "huobi", perp: []model.Pair{btcUSDT}, candles: []model.Candle{
		{Exchange: "huobi", Instrument: model.Perp, Time: jan1, Pair: btcUSDT, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 3},
	}}
	r := NewRunner([]reader.Adapter{hb})
	out, err := r.Prices(context.Background(), nil, jan1, jan1.Add(time.Hour), time.Hour, model.Perp)
	require.NoError(t, err)
	v, ok := out.Value(out.Rows[0], "close_huobi")
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
}

func TestAvailablePairs(t *testing.T) {
	r := NewRunner([]reader.Adapter{
		&stubAdapter{name: "binance", perp: []model.Pair{btcUSDT, ethUSDT}},
		&stubAdapter{name: "okx", perp: []model.Pair{btcUSDT}},
	})
	out, err := r.AvailablePairs(context.Background(), model.Perp)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "okx"}, out.ValueColumns)
	row, ok := out.Find(time.Time{}, "ETH", "USDT")
	require.True(t, ok)
	_, listed := out.Value(row, "okx")
	assert.False(t, listed)
}

func TestCanceledContextAbortsReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner([]reader.Adapter{&stubAdapter{name: "binance"}})
	_, err := r.CurrentBorrow(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFundingBasisScalesPerExchange(t *testing.T) {
	bin := &stubAdapter{name: "binance", perp: []model.Pair{btcUSDT}, funding: []model.FundingRate{
		{Exchange: "binance", Time: jan1, Pair: btcUSDT, Rate: 0.0001},
	}}
	ftx := &stubAdapter{name: "ftx", perp: []model.Pair{btcUSDT}, funding: []model.FundingRate{
		{Exchange: "ftx", Time: jan1, Pair: btcUSDT, Rate: 0.00001},
	}}
	r := NewRunner([]reader.Adapter{bin, ftx}, WithFundingBasis(BasisDay))

	out, err := r.NextFunding(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	v, _ := out.Value(out.Rows[0], "binance")
	assert.InDelta(t, 0.0003, v, 1e-12)
	v, _ = out.Value(out.Rows[0], "ftx")
	assert.InDelta(t, 0.00024, v, 1e-12)
}

func TestParseFundingBasis(t *testing.T) {
	b, err := ParseFundingBasis("")
	require.NoError(t, err)
	assert.Equal(t, BasisPeriod, b)
	b, err = ParseFundingBasis("Hour")
	require.NoError(t, err)
	assert.Equal(t, BasisHour, b)
	_, err = ParseFundingBasis("week")
	assert.Error(t, err)
}
