package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	slept []time.Duration
	c     chan time.Time
}

func (f *fakeTimer) Start(d time.Duration) {
	f.slept = append(f.slept, d)
	f.c = make(chan time.Time, 1)
	f.c <- time.Now()
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

func (f *fakeTimer) total() time.Duration {
	var sum time.Duration
	for _, d := range f.slept {
		sum += d
	}
	return sum
}

func TestRetrySucceedsOnFifthAttempt(t *testing.T) {
	timer := &fakeTimer{}
	r := NewRetrier("binance", WithTimer(timer))

	calls := 0
	got, err := Retry(context.Background(), r, "funding_history", func() (string, error) {
		calls++
		if calls < 5 {
			return "", Transientf("attempt %d", calls)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second, 2 * time.Second}, timer.slept)
	assert.Equal(t, 5*time.Second, timer.total())
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	timer := &fakeTimer{}
	r := NewRetrier("okx", WithTimer(timer))

	calls := 0
	last := errors.New("boom 5")
	err := r.Do(context.Background(), "instruments", func() error {
		calls++
		if calls == 5 {
			return last
		}
		return Transientf("attempt %d", calls)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 5, calls)
	assert.Equal(t, r.Attempts(), calls)
	assert.Len(t, timer.slept, 4, "no sleep after the final attempt")
	assert.Equal(t, 5*time.Second, timer.total())
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	for name, perm := range map[string]error{
		"absent":   Absent("okx", "51000", "Instrument ID does not exist"),
		"auth":     Auth("bybit", "33004", "api_key expire"),
		"contract": Contractf("bad interval"),
	} {
		t.Run(name, func(t *testing.T) {
			timer := &fakeTimer{}
			r := NewRetrier("test", WithTimer(timer))
			calls := 0
			err := r.Do(context.Background(), "op", func() error {
				calls++
				return perm
			})
			assert.Equal(t, 1, calls)
			assert.Empty(t, timer.slept)
			assert.NotErrorIs(t, err, ErrUnavailable)
			assert.Equal(t, perm, err)
		})
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier("ftx", WithTimer(&fakeTimer{}))
	calls := 0
	err := r.Do(ctx, "op", func() error {
		calls++
		cancel()
		return Transientf("network")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func createMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteWaitsOutRateLimits(t *testing.T) {
	var hits int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"ok":true}`))
	})

	var waits []time.Duration
	e := New("binance",
		WithRateLimit(0, 0),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)
	resp, err := e.Execute(context.Background(), Request{
		URL:       srv.URL + "/fapi/v1/fundingRate",
		Params:    map[string][]string{"symbol": {"BTCUSDT"}},
		Operation: "funding_history",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, waits)

	var body struct{ OK bool }
	require.NoError(t, resp.Decode(&body))
	assert.True(t, body.OK)
}

func TestExecuteBanStatusKeepsWaiting(t *testing.T) {
	var hits int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(`[]`))
	})

	var waits []time.Duration
	e := New("binance",
		WithRateLimit(0, 0),
		WithPolicy(Policy{RateLimited: []int{429}, Banned: []int{418}, DefaultWait: time.Second}),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)
	resp, err := e.Execute(context.Background(), Request{URL: srv.URL, Operation: "klines"})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, []time.Duration{2 * time.Minute}, waits)
}

func TestExecuteDetectsRateLimitMessages(t *testing.T) {
	var hits int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"ret_code":10006,"ret_msg":"too many visits!"}`))
			return
		}
		w.Write([]byte(`{}`))
	})
	var waits []time.Duration
	e := New("bybit", WithRateLimit(0, 0), WithSleeper(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	_, err := e.Execute(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, waits)
}

func TestExecuteWaitsOutThrottledEnvelopes(t *testing.T) {
	var hits int32
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 8 {
			w.Write([]byte(`{"throttled":true}`))
			return
		}
		w.Write([]byte(`{"throttled":false}`))
	})
	var waits int
	e := New("bybit", WithRateLimit(0, 0), WithSleeper(func(ctx context.Context, d time.Duration) error {
		waits++
		return nil
	}))
	e.SetBodyCheck(func(body []byte) (bool, bool) {
		return strings.Contains(string(body), `"throttled":true`), false
	})

	err := e.Retrier().Do(context.Background(), "op", func() error {
		_, err := e.Execute(context.Background(), Request{URL: srv.URL})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 8, waits)
	assert.EqualValues(t, 9, atomic.LoadInt32(&hits))
}

func TestExecuteClassifiesStatuses(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	})
	e := New("binance", WithRateLimit(0, 0))

	_, err := e.Execute(context.Background(), Request{URL: srv.URL + "/down"})
	assert.ErrorIs(t, err, ErrTransient)

	resp, err := e.Execute(context.Background(), Request{URL: srv.URL + "/bad"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestExecuteSendsRawQueryVerbatim(t *testing.T) {
	srv := createMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "timestamp=1&asset=BTC&signature=abc", r.URL.RawQuery)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		w.Write([]byte(`{}`))
	})
	e := New("binance", WithRateLimit(0, 0))
	_, err := e.Execute(context.Background(), Request{
		URL:      srv.URL,
		RawQuery: "timestamp=1&asset=BTC&signature=abc",
		Headers:  http.Header{"X-Mbx-Apikey": {"key"}},
		Signed:   true,
	})
	require.NoError(t, err)
}

func TestDecodeMalformedBodyIsTransient(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte(`{not json`)}
	var v map[string]interface{}
	assert.ErrorIs(t, resp.Decode(&v), ErrTransient)
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Second, retryAfter(h, time.Second))
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, retryAfter(h, time.Second))
	h.Set("Retry-After", "soon")
	assert.Equal(t, time.Second, retryAfter(h, time.Second))
}
