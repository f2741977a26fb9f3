package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(retries.WithLabelValues("okx", "funding_history"))
	IncRetry("okx", "funding_history")
	IncRetry("okx", "funding_history")
	if got := testutil.ToFloat64(retries.WithLabelValues("okx", "funding_history")); got != before+2 {
		t.Fatalf("retries=%v want %v", got, before+2)
	}

	ObserveRequest("binance", "klines", "200", 20*time.Millisecond)
	if got := testutil.ToFloat64(requests.WithLabelValues("binance", "klines", "200")); got < 1 {
		t.Fatalf("requests=%v want >= 1", got)
	}

	IncFailure("ftx", "funding")
	if got := testutil.ToFloat64(failures.WithLabelValues("ftx", "funding")); got < 1 {
		t.Fatalf("failures=%v want >= 1", got)
	}
}

func TestInitIdempotent(t *testing.T) {
	Init("")
	Init("")
}
