package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	entry := Logger().WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureRejectsBadSettings(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stderr", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("", "json", "stderr", 0); err == nil {
		t.Fatalf("expected error for empty level")
	}
	if err := log.Configure("debug", "xml", "stderr", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("failed Configure must not change the level, got %s", log.GetLevel())
	}
}

func TestConfigureReportLevelAndEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("report should log at info, got %s", log.GetLevel())
	}

	t.Setenv("LOG_LEVEL", "warn")
	if err := log.Configure("debug", "json", "stderr", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("LOG_LEVEL should win, got %s", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "ratesflow.log")

	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log.WithExchange("bybit", "reader").Info("hello")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, raw)
	}
	if line["message"] != "hello" || line["exchange"] != "bybit" {
		t.Fatalf("unexpected line: %v", line)
	}
	if caller, _ := line["file"].(string); !strings.HasPrefix(caller, "logger_test.go:") {
		t.Fatalf("caller should be the test file, got %q", caller)
	}
}

func TestWithExchange(t *testing.T) {
	entry := Logger().WithExchange("okx", "reader")
	if entry.Entry.Data["component"] != "okx_reader" || entry.Entry.Data["exchange"] != "okx" {
		t.Fatalf("unexpected fields: %v", entry.Entry.Data)
	}
	nested := Logger().WithComponent("runner").WithExchange("ftx", "client")
	if nested.Entry.Data["component"] != "ftx_client" {
		t.Fatalf("exchange component should replace the outer one: %v", nested.Entry.Data)
	}
}

func TestMetricValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{3, 3, true},
		{int64(7), 7, true},
		{float32(0.5), 0.5, true},
		{1.25, 1.25, true},
		{1500 * time.Millisecond, 1500, true},
		{"12", 0, false},
	}
	for _, c := range cases {
		got, ok := metricValue(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("metricValue(%v) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestExchangeCounters(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	before := atomic.LoadInt64(&statFor("huobi").warns)
	log.WithExchange("huobi", "reader").Warn("slow")
	log.WithComponent("s3_writer").Warn("not an exchange")
	if got := atomic.LoadInt64(&statFor("huobi").warns); got != before+1 {
		t.Fatalf("huobi warns=%d want %d", got, before+1)
	}
	if _, ok := exchanges.Load("s3"); ok {
		t.Fatalf("non-exchange component must not be counted")
	}

	IncrementRequest("huobi")
	IncrementShardWrite(10)
	log.LogMetric("huobi_reader", "requests", 1, "", Fields{"exchange": "huobi"})
	LogReport(context.Background(), log)
}
