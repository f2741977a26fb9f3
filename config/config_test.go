package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a config file inside a fresh directory
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `ratesflow:
  name: "TestApp"
  version: "1.0"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Ratesflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Ratesflow.Name)
	}
	if cfg.Report.MaxWorkers != 5 {
		t.Errorf("unexpected max workers: %d", cfg.Report.MaxWorkers)
	}
	if cfg.Storage.Compression != "snappy" {
		t.Errorf("unexpected compression: %s", cfg.Storage.Compression)
	}
	if len(cfg.Exchanges) != 5 {
		t.Fatalf("expected every exchange to get a section, got %d", len(cfg.Exchanges))
	}
	for name, ex := range cfg.Exchanges {
		if !ex.IsEnabled() {
			t.Errorf("%s should default to enabled", name)
		}
	}
}

func TestLoadConfigSections(t *testing.T) {
	content := minimalConfig + `exchanges:
  binance:
    base_urls:
      spot: "http://localhost:9000/"
    rate_limit:
      requests_per_second: 10
      burst_size: 2
    timeout: 5s
  ftx:
    enabled: false
retry:
  delays: [100ms, 200ms]
report:
  max_workers: 3
storage:
  backend: SQL
  sql:
    driver: sqlite3
    dsn: ":memory:"
  compression: gzip
cache:
  redis:
    enabled: true
    addr: "localhost:6379"
    ttl: 10m
metrics:
  listen: ":9100"
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	bn := cfg.Exchanges["binance"]
	if bn.RateLimit.RequestsPerSecond != 10 || bn.RateLimit.BurstSize != 2 {
		t.Errorf("unexpected rate limit: %+v", bn.RateLimit)
	}
	if bn.Timeout != 5*time.Second {
		t.Errorf("unexpected timeout: %s", bn.Timeout)
	}
	if got := bn.Settings().URL("spot", "fallback"); got != "http://localhost:9000" {
		t.Errorf("unexpected spot url: %s", got)
	}
	if cfg.Exchanges["ftx"].IsEnabled() {
		t.Errorf("ftx should be disabled")
	}
	if cfg.Storage.Backend != "sql" {
		t.Errorf("backend should be normalised, got %s", cfg.Storage.Backend)
	}
	if cfg.Cache.Redis.TTL != 10*time.Minute {
		t.Errorf("unexpected ttl: %s", cfg.Cache.Redis.TTL)
	}
	if d := cfg.Retry.RetryDelays(); len(d) != 2 || d[1] != 200*time.Millisecond {
		t.Errorf("unexpected delays: %v", d)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("OKX_API_KEY", " key ")
	t.Setenv("OKX_PRIVATE_KEY", "secret")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("S3_BUCKET", "rates-bucket")
	t.Setenv("AWS_REGION", "eu-west-1")

	content := minimalConfig + `storage:
  backend: s3
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	creds := cfg.Exchanges["okx"].Settings().Credentials
	if creds.APIKey != "key" || creds.PrivateKey != "secret" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if !cfg.Cache.Redis.Enabled || cfg.Cache.Redis.Addr != "cache:6379" {
		t.Errorf("redis should be enabled from REDIS_ADDR: %+v", cfg.Cache.Redis)
	}
	if cfg.Storage.S3.Bucket != "rates-bucket" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("unexpected s3 section: %+v", cfg.Storage.S3)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":       "ratesflow:\n  version: \"1\"\n",
		"unknown exchange":   minimalConfig + "exchanges:\n  kraken: {}\n",
		"negative rate":      minimalConfig + "exchanges:\n  okx:\n    rate_limit:\n      requests_per_second: -1\n",
		"zero workers":       minimalConfig + "report:\n  max_workers: 0\n",
		"bad compression":    minimalConfig + "storage:\n  compression: lz4\n",
		"bad backend":        minimalConfig + "storage:\n  backend: gcs\n",
		"bad driver":         minimalConfig + "storage:\n  backend: sql\n  sql:\n    driver: mysql\n    dsn: x\n",
		"s3 without bucket":  minimalConfig + "storage:\n  backend: s3\n  s3:\n    region: us-east-1\n",
		"redis without addr": minimalConfig + "cache:\n  redis:\n    enabled: true\n",
	}
	for name, content := range cases {
		if _, err := LoadConfig(writeTempConfig(t, content)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestRetryDelaysFromMaxAttempts(t *testing.T) {
	if d := (RetryConfig{MaxAttempts: 1}).RetryDelays(); d == nil || len(d) != 0 {
		t.Errorf("one attempt should mean no delays, got %v", d)
	}
	d := (RetryConfig{MaxAttempts: 7}).RetryDelays()
	if len(d) != 6 {
		t.Fatalf("expected 6 delays, got %d", len(d))
	}
	if d[5] != d[3] {
		t.Errorf("extra delays should repeat the last pause: %v", d)
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	staging := filepath.Join(dir, "config.staging.yml")
	if err := os.WriteFile(staging, []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "stag")
	if got := ResolvePath("", def); got != staging {
		t.Errorf("expected staging file, got %s", got)
	}
	if got := ResolvePath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}

	t.Setenv("APP_ENV", "production")
	if got := ResolvePath(def, def); got != def {
		t.Errorf("missing env file should fall back, got %s", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Errorf("production should be production-like")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
