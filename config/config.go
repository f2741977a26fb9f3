package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ratesflow/internal/executor"
	"ratesflow/internal/model"
	"ratesflow/reader"
)

type Config struct {
	Ratesflow RatesflowConfig           `yaml:"ratesflow"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Retry     RetryConfig               `yaml:"retry"`
	Report    ReportConfig              `yaml:"report"`
	Storage   StorageConfig             `yaml:"storage"`
	Cache     CacheConfig               `yaml:"cache"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Logging   LoggingConfig             `yaml:"logging"`
}

type RatesflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	// Enabled defaults to true when omitted.
	Enabled        *bool                `yaml:"enabled"`
	BaseURLs       map[string]string    `yaml:"base_urls"`
	APIKey         string               `yaml:"api_key"`
	PrivateKey     string               `yaml:"private_key"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Timeout        time.Duration        `yaml:"timeout"`
	LocalIP        string               `yaml:"local_ip"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Delays      []time.Duration `yaml:"delays"`
}

type ReportConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type StorageConfig struct {
	// Backend is one of local, s3 or sql. Empty disables persistence.
	Backend     string      `yaml:"backend"`
	Local       LocalConfig `yaml:"local"`
	S3          S3Config    `yaml:"s3"`
	SQL         SQLConfig   `yaml:"sql"`
	Compression string      `yaml:"compression"`
}

type LocalConfig struct {
	Dir string `yaml:"dir"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
	// CloudWatch publishes log metrics when set.
	CloudWatch    bool   `yaml:"cloudwatch"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Report: ReportConfig{MaxWorkers: 5},
		Storage: StorageConfig{
			Local:       LocalConfig{Dir: "data"},
			Compression: "snappy",
		},
		Cache:   CacheConfig{Redis: RedisConfig{TTL: time.Hour}},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Exchanges == nil {
		config.Exchanges = make(map[string]ExchangeConfig, len(model.Exchanges))
	}
	for _, name := range model.Exchanges {
		if _, ok := config.Exchanges[name]; !ok {
			config.Exchanges[name] = ExchangeConfig{}
		}
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(config *Config) {
	for name, ex := range config.Exchanges {
		prefix := strings.ToUpper(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_PRIVATE_KEY"); v != "" {
			ex.PrivateKey = strings.TrimSpace(v)
		}
		config.Exchanges[name] = ex
	}

	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.SQL.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Cache.Redis.Addr = strings.TrimSpace(v)
		config.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Redis.Password = v
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.Backend = strings.ToLower(strings.TrimSpace(config.Storage.Backend))
	config.Storage.Compression = strings.ToLower(strings.TrimSpace(config.Storage.Compression))
}

func validateConfig(cfg *Config) error {
	if cfg.Ratesflow.Name == "" {
		return fmt.Errorf("ratesflow.name is required")
	}

	if cfg.Ratesflow.Version == "" {
		return fmt.Errorf("ratesflow.version is required")
	}

	known := make(map[string]bool, len(model.Exchanges))
	for _, name := range model.Exchanges {
		known[name] = true
	}
	for name, ex := range cfg.Exchanges {
		if !known[name] {
			return fmt.Errorf("exchanges.%s is not a supported exchange", name)
		}
		if ex.RateLimit.RequestsPerSecond < 0 || ex.RateLimit.BurstSize < 0 {
			return fmt.Errorf("exchanges.%s.rate_limit must not be negative", name)
		}
		if ex.Timeout < 0 {
			return fmt.Errorf("exchanges.%s.timeout must not be negative", name)
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	for _, d := range cfg.Retry.Delays {
		if d < 0 {
			return fmt.Errorf("retry.delays must not be negative")
		}
	}

	if cfg.Report.MaxWorkers <= 0 {
		return fmt.Errorf("report.max_workers must be greater than 0")
	}

	switch cfg.Storage.Compression {
	case "", "snappy", "gzip", "none":
	default:
		return fmt.Errorf("storage.compression %q is not supported", cfg.Storage.Compression)
	}

	switch cfg.Storage.Backend {
	case "":
	case "local":
		if cfg.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required for the local backend")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required for the s3 backend")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	case "sql":
		switch cfg.Storage.SQL.Driver {
		case "sqlite3", "postgres", "duckdb":
		default:
			return fmt.Errorf("storage.sql.driver %q is not supported", cfg.Storage.SQL.Driver)
		}
		if cfg.Storage.SQL.DSN == "" && cfg.Storage.SQL.Driver != "duckdb" {
			return fmt.Errorf("storage.sql.dsn is required for the sql backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}

	if cfg.Cache.Redis.Enabled && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when the cache is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// IsEnabled reports whether the adapter should be built.
func (e ExchangeConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Settings converts the section into adapter settings.
func (e ExchangeConfig) Settings() reader.Settings {
	return reader.Settings{
		BaseURLs:    e.BaseURLs,
		Credentials: reader.Credentials{APIKey: e.APIKey, PrivateKey: e.PrivateKey},
	}
}

// Pool converts the connection pool section, filling unset sizes.
func (e ExchangeConfig) Pool() reader.Pool {
	p := reader.Pool{
		MaxIdleConns:    e.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: e.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: e.ConnectionPool.IdleConnTimeout,
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 10
	}
	if p.IdleConnTimeout <= 0 {
		p.IdleConnTimeout = 90 * time.Second
	}
	return p
}

// RetryDelays returns the pauses between attempts. Explicit delays win;
// otherwise max_attempts trims or stretches the default schedule, repeating
// its last pause.
func (r RetryConfig) RetryDelays() []time.Duration {
	if len(r.Delays) > 0 {
		return r.Delays
	}
	if r.MaxAttempts <= 0 {
		return executor.DefaultDelays
	}
	out := make([]time.Duration, r.MaxAttempts-1)
	for i := range out {
		if i < len(executor.DefaultDelays) {
			out[i] = executor.DefaultDelays[i]
		} else {
			out[i] = executor.DefaultDelays[len(executor.DefaultDelays)-1]
		}
	}
	return out
}
