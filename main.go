package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ratesflow/config"
	"ratesflow/internal/catalog"
	"ratesflow/internal/executor"
	"ratesflow/internal/interval"
	"ratesflow/internal/metrics"
	"ratesflow/internal/model"
	"ratesflow/internal/report"
	"ratesflow/logger"
	"ratesflow/reader"
	"ratesflow/reader/binance"
	"ratesflow/reader/bybit"
	"ratesflow/reader/ftx"
	"ratesflow/reader/huobi"
	"ratesflow/reader/okx"
	"ratesflow/writer"
)

const defaultConfigPath = "config/config.yml"

// reports maps the -report flag to the data family it produces.
var reports = map[string]model.DataKind{
	"next-funding":    model.KindFunding,
	"funding-history": model.KindFunding,
	"current-borrow":  model.KindBorrow,
	"borrow-history":  model.KindBorrow,
	"prices":          model.KindPrices,
	"pairs":           model.KindCatalog,
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	reportName := flag.String("report", "next-funding", "Report to run: next-funding, funding-history, current-borrow, borrow-history, prices or pairs")
	underlyings := flag.String("underlyings", "", "Comma separated underlyings, e.g. BTC,ETH; empty means every listed pair")
	symbols := flag.String("symbols", "", "Comma separated borrow assets; empty means every borrowable asset")
	startFlag := flag.String("start", "", "Range start, 2006-01-02 or RFC3339")
	endFlag := flag.String("end", "", "Range end, 2006-01-02 or RFC3339")
	intervalFlag := flag.String("interval", "1h", "Candle interval, e.g. 15m, 1h, 1d")
	instrumentFlag := flag.String("instrument", "perp", "spot or perp")
	save := flag.Bool("save", false, "Merge the result into the configured storage backend")
	load := flag.Bool("load", false, "Read the result from the storage backend instead of the exchanges")
	basisFlag := flag.String("funding-basis", "period", "Express funding rates per period, hour or day")
	flag.Parse()

	path := config.ResolvePath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Ratesflow.Name,
		"version":     cfg.Ratesflow.Version,
		"environment": env,
		"config":      path,
	}).Info("starting ratesflow")

	kind, ok := reports[*reportName]
	if !ok {
		log.WithFields(logger.Fields{"report": *reportName}).Error("unknown report")
		os.Exit(2)
	}
	if config.IsProductionLike(env) && cfg.Storage.Backend == "" {
		log.WithFields(logger.Fields{"environment": env}).Error("a storage backend is required outside development")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Ratesflow.Name, cfg.Logging.DashboardName)
	}
	metrics.Init(cfg.Metrics.Listen)
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	q, err := parseQuery(*reportName, *underlyings, *symbols, *startFlag, *endFlag, *intervalFlag, *instrumentFlag)
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		os.Exit(2)
	}

	basis, err := report.ParseFundingBasis(*basisFlag)
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		os.Exit(2)
	}
	if basis != report.BasisPeriod && (*save || *load) {
		log.Error("-save and -load store per-period funding rates; drop -funding-basis")
		os.Exit(2)
	}

	gateway, closeStore, err := buildGateway(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		os.Exit(1)
	}
	defer closeStore()
	if (*save || *load) && gateway == nil {
		log.Error("-save and -load need storage.backend in the configuration")
		os.Exit(2)
	}

	var table model.Table
	if *load {
		loaded, err := gateway.Load(ctx, kind, q.options(), q.start, q.end, q.filter())
		if err != nil {
			log.WithError(err).Error("failed to load shards")
			os.Exit(1)
		}
		if loaded == nil {
			log.WithFields(logger.Fields{"report": *reportName}).Warn("no stored data for the requested range")
			return
		}
		table = *loaded
	} else {
		runner, closeCache := buildRunner(ctx, cfg, basis)
		defer closeCache()
		table, err = q.run(ctx, runner)
		if err != nil {
			log.WithError(err).Error("report failed")
			os.Exit(1)
		}
		if *save && !table.Empty() {
			if err := gateway.Save(ctx, table, kind, q.options()); err != nil {
				log.WithError(err).Error("failed to save report")
				os.Exit(1)
			}
		}
	}

	if err := writeCSV(os.Stdout, table); err != nil {
		log.WithError(err).Error("failed to write output")
		os.Exit(1)
	}
	logger.LogReport(ctx, log)
}

// query holds the parsed report arguments.
type query struct {
	name        string
	underlyings []string
	symbols     []string
	start, end  time.Time
	interval    time.Duration
	instrument  model.Instrument
}

func parseQuery(name, underlyings, symbols, start, end, iv, inst string) (query, error) {
	q := query{name: name, underlyings: splitList(underlyings), symbols: splitList(symbols)}
	var err error
	if q.instrument, err = model.ParseInstrument(inst); err != nil {
		return q, err
	}
	if q.interval, err = interval.Parse(iv); err != nil {
		return q, err
	}
	if start != "" {
		if q.start, err = parseTime(start); err != nil {
			return q, err
		}
	}
	if end != "" {
		if q.end, err = parseTime(end); err != nil {
			return q, err
		}
	}
	return q, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected 2006-01-02 or RFC3339", s)
	}
	return t.UTC(), nil
}

func (q query) options() writer.Options {
	return writer.Options{Instrument: q.instrument, Interval: interval.Name(q.interval)}
}

func (q query) filter() writer.Filter {
	f := writer.Filter{}
	if len(q.underlyings) > 0 {
		f["underlying"] = q.underlyings
	}
	if len(q.symbols) > 0 {
		f["symbol"] = q.symbols
	}
	return f
}

func (q query) run(ctx context.Context, r *report.Runner) (model.Table, error) {
	switch q.name {
	case "next-funding":
		return r.NextFunding(ctx, q.underlyings)
	case "funding-history":
		return r.FundingHistory(ctx, q.underlyings, q.start, q.end)
	case "current-borrow":
		return r.CurrentBorrow(ctx, q.symbols)
	case "borrow-history":
		return r.BorrowHistory(ctx, q.symbols, q.start, q.end)
	case "prices":
		return r.Prices(ctx, q.underlyings, q.start, q.end, q.interval, q.instrument)
	case "pairs":
		return r.AvailablePairs(ctx, q.instrument)
	}
	return model.Table{}, executor.Contractf("unknown report %q", q.name)
}

// buildAdapters creates one executor and adapter per enabled exchange.
func buildAdapters(ctx context.Context, cfg *config.Config) []reader.Adapter {
	log := logger.GetLogger()
	agent := cfg.Ratesflow.Name + "/" + cfg.Ratesflow.Version
	delays := cfg.Retry.RetryDelays()

	var adapters []reader.Adapter
	for _, name := range model.Exchanges {
		ex := cfg.Exchanges[name]
		if !ex.IsEnabled() {
			log.WithExchange(name, "reader").Info("exchange disabled")
			continue
		}
		opts := []executor.Option{
			executor.WithHTTPClient(reader.NewHTTPClient(ex.Pool(), ex.Timeout, ex.LocalIP, agent)),
			executor.WithRetrier(executor.NewRetrier(name, executor.WithDelays(delays))),
		}
		if ex.RateLimit.RequestsPerSecond > 0 {
			opts = append(opts, executor.WithRateLimit(ex.RateLimit.RequestsPerSecond, ex.RateLimit.BurstSize))
		}

		settings := ex.Settings()
		switch name {
		case model.Binance:
			exec := executor.New(name, append(opts, executor.WithPolicy(binance.Policy))...)
			a := binance.New(exec, settings)
			if ex.RateLimit.RequestsPerSecond <= 0 {
				a.TuneRateLimit(ctx)
			}
			adapters = append(adapters, a)
		case model.Bybit:
			adapters = append(adapters, bybit.New(executor.New(name, opts...), settings))
		case model.FTX:
			adapters = append(adapters, ftx.New(executor.New(name, opts...), settings))
		case model.Huobi:
			adapters = append(adapters, huobi.New(executor.New(name, opts...), settings))
		case model.OKX:
			adapters = append(adapters, okx.New(executor.New(name, opts...), settings))
		}
	}
	return adapters
}

func buildRunner(ctx context.Context, cfg *config.Config, basis report.FundingBasis) (*report.Runner, func()) {
	log := logger.GetLogger()
	opts := []report.Option{report.WithWorkers(cfg.Report.MaxWorkers), report.WithFundingBasis(basis)}
	closeCache := func() {}

	if rc := cfg.Cache.Redis; rc.Enabled {
		cache, err := catalog.NewCache(ctx, rc.Addr, rc.Password, rc.DB, rc.TTL)
		if err != nil {
			log.WithComponent("catalog").WithError(err).Warn("catalog cache unavailable; listing pairs on every run")
		} else {
			opts = append(opts, report.WithCatalogCache(cache))
			closeCache = func() { cache.Close() }
		}
	}
	return report.NewRunner(buildAdapters(ctx, cfg), opts...), closeCache
}

// buildGateway opens the configured shard store. It returns a nil gateway
// when persistence is disabled.
func buildGateway(ctx context.Context, cfg *config.Config) (*writer.Gateway, func(), error) {
	noop := func() {}
	sc := cfg.Storage
	switch sc.Backend {
	case "":
		return nil, noop, nil
	case "local":
		store, err := writer.NewLocalStore(sc.Local.Dir)
		if err != nil {
			return nil, noop, err
		}
		return writer.NewGateway(store, sc.Compression), noop, nil
	case "s3":
		store, err := writer.NewS3Store(ctx, writer.S3Config{
			Bucket:          sc.S3.Bucket,
			Prefix:          sc.S3.Prefix,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			PathStyle:       sc.S3.PathStyle,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			Version:         cfg.Ratesflow.Version,
		})
		if err != nil {
			return nil, noop, err
		}
		return writer.NewGateway(store, sc.Compression), noop, nil
	case "sql":
		store, err := writer.NewSQLStore(ctx, sc.SQL.Driver, sc.SQL.DSN)
		if err != nil {
			return nil, noop, err
		}
		return writer.NewGateway(store, sc.Compression), func() { store.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unsupported storage backend %q", sc.Backend)
}

// writeCSV prints t with one header row; missing cells are left empty.
func writeCSV(w io.Writer, t model.Table) error {
	cw := csv.NewWriter(w)
	header := append([]string{"time"}, t.KeyColumns...)
	header = append(header, t.ValueColumns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range t.Rows {
		rec := make([]string, 0, len(header))
		if r.Time.IsZero() {
			rec = append(rec, "")
		} else {
			rec = append(rec, r.Time.UTC().Format(time.RFC3339))
		}
		rec = append(rec, r.Keys...)
		for _, v := range r.Values {
			if model.IsMissing(v) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
