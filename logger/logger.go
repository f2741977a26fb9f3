package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields are structured fields attached to an entry.
type Fields map[string]interface{}

// Log is the process logger.
type Log struct {
	*logrus.Logger
}

// Entry is a log line under construction. Warn and Error on an entry tagged
// with an exchange component also bump that exchange's counters.
type Entry struct {
	*logrus.Entry
}

var globalLogger = Logger()

// Logger returns a JSON logger writing to stderr at LOG_LEVEL, or info when
// the variable is unset or unparsable.
func Logger() *Log {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetReportCaller(true)
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	f, _ := newFormatter("json")
	l.SetFormatter(f)
	l.AddHook(&callerHook{})
	return &Log{Logger: l}
}

// GetLogger returns the shared process logger.
func GetLogger() *Log {
	return globalLogger
}

// parseLevel accepts logrus level names plus "report", which logs at info and
// turns on the periodic summary.
func parseLevel(s string) (logrus.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "report":
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(s)
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
			CallerPrettyfier: shortCaller,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		}, nil
	}
	return nil, fmt.Errorf("invalid log format '%s'", format)
}

// newOutput resolves stdout, stderr or a file path. Files are rotated by
// lumberjack when maxAge (days) is positive.
func newOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{Filename: output, MaxAge: maxAge, MaxSize: 100, Compress: true}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return f, nil
}

// Configure applies the logging section of the config. LOG_LEVEL, when set,
// wins over level. Nothing changes if any of the settings is invalid.
func (l *Log) Configure(level, format, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if strings.TrimSpace(level) == "" {
		return fmt.Errorf("log level is required")
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	f, err := newFormatter(format)
	if err != nil {
		return err
	}
	w, err := newOutput(output, maxAge)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	l.SetFormatter(f)
	l.SetOutput(w)
	l.SetReportCaller(true)
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// WithExchange tags entries with the exchange and a "<exchange>_<part>"
// component so warnings and errors are counted per exchange.
func (l *Log) WithExchange(exchange, part string) *Entry {
	return &Entry{Entry: l.Logger.WithFields(exchangeFields(exchange, part))}
}

// LogMetric logs a metric under component and publishes it to CloudWatch.
func (l *Log) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	l.WithComponent(component).LogMetric(component, metric, value, metricType, fields)
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) WithExchange(exchange, part string) *Entry {
	return &Entry{Entry: e.Entry.WithFields(exchangeFields(exchange, part))}
}

func exchangeFields(exchange, part string) logrus.Fields {
	return logrus.Fields{"exchange": exchange, "component": exchange + "_" + part}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data["component"].(string)
	return c
}

func (e *Entry) Warn(args ...interface{}) {
	if c := e.component(); c != "" {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c := e.component(); c != "" {
		recordError(c)
	}
	e.Entry.Error(args...)
}

// LogMetric logs one metric sample and forwards numeric samples to
// CloudWatch. String fields become dimensions.
func (e *Entry) LogMetric(component, metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	line := Fields{"metric": metric, "value": value, "metric_type": metricType}
	for k, v := range fields {
		line[k] = v
	}
	e.WithComponent(component).WithFields(line).Info("metric")

	val, ok := metricValue(value)
	if !ok {
		return
	}
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range fields {
		if s, isStr := v.(string); isStr {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}

func metricValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n.Milliseconds()), true
	}
	return 0, false
}

// LogPerformanceEntry records how long an operation took.
func LogPerformanceEntry(entry *Entry, component, operation string, duration time.Duration, fields Fields) {
	line := Fields{"operation": operation, "duration_ms": float64(duration.Nanoseconds()) / 1e6}
	for k, v := range fields {
		line[k] = v
	}
	entry.WithComponent(component).WithFields(line).Info("performance metric")
}

// LogDataFlowEntry records a batch of rows moving between two stages.
func LogDataFlowEntry(entry *Entry, source, destination string, recordCount int, dataType string) {
	entry.WithFields(Fields{
		"source":       source,
		"destination":  destination,
		"record_count": recordCount,
		"data_type":    dataType,
	}).Info("data flow")
}
