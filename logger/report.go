package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type exchangeStat struct {
	requests int64
	warns    int64
	errors   int64
}

var (
	shardWrites int64
	shardRows   int64
	exchanges   sync.Map // map[string]*exchangeStat
)

func statFor(exchange string) *exchangeStat {
	v, _ := exchanges.LoadOrStore(exchange, &exchangeStat{})
	return v.(*exchangeStat)
}

var knownExchanges = map[string]bool{"binance": true, "bybit": true, "ftx": true, "huobi": true, "okx": true}

// components are named "<exchange>_<part>"; anything else is not counted.
func exchangeOf(component string) string {
	if i := strings.IndexByte(component, '_'); i > 0 && knownExchanges[component[:i]] {
		return component[:i]
	}
	return ""
}

func recordWarn(component string) {
	if ex := exchangeOf(component); ex != "" {
		atomic.AddInt64(&statFor(ex).warns, 1)
	}
}

func recordError(component string) {
	if ex := exchangeOf(component); ex != "" {
		atomic.AddInt64(&statFor(ex).errors, 1)
	}
}

// IncrementRequest counts one REST call sent to an exchange.
func IncrementRequest(exchange string) {
	atomic.AddInt64(&statFor(exchange).requests, 1)
}

// IncrementShardWrite counts one persisted shard and its rows.
func IncrementShardWrite(rows int) {
	atomic.AddInt64(&shardWrites, 1)
	atomic.AddInt64(&shardRows, int64(rows))
}

// StartReport begins periodic logging of request and error counters.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				LogReport(ctx, log)
			}
		}
	}()
}

// LogReport logs the current counters once and publishes them to CloudWatch.
func LogReport(ctx context.Context, log *Log) {
	perExchange := map[string]map[string]int64{}
	exchanges.Range(func(k, v any) bool {
		es := v.(*exchangeStat)
		perExchange[k.(string)] = map[string]int64{
			"requests": atomic.LoadInt64(&es.requests),
			"warns":    atomic.LoadInt64(&es.warns),
			"errors":   atomic.LoadInt64(&es.errors),
		}
		return true
	})

	writes := atomic.LoadInt64(&shardWrites)
	rows := atomic.LoadInt64(&shardRows)
	log.WithComponent("report").WithFields(Fields{
		"exchanges":    perExchange,
		"shard_writes": writes,
		"shard_rows":   rows,
		"goroutines":   runtime.NumGoroutine(),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("ShardWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(writes))},
		{MetricName: aws.String("ShardRows"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(rows))},
	}
	for name, stats := range perExchange {
		dims := []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Requests"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["requests"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["warns"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["errors"]))},
		)
	}
	publishMetrics(ctx, data)
}
