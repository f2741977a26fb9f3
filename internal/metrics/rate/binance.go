package rate

import (
	"context"
	"net/http"
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"

	"ratesflow/logger"
)

// FetchRequestWeightLimit returns the per-minute REQUEST_WEIGHT budget from
// futures exchangeInfo, or 0 when none is listed.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// WeightToRate converts a per-minute weight budget into requests per second,
// assuming the heaviest calls cost weight units each and keeping a margin.
func WeightToRate(limit int64, weight int) float64 {
	if limit <= 0 || weight <= 0 {
		return 0
	}
	return float64(limit) / float64(weight) / 60 * 0.8
}

// ReportUsedWeight emits used_weight from the Binance weight headers.
func ReportUsedWeight(log *logger.Log, header http.Header, operation string) {
	used, err := strconv.ParseInt(firstHeader(header, "X-MBX-USED-WEIGHT-1m", "X-SAPI-USED-IP-WEIGHT-1M"), 10, 64)
	if err != nil {
		return
	}
	log.LogMetric("binance_reader", "used_weight", used, "gauge", logger.Fields{"operation": operation})
}
