package rate

import (
	"net/http"
	"strconv"

	"ratesflow/logger"
)

func firstHeader(header http.Header, names ...string) string {
	for _, n := range names {
		if v := header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// ReportBybitUsedWeight emits used_weight as limit minus remaining from the
// X-Bapi-* headers, or the X-RateLimit-* pair when those are absent.
func ReportBybitUsedWeight(log *logger.Log, header http.Header, operation string) {
	limit, err := strconv.ParseInt(firstHeader(header, "X-Bapi-Limit", "X-RateLimit-Limit"), 10, 64)
	if err != nil {
		return
	}
	remaining, err := strconv.ParseInt(firstHeader(header, "X-Bapi-Limit-Status", "X-RateLimit-Remaining"), 10, 64)
	if err != nil {
		return
	}
	used := max(limit-remaining, 0)
	log.LogMetric("bybit_reader", "used_weight", used, "gauge", logger.Fields{"operation": operation})
}
