package rate

import (
	"net/http"
	"strings"

	"ratesflow/logger"
)

// ReportOkxUsedWeight parses OKX rate-limit headers and emits a `used_weight`
// gauge. Both the plain and "X-" prefixed header variants are accepted; when
// several windows are reported the busiest one wins.
func ReportOkxUsedWeight(log *logger.Log, header http.Header, operation string) {
	used, ok := okxUsedWeight(header)
	if !ok {
		return
	}
	log.LogMetric("okx_reader", "used_weight", used, "gauge", logger.Fields{"operation": operation})
}

func okxUsedWeight(header http.Header) (int64, bool) {
	if used := headerInts(header, "Rate-Limit-Used", "X-RateLimit-Used"); len(used) > 0 {
		return maxInt(used), true
	}
	limits := headerInts(header, "Rate-Limit-Limit", "X-RateLimit-Limit")
	remaining := headerInts(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining")
	if len(limits) == 0 || len(remaining) == 0 {
		return 0, false
	}
	var best int64
	for i := 0; i < len(limits) && i < len(remaining); i++ {
		if d := limits[i] - remaining[i]; d > best {
			best = d
		}
	}
	return best, true
}

// headerInts returns the first integer of every comma separated entry.
func headerInts(header http.Header, names ...string) []int64 {
	var out []int64
	for _, name := range names {
		for _, raw := range header.Values(name) {
			for _, part := range strings.Split(raw, ",") {
				if nums := extractInts(part); len(nums) > 0 {
					out = append(out, nums[0])
				}
			}
		}
	}
	return out
}

func maxInt(vs []int64) int64 {
	var m int64
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}
