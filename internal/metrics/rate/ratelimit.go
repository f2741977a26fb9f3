package rate

import (
	"fmt"
	"strings"

	"ratesflow/logger"
)

// ReportRateLimitExceeded emits rate_limit_exceeded for one throttled call.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, ip, operation string) {
	component, fields := limitFields(exchange, symbol, ip, operation)
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan emits ip_ban and logs at error level.
func ReportIPBan(log *logger.Log, exchange, symbol, ip, operation string) {
	component, fields := limitFields(exchange, symbol, ip, operation)
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

func limitFields(exchange, symbol, ip, operation string) (string, logger.Fields) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(operation))
	return component, logger.Fields{
		"exchange":  strings.ToLower(exchange),
		"symbol":    symbol,
		"ip":        ip,
		"operation": strings.ToLower(operation),
	}
}

// limitWording lists the phrases an exchange uses when it throttles. A ban
// matches when every word of one group is present.
type limitWording struct {
	limit   []string
	ban     [][]string
	banOnly bool // a ban message is not also counted as a rate limit
}

var wordings = map[string]limitWording{
	"binance": {
		limit: []string{"too many requests", "too much request weight"},
		ban:   [][]string{{"ip", "banned"}},
	},
	"okx": {
		limit: []string{"too many requests", "frequency limit"},
		ban:   [][]string{{"ip", "blocked"}, {"ip", "ban"}},
	},
	"bybit": {
		limit:   []string{"rate limit", "too many requests", "too many visits"},
		ban:     [][]string{{"ip rate limit"}, {"ip", "ban"}},
		banOnly: true,
	},
	"huobi": {
		limit: []string{"too many request", "api-limit", "frequency"},
		ban:   [][]string{{"ip", "limit", "banned"}},
	},
	"ftx": {
		limit: []string{"do not send more than", "rate limit"},
	},
}

var defaultWording = limitWording{
	limit: []string{"rate limit", "too many requests"},
	ban:   [][]string{{"ip", "ban"}},
}

func containsAll(s string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}

// DetectLimit reports whether an exchange error message signals a rate limit
// or an IP ban.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	w, ok := wordings[strings.ToLower(exchange)]
	if !ok {
		w = defaultWording
	}
	msg = strings.ToLower(msg)
	for _, group := range w.ban {
		if containsAll(msg, group) {
			ipBan = true
			break
		}
	}
	if ipBan && w.banOnly {
		return false, true
	}
	for _, phrase := range w.limit {
		if strings.Contains(msg, phrase) {
			rateLimit = true
			break
		}
	}
	return rateLimit, ipBan
}

// ReportLimitFromMessage records whichever of the two events msg describes.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, ip, operation, msg string) {
	rateLimit, ipBan := DetectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, ip, operation)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, ip, operation)
	}
}
