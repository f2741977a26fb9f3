package rate

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// extractInts returns all integer substrings contained in s. Any non-digit
// characters are treated as separators.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}

var waitPattern = regexp.MustCompile(`(\d+)\s*(second|minute)`)

// WaitHint reads a wait such as "blocked for 60 seconds" from an exchange
// message. It returns 0 when the message carries no duration.
func WaitHint(msg string) time.Duration {
	m := waitPattern.FindStringSubmatch(strings.ToLower(msg))
	if m == nil {
		return 0
	}
	nums := extractInts(m[1])
	if len(nums) == 0 {
		return 0
	}
	if m[2] == "minute" {
		return time.Duration(nums[0]) * time.Minute
	}
	return time.Duration(nums[0]) * time.Second
}
