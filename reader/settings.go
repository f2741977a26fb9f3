package reader

import (
	"strings"
	"time"
)

// Settings configures an adapter. Zero values fall back to the adapter's
// public endpoints and the wall clock.
type Settings struct {
	// BaseURLs overrides endpoints by adapter-specific key, e.g. "spot".
	BaseURLs    map[string]string
	Credentials Credentials
	Clock       func() time.Time
}

// URL returns the configured base URL for key without a trailing slash.
func (s Settings) URL(key, fallback string) string {
	if u, ok := s.BaseURLs[key]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return fallback
}

// Now reads the configured clock in UTC.
func (s Settings) Now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}
