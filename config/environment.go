package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Deployment environments selected through APP_ENV.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

var envAliases = map[string]string{
	"dev":   EnvironmentDevelopment,
	"stag":  EnvironmentStaging,
	"stage": EnvironmentStaging,
	"prod":  EnvironmentProduction,
}

// AppEnvironment returns APP_ENV lowercased with aliases expanded, or
// development when unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return EnvironmentDevelopment
	}
	if full, ok := envAliases[env]; ok {
		return full
	}
	return env
}

// ResolvePath returns config.<env>.yml next to defaultPath when no explicit
// path was given and that file exists.
func ResolvePath(path, defaultPath string) string {
	if path != "" && path != defaultPath {
		return path
	}
	ext := filepath.Ext(defaultPath)
	candidate := strings.TrimSuffix(defaultPath, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return defaultPath
}

// IsProductionLike reports whether env must run with a storage backend.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}
