// Package logger configures the process-wide leveled logging backend shared
// by the daemon and the CLI.
package logger

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

// Console format: HH:MM:SS.mmm| LEVEL  | caller: message.
var format = logging.MustStringFormatter(
	`%{time:15:04:05.000}| %{level:-7s}| %{shortfunc}: %{message}`,
)

// SetupLogging installs a stderr (or syslog) backend for the given module
// and returns its logger. Call once from main before any other package logs.
func SetupLogging(module string, level logging.Level, useSyslog bool) *logging.Logger {
	log := logging.MustGetLogger(module)

	var backend logging.Backend
	if useSyslog {
		if sb, err := logging.NewSyslogBackend(module); err == nil {
			backend = sb
		}
	}
	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}

	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
	return log
}

// ParseLevel maps a BITCHAT_LOG_LEVEL value to a logging level. Unknown
// values fall back to INFO.
func ParseLevel(s string) logging.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logging.DEBUG
	case "info":
		return logging.INFO
	case "warn", "warning":
		return logging.WARNING
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// LevelFromEnv reads BITCHAT_LOG_LEVEL.
func LevelFromEnv() logging.Level {
	return ParseLevel(os.Getenv("BITCHAT_LOG_LEVEL"))
}
