// Package logging builds the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger per the level/format configuration, mirroring
// the teacher's Loki-compatible JSON-by-default, pretty-for-dev setup.
func New(level, format string) zerolog.Logger {
	var zlevel zerolog.Level
	switch level {
	case "debug":
		zlevel = zerolog.DebugLevel
	case "warn":
		zlevel = zerolog.WarnLevel
	case "error":
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	var out = os.Stdout
	logger := zerolog.New(out).With().Timestamp()
	if format == "pretty" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", "marketfabric").Logger()
	}
	return logger.Str("service", "marketfabric").Logger()
}
