// Package logging configures the process-wide zerolog writer. Every
// connector and core component logs through package-level log.Logger
// (github.com/rs/zerolog/log) rather than building its own logger, the way
// the teacher repo's internal/log/progress.go centralizes output config.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global zerolog level and writer. pretty selects a
// human-readable console writer (development); otherwise raw JSON lines
// go to w (production/ingestion).
func Configure(w io.Writer, level zerolog.Level, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(level)

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func init() {
	Configure(os.Stderr, zerolog.InfoLevel, true)
}
