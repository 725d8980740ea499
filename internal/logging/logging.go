// Package logging configures the process-wide structured logger. It
// standardizes on zerolog, the logger used throughout the rest of this
// codebase's call sites (log.Debug().Err(err).Str(...).Msg(...)), rather
// than the logrus-based setup this package originally carried.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger to write JSON lines to stdout
// and, if logPath is non-empty, additionally to that file. levelStr is
// parsed with zerolog.ParseLevel; an empty or invalid value defaults to
// info, matching the LOG_LEVEL env-var fallback this package used to apply
// through logrus.
func Init(logPath, levelStr string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if strings.TrimSpace(logPath) != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			w = io.MultiWriter(os.Stdout, f)
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger().Level(lvl)
}
