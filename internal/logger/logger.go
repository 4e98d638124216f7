// Package logger configures the global zerolog logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Production bool
}

// Init sets log.Logger: JSON at info level in production, a console writer
// with caller information at debug level otherwise.
func Init(opts Options) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if opts.Production {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.InfoLevel)
		return
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Caller().Logger().Level(zerolog.DebugLevel)
}

// ForRequest returns a child of the global logger tagged with requestID.
func ForRequest(requestID string) zerolog.Logger {
	return log.Logger.With().Str("request_id", requestID).Logger()
}
