package utils

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func InitLogger(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// SetLogLevel applies a textual level ("debug", "warn", ...); unknown values are ignored.
func SetLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("invalid_level", level).Msg("Invalid log level, keeping current")
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
