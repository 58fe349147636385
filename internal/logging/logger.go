package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnvVar names the variable that sets the log level.
const LevelEnvVar = "EXPLORER_LOG_LEVEL"

// Init initializes the global logger with configuration from environment variables.
// EXPLORER_LOG_LEVEL controls the log level: trace, debug, info, warn, error (default: info).
// Inside Lambda the output stays JSON for CloudWatch; elsewhere it is a console writer.
func Init() {
	SetLevel(os.Getenv(LevelEnvVar))

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// SetLevel sets the global level from a name. Unknown names mean info.
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
