// Package logger holds the process-wide zerolog logger and the child
// loggers the gateway derives from it.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. Until Init runs it writes JSON to stdout at
// info level so configuration errors are still reported.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures level and output. pretty (or ENV=development) switches to
// the console writer.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if pretty || os.Getenv("ENV") == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	SetOutput(out)

	Logger.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// SetOutput replaces the global logger's writer, keeping timestamps and
// caller info.
func SetOutput(w io.Writer) {
	Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

// WithComponent returns a child logger tagged with the owning package.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRequestID returns a child logger for one HTTP request.
func WithRequestID(requestID string) *zerolog.Logger {
	l := Logger.With().Str("request_id", requestID).Logger()
	return &l
}

// WithDevice returns a child logger for one reading as it moves through the
// ingest pipeline.
func WithDevice(component, deviceID, source string) *zerolog.Logger {
	l := Logger.With().
		Str("component", component).
		Str("device_id", deviceID).
		Str("source", source).
		Logger()
	return &l
}
