// Package log provides the client's structured logger: a package-level
// zerolog.Logger, level-gated helpers, and per-component child loggers
// for challenge/lifecycle/transport/workspace. Grounded on
// cuemby-warren's pkg/log/log.go, adapted to auto-detect a TTY via
// golang.org/x/term rather than trusting a JSONOutput flag, and to the
// -d/-q debug/quiet flags this CLI exposes instead of a four-way Level
// string (§SPEC_FULL "Logging").
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

// Config controls Init. Debug lowers the level from info to debug; Quiet
// raises it from info to warn; both set is a configuration error the caller
// should catch before calling Init (the CLI layer rejects -d and -q
// together).
type Config struct {
	Debug  bool
	Quiet  bool
	Output io.Writer
}

// Init configures the global Logger. Console (human-readable,
// timestamped) output is used when Output is a terminal; otherwise JSON
// lines, suitable for log aggregation under cron or systemd.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch {
	case cfg.Debug:
		level = zerolog.DebugLevel
	case cfg.Quiet:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if isTerminal(output) {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// WithComponent creates a child logger tagging every entry with the
// producing component (e.g. "challenge", "lifecycle").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Infof(format string, args ...interface{})  { Logger.Info().Msgf(format, args...) }
func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { Logger.Warn().Msgf(format, args...) }
func Errf(format string, args ...interface{})   { Logger.Error().Msgf(format, args...) }
