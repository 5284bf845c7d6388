// Package logging sets up the process-wide zerolog logger: console plus a
// session log file, with an optional GELF writer when a Graylog endpoint
// is configured.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/rs/zerolog"
)

// Options controls which sinks the logger writes to.
type Options struct {
	Level    string
	LogsDir  string
	Callsign string

	// GraylogAddress enables a GELF sink when non-empty.
	GraylogAddress string
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "TRACE":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogFilePath builds a session log file path using OS-appropriate separators.
func LogFilePath(logsDir, name string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", name, sessionStart.Format("20060102_150405")),
	)
}

// Setup builds the root logger and returns it with a close func for the
// file sink. Sinks that cannot be opened are skipped with a console
// warning rather than failing startup.
func Setup(opts Options) (zerolog.Logger, func()) {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		},
	}
	closer := func() {}

	if opts.LogsDir != "" {
		if err := os.MkdirAll(opts.LogsDir, 0755); err == nil {
			path := LogFilePath(opts.LogsDir, "tacsync", time.Now())
			if file, err := os.Create(path); err == nil {
				writers = append(writers, zerolog.ConsoleWriter{
					Out:        file,
					TimeFormat: time.RFC3339,
					NoColor:    true,
				})
				closer = func() { file.Close() }
			} else {
				fmt.Fprintf(os.Stderr, "log file unavailable: %v\n", err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "logs dir unavailable: %v\n", err)
		}
	}

	if opts.GraylogAddress != "" {
		if gw, err := gelf.NewWriter(opts.GraylogAddress); err == nil {
			writers = append(writers, gw)
		} else {
			fmt.Fprintf(os.Stderr, "graylog unavailable: %v\n", err)
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("callsign", opts.Callsign).
		Logger()

	return logger, closer
}
