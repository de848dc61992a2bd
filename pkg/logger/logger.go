// Package logger builds the zerolog root logger components derive their
// scoped loggers from.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. Console output splits info-and-below to
// stdout and errors to stderr; JSON output writes everything to stdout for
// log shippers.
func New(level string, json bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer io.Writer
	if json {
		writer = os.Stdout
	} else {
		writer = zerolog.MultiLevelWriter(
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{
					Out:        os.Stdout,
					TimeFormat: time.RFC3339,
				},
				Levels: []zerolog.Level{
					zerolog.TraceLevel, zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel,
				},
			},
			SpecificLevelWriter{
				Writer: zerolog.ConsoleWriter{
					Out: os.Stderr,
				},
				Levels: []zerolog.Level{
					zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel,
				},
			},
		)
	}

	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
}

// SpecificLevelWriter routes only the listed levels to its writer.
// From https://stackoverflow.com/questions/76858037
type SpecificLevelWriter struct {
	io.Writer
	Levels []zerolog.Level
}

// WriteLevel writes p when the level is in the writer's list.
func (w SpecificLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	for _, l := range w.Levels {
		if l == level {
			return w.Write(p)
		}
	}
	return len(p), nil
}
