// Package logging adapts zerolog to cns.Logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/cns"
)

// ZerologLogger implements cns.Logger on top of a zerolog.Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ cns.Logger = (*ZerologLogger)(nil)

// New builds a logger writing to stdout. format "console" gives human
// readable output; anything else writes JSON lines.
func New(level, format string) (*ZerologLogger, error) {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) (*ZerologLogger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "cns").Logger()
	return &ZerologLogger{logger: logger}, nil
}

// Zerolog returns the underlying logger.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.logger
}

// Debugf implements cns.Logger.
func (l *ZerologLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Infof implements cns.Logger.
func (l *ZerologLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warnf implements cns.Logger.
func (l *ZerologLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Errorf implements cns.Logger.
func (l *ZerologLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// Info implements cns.Logger.
func (l *ZerologLogger) Info(message string) {
	l.logger.Info().Msg(message)
}
