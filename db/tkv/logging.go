package tkv

import (
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger
type badgerLoggerAdapter struct {
	slogger *slog.Logger
}

func (b *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	b.slogger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	b.slogger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	b.slogger.Info(fmt.Sprintf(format, args...))
}

func (b *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	b.slogger.Debug(fmt.Sprintf(format, args...))
}

func newLogger(slogger *slog.Logger) badger.Logger {
	return &badgerLoggerAdapter{slogger: slogger}
}

// withBadgerLevel applies the badger logging level matching the slog level.
// badger's level type is unexported, so it is set here rather than returned.
func withBadgerLevel(opts badger.Options, level slog.Level) badger.Options {
	switch {
	case level <= slog.LevelDebug:
		return opts.WithLoggingLevel(badger.DEBUG)
	case level <= slog.LevelInfo:
		return opts.WithLoggingLevel(badger.INFO)
	case level <= slog.LevelWarn:
		return opts.WithLoggingLevel(badger.WARNING)
	default:
		return opts.WithLoggingLevel(badger.ERROR)
	}
}
