package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Logger is the process-wide logger. It is usable before Init.
var Logger = slog.Default()
var once sync.Once

// Init builds Logger once. Format is "text" or "json".
func Init(level, format string) {
	once.Do(func() {
		Logger = NewLogger(os.Stderr, level, format)
		slog.SetDefault(Logger)
	})
}

// NewLogger builds a logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		handler := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(lvl),
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		return slog.New(handler)
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WhatsmeowLogger returns a whatsmeow logger at the given level. The library
// logs through zerolog so it gets its own console writer.
func WhatsmeowLogger(module, level string) waLog.Logger {
	zl := zerolog.InfoLevel
	switch ParseLevel(level) {
	case slog.LevelDebug:
		zl = zerolog.DebugLevel
	case slog.LevelWarn:
		zl = zerolog.WarnLevel
	case slog.LevelError:
		zl = zerolog.ErrorLevel
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	return waLog.Zerolog(zerolog.New(out).Level(zl).With().Timestamp().Str("module", module).Logger())
}
