package beanbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// defaultLogWriter is where every component logs. Tests swap it out.
var defaultLogWriter io.Writer = os.Stdout

// newLogger returns a logger named name, whose level follows level.
// Passing a *slog.LevelVar lets the level change while the bot runs.
func newLogger(level slog.Leveler, name string) *slog.Logger {
	h := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
	return slog.New(h).With(loggerNameKey, name)
}

type loggerCtxKey struct{}

func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// loggerFrom returns the logger attached to ctx, or fallback
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// discordgoLogger adapts logger to the signature of discordgo.Logger.
// The session logs everything, leaving the filtering to logger's level.
func discordgoLogger(logger *slog.Logger) func(msgL, caller int, format string, a ...any) {
	return func(msgL, _ int, format string, a ...any) {
		var level slog.Level
		switch msgL {
		case discordgo.LogError:
			level = slog.LevelError
		case discordgo.LogWarning:
			level = slog.LevelWarn
		case discordgo.LogInformational:
			level = slog.LevelInfo
		default:
			level = slog.LevelDebug
		}
		ctx := context.Background()
		if !logger.Enabled(ctx, level) {
			return
		}
		msg := strings.TrimSpace(fmt.Sprintf(format, a...))
		logger.Log(ctx, level, msg)
	}
}

// gormLogger sends gorm's logs to slog. Queries are logged at debug,
// unless they fail or take longer than slow.
type gormLogger struct {
	log  *slog.Logger
	slow time.Duration
}

// LogMode is a no-op, levels come from the slog handler
func (g gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g gormLogger) Info(ctx context.Context, msg string, args ...any) {
	g.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Error(ctx context.Context, msg string, args ...any) {
	g.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (g gormLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (string, int64),
	err error,
) {
	took := time.Since(begin)
	query, rows := fc()
	attrs := []any{"took", took, "rows", rows, "query", query}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		g.log.ErrorContext(ctx, "query failed", append(attrs, tint.Err(err))...)
		return
	}
	if g.slow > 0 && took > g.slow {
		g.log.WarnContext(ctx, "slow query", append(attrs, "threshold", g.slow)...)
		return
	}
	g.log.DebugContext(ctx, "query", attrs...)
}
