// Package logging provides structured logging with zap.
//
// Server code logs through a context-scoped logger: the connection
// acceptor tags it with the peer and a connection id, and each stream
// adds its stream id, so every line of one exchange can be grepped out of
// a busy log.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	// base is handed to callers that log directly.
	base *zap.Logger
	// helpers backs the package-level functions and skips their frame.
	helpers *zap.Logger

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

func init() {
	logger, _ := zap.NewProduction()
	set(logger)
}

// Init replaces the global logger.
func Init(cfg Config) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	set(logger)
	return nil
}

func set(logger *zap.Logger) {
	base = logger
	helpers = logger.WithOptions(zap.AddCallerSkip(1))
}

// Sync flushes any buffered log entries.
func Sync() error {
	return base.Sync()
}

// L returns the global logger.
func L() *zap.Logger {
	return base
}

// WithContext returns the logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return logger
	}
	return base
}

// WithFields stores a logger carrying fields in the returned context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, contextKey{}, WithContext(ctx).With(fields...))
}

// WithConn tags ctx with a connection's peer address and id.
func WithConn(ctx context.Context, remote, connID string) context.Context {
	return WithFields(ctx, zap.String("remote", remote), zap.String("conn_id", connID))
}

// WithStream tags ctx with a transport stream id.
func WithStream(ctx context.Context, id int64) context.Context {
	return WithFields(ctx, zap.Int64("stream_id", id))
}

func Debug(msg string, fields ...zap.Field) { helpers.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { helpers.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { helpers.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { helpers.Error(msg, fields...) }

// Fatal logs and exits with status 1.
func Fatal(msg string, fields ...zap.Field) { helpers.Fatal(msg, fields...) }

func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Uint64(key string, val uint64) zap.Field { return zap.Uint64(key, val) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
