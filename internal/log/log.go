// Package log wraps zap with the small set of field helpers the cache
// engine's components use for structured, leveled logging.
package log

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Configure replaces the package-level logger. The package is internal,
// so only code inside this module (such as its tests) can call it.
func Configure(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()

	if l == nil {
		l = zap.NewNop()
	}

	logger = l
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return logger
}

func Debug(_ context.Context, msg string, fields ...zap.Field) { current().Debug(msg, fields...) }
func Info(_ context.Context, msg string, fields ...zap.Field) { current().Info(msg, fields...) }
func Warn(_ context.Context, msg string, fields ...zap.Field) { current().Warn(msg, fields...) }
func Error(_ context.Context, msg string, fields ...zap.Field) { current().Error(msg, fields...) }

// Field helpers, named to match the call sites that use them so log
// statements read the same regardless of which field type is attached.
func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }
func Time(key string, t time.Time) zap.Field { return zap.Time(key, t) }
func Any(key string, val any) zap.Field { return zap.Any(key, val) }
func Cause(err error) zap.Field { return zap.Error(err) }
