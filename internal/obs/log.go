package obs

import (
	"os"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(newLogger(zapcore.Lock(os.Stdout)))
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// UseCore routes all log lines to core until the returned restore func is
// called. Safe to call while other goroutines are logging.
func UseCore(core zapcore.Core) (restore func()) {
	prev := base.Swap(zap.New(core))
	return func() { base.Store(prev) }
}

func newLogger(w zapcore.WriteSyncer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, level))
}

type Fields map[string]any

func (f Fields) zapFields() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { base.Load().Info(msg, f.zapFields()...) }
func Warn(msg string, f Fields)  { base.Load().Warn(msg, f.zapFields()...) }
func Error(msg string, f Fields) { base.Load().Error(msg, f.zapFields()...) }
func Debug(msg string, f Fields) { base.Load().Debug(msg, f.zapFields()...) }

// Sync flushes buffered log entries.
func Sync() { _ = base.Load().Sync() }
