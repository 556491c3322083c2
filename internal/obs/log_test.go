package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestUseCoreRoutesAndRestores(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := UseCore(core)

	Info("tunnel.new", Fields{"port": 4000, "owner": "127.0.0.1:5000"})
	Debug("tunnel.notify_failed", nil)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "tunnel.new", entry.Message)
	assert.Equal(t, map[string]any{"port": int64(4000), "owner": "127.0.0.1:5000"}, entry.ContextMap())

	restore()
	Warn("pending.expired", Fields{"id": "x"})
	assert.Equal(t, 1, logs.Len(), "restored logger must not write to the old core")
}

func TestFieldsSortedByKey(t *testing.T) {
	fs := Fields{"b": 1, "a": 2, "c": 3}.zapFields()
	require.Len(t, fs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{fs[0].Key, fs[1].Key, fs[2].Key})
	assert.Nil(t, Fields(nil).zapFields())
}
