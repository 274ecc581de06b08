package logger

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogrusAdapterMapsFields(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	l := NewLogrus(base)

	l.Warn("remap after commit failed", "error", errors.New("boom"), "lsn", uint64(42))

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "remap after commit failed", entry.Message)
	assert.Equal(t, "boom", entry.Data["error"])
	assert.Equal(t, uint64(42), entry.Data["lsn"])
}

func TestLogrusAdapterLevels(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	l := NewLogrus(base)

	l.Info("checkpoint complete")
	l.Error("commit failed")

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.InfoLevel, hook.Entries[0].Level)
	assert.Equal(t, logrus.ErrorLevel, hook.Entries[1].Level)
}

func TestZapAdapterMapsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZap(zap.New(core))

	l.Info("checkpoint complete", "lsn", uint64(7), "entries", uint64(3))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "checkpoint complete", entry.Message)
	fields := entry.ContextMap()
	assert.EqualValues(t, 7, fields["lsn"])
	assert.EqualValues(t, 3, fields["entries"])
}

func TestZapAdapterNamesErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewZap(zap.New(core))

	l.Error("automatic checkpoint failed", "error", errors.New("disk full"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "disk full", fields["error"])
}

func TestFieldsOfToleratesMalformedPairs(t *testing.T) {
	fs := fieldsOf([]any{"lsn", uint64(1), "dangling"})
	require.Len(t, fs, 2)
	assert.Equal(t, "lsn", fs[0].key)
	assert.Equal(t, "arg", fs[1].key)
	assert.Equal(t, "dangling", fs[1].value)

	fs = fieldsOf([]any{42, "value"})
	require.Len(t, fs, 1)
	assert.Equal(t, "42", fs[0].key)
	assert.Equal(t, "value", fs[0].value)
}
