package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
}

func TestNew(t *testing.T) {
	l := New("warn")
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))

	c := NewFromFormat("debug", "console")
	assert.True(t, c.Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithTransferID(context.Background(), "t-42")
	ctx = WithRequestID(ctx, "r-1")
	cl.Sugared(ctx).Infow("chunk sent", "chunk_index", 3)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "t-42", fields["transfer_id"])
		assert.Equal(t, "r-1", fields["request_id"])
		assert.EqualValues(t, 3, fields["chunk_index"])
	}
	assert.Equal(t, "t-42", TransferID(ctx))
	assert.Equal(t, "", TransferID(context.Background()))
}
