// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alitoori/marketbot/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (s *syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console format writes named colorized lines", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "marketbot-test",
			Colors:      config.ColorConfig{Info: "cyan"},
		}, zapcore.Lock(buf))

		GetLogger().Info("session started", zap.String("identity", "bot-1"))

		out := buf.String()
		assert.Contains(t, out, "marketbot-test.")
		assert.Contains(t, out, "session started")
		assert.Contains(t, out, "bot-1")
	})

	t.Run("json format produces structured output", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "marketbot-test",
		}, zapcore.Lock(buf))

		GetLogger().Info("poll complete", zap.Int("new_messages", 3))

		out := buf.String()
		assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "expected JSON output, got: %s", out)
		assert.Contains(t, out, `"new_messages":3`)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "shouting", Format: "json", ServiceName: "t"}, zapcore.Lock(buf))

		GetLogger().Debug("hidden")
		GetLogger().Info("visible")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "visible")
	})
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger, "fallback logger must always be available")
}

func TestInitializedReflectsLoggerState(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.False(t, Initialized(), "no logger configured yet")

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "t"}, zapcore.Lock(buf))

	assert.True(t, Initialized())
}
