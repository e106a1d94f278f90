// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set("browser.base_url", "https://marketplace.example")
	return v
}

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	assert.Equal(t, 5, cfg.Engine.ConcurrencyLimit)
	assert.Equal(t, 5*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 2, cfg.Script.MaxReplyRetries)
	assert.Equal(t, "marketbot", cfg.Logger.ServiceName)
	assert.True(t, cfg.Browser.Headless)
	assert.True(t, cfg.Evidence.Enabled)
}

func TestNewConfigFromViper(t *testing.T) {
	t.Parallel()

	t.Run("valid configuration loads", func(t *testing.T) {
		t.Parallel()
		v := newValidViper()
		v.Set("engine.concurrency_limit", 2)
		v.Set("poller.interval", "250ms")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Engine.ConcurrencyLimit)
		assert.Equal(t, 250*time.Millisecond, cfg.Poller.Interval)
	})

	t.Run("missing base url fails validation", func(t *testing.T) {
		t.Parallel()
		v := viper.New()
		SetDefaults(v)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base_url")
	})

	t.Run("zero concurrency fails validation", func(t *testing.T) {
		t.Parallel()
		v := newValidViper()
		v.Set("engine.concurrency_limit", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "concurrency_limit")
	})

	t.Run("negative reply retries fails validation", func(t *testing.T) {
		t.Parallel()
		v := newValidViper()
		v.Set("script.max_reply_retries", -1)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_reply_retries")
	})

	t.Run("tilde paths are expanded", func(t *testing.T) {
		t.Parallel()
		v := newValidViper()
		v.Set("evidence.dir", "~/marketbot-evidence")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.NotContains(t, cfg.Evidence.Dir, "~")
	})
}
