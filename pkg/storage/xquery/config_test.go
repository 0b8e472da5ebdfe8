package xquery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
default:
  stale_after: 10s
  fetch_timeout: 2s
eviction_grace: 30s
gc_interval: 5s
subscriber_buffer: 4
shard_count: 64
classes:
  user:
    stale_after: 1m
    background_interval: 30s
    retry:
      attempts: 3
      delay: 50ms
  feed:
    skip_read_revalidation: true
    breaker:
      consecutive_failures: 5
      open_timeout: 10s
`

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Default.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.EvictionGrace)
	assert.Equal(t, 5*time.Second, cfg.GCInterval)
	assert.Equal(t, 4, cfg.SubscriberBuffer)
	assert.Equal(t, 64, cfg.ShardCount)

	user := cfg.Classes["user"]
	assert.Equal(t, time.Minute, user.StaleAfter)
	assert.Equal(t, 30*time.Second, user.BackgroundInterval)
	assert.Equal(t, 2*time.Second, user.FetchTimeout, "inherited from default")
	assert.Equal(t, uint(3), user.Retry.Attempts)
	assert.Equal(t, 50*time.Millisecond, user.Retry.Delay)

	feed := cfg.Classes["feed"]
	assert.True(t, feed.SkipReadRevalidation)
	assert.Equal(t, 10*time.Second, feed.StaleAfter, "inherited from default")
	assert.Equal(t, uint32(5), feed.Breaker.ConsecutiveFailures)

	assert.Equal(t, user, cfg.Policy(MustKey("user", 1)))
	assert.Equal(t, cfg.Default, cfg.Policy(MustKey("post", 1)))
	assert.Equal(t, cfg.Default, cfg.Policy(MustKey(1)))
}

func TestParseConfig_JSON(t *testing.T) {
	data := []byte(`{"default":{"stale_after":"5s"},"classes":{"user":{"background_interval":"1m"}}}`)
	cfg, err := ParseConfig(data, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Default.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Classes["user"].StaleAfter)
	assert.Equal(t, time.Minute, cfg.Classes["user"].BackgroundInterval)
	assert.Equal(t, DefaultEvictionGrace, cfg.EvictionGrace)
}

func TestParseConfig_EmptyIsDefault(t *testing.T) {
	cfg, err := ParseConfig(nil, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
		want   error
	}{
		{"bad format", "x: 1", Format("toml"), ErrUnsupportedFormat},
		{"bad yaml", "default: [", FormatYAML, ErrParseFailed},
		{"bad duration", "default:\n  stale_after: soon\n", FormatYAML, ErrParseFailed},
		{"negative", "default:\n  stale_after: -1s\n", FormatYAML, ErrInvalidConfig},
		{"negative class", "classes:\n  user:\n    fetch_timeout: -1s\n", FormatYAML, ErrInvalidConfig},
		{"bad shards", "shard_count: 3\n", FormatYAML, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data), tt.format)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Classes, 2)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrLoadFailed)
	_, err = LoadConfig(filepath.Join(dir, "xquery.ini"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestConfig_Validate(t *testing.T) {
	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrInvalidConfig)
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Default.Retry.Delay = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
