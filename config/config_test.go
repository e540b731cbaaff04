package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ferry.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var config Config
	require.NoError(t, v.Unmarshal(&config))

	assert.Equal(t, "rclone", config.Transfer.ExePath)
	assert.Equal(t, 8, config.Transfer.Transfers)
	assert.Equal(t, 8, config.Transfer.Checkers)
	assert.Equal(t, 3, config.Transfer.Retries)
	assert.Equal(t, 5, config.Transfer.LowLevelRetries)
	assert.Equal(t, "1s", config.Transfer.StatsInterval)
	assert.Equal(t, "16M", config.Transfer.BufferSize)
	assert.Equal(t, 10, config.Transfer.StopGraceSeconds)
	assert.Equal(t, 24*60, config.Transfer.MaxRuntimeMinutes)
	assert.Equal(t, 300, config.OAuth.SafetyMarginSeconds)
	assert.Equal(t, 200, config.Jobs.LogTailLines)
	assert.Equal(t, 4, config.Jobs.ProgressUpdatesSec)

	// Defaults must pass their own validation
	require.NoError(t, config.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempConfig(t, `
[transfer]
transfers = 4
bucket = "my-exports"

[jobs]
max_concurrent = 5
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	// Overrides apply
	assert.Equal(t, 4, config.Transfer.Transfers)
	assert.Equal(t, "my-exports", config.Transfer.Bucket)
	assert.Equal(t, 5, config.Jobs.MaxConcurrent)

	// Defaults still fill everything else
	assert.Equal(t, 8, config.Transfer.Checkers)
	assert.Equal(t, "rclone", config.Transfer.ExePath)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/ferry.toml")
	assert.Error(t, err)
}

func TestValidateServerPort(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var config Config
	require.NoError(t, v.Unmarshal(&config))

	zero := 0
	config.Server.Port = &zero
	assert.Error(t, config.Validate())

	negative := -1
	config.Server.Port = &negative
	assert.Error(t, config.Validate())

	valid := 9000
	config.Server.Port = &valid
	assert.NoError(t, config.Validate())

	config.Server.Port = nil
	assert.NoError(t, config.Validate())
}

func TestValidateRejectsBadTuning(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var config Config
	require.NoError(t, v.Unmarshal(&config))

	config.Transfer.Transfers = 0
	assert.Error(t, config.Validate())
	config.Transfer.Transfers = 8

	config.Transfer.StopGraceSeconds = 0
	assert.Error(t, config.Validate())
	config.Transfer.StopGraceSeconds = 10

	config.Jobs.MaxConcurrent = 0
	assert.Error(t, config.Validate())
	config.Jobs.MaxConcurrent = 2

	assert.NoError(t, config.Validate())
}

func TestResetClearsCache(t *testing.T) {
	Reset()
	first, err := Load()
	require.NoError(t, err)

	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)

	Reset()
	third, err := Load()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}
