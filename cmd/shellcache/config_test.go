package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	filename := filepath.Join(dir, "shellcache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestConfigDefaults(t *testing.T) {
	config, err := loadConfig(writeConfig(t, t.TempDir(), "version: v1\ndir: ./public\n"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "sqlite", config.Store)
	assert.Equal(t, "/index.html", config.ShellPath)
	assert.Equal(t, 10*time.Second, config.FetchTimeout)
	assert.False(t, config.StrictPrecache)
}

func TestConfigPrecedence(t *testing.T) {
	filename := writeConfig(t, t.TempDir(), `
version: v1
origin: http://localhost:3000
port: 9000
store: bolt
fetchTimeout: 3s
manifest:
  - ./
  - index.html
`)
	t.Setenv("SHELLCACHE_PORT", "9100")
	t.Setenv("SHELLCACHE_STORE", "memory")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := bindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--store", "sqlite", "--skip-waiting"}))

	config, err := loadConfig(filename, fs, flags)
	require.NoError(t, err)
	assert.Equal(t, "v1", config.Version)
	assert.Equal(t, "http://localhost:3000", config.Origin)
	assert.Equal(t, 9100, config.Port)
	assert.Equal(t, "sqlite", config.Store)
	assert.True(t, config.SkipWaiting)
	assert.Equal(t, 3*time.Second, config.FetchTimeout)
	assert.Equal(t, []string{"./", "index.html"}, config.Manifest)
}

func TestConfigEnvManifest(t *testing.T) {
	t.Setenv("SHELLCACHE_VERSION", "v7")
	t.Setenv("SHELLCACHE_DIR", "/srv/app")
	t.Setenv("SHELLCACHE_MANIFEST", "./,app.js")

	config, err := loadConfig("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "v7", config.Version)
	assert.Equal(t, []string{"./", "app.js"}, config.Manifest)
}

func TestConfigValidation(t *testing.T) {
	dir := t.TempDir()
	for _, content := range []string{
		"dir: ./public\n",
		"version: v1\n",
		"version: v1\ndir: ./public\nstore: redis\n",
	} {
		_, err := loadConfig(writeConfig(t, dir, content), nil, nil)
		assert.Error(t, err, content)
	}
	_, err := loadConfig(filepath.Join(dir, "missing.yaml"), nil, nil)
	assert.Error(t, err)
}

func TestNewOrigin(t *testing.T) {
	_, err := newOrigin(Config{Origin: "localhost:3000"})
	assert.Error(t, err)
	_, err = newOrigin(Config{Origin: "http://localhost:3000"})
	assert.NoError(t, err)
	_, err = newOrigin(Config{Dir: t.TempDir()})
	assert.NoError(t, err)
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	filename := writeConfig(t, dir, "version: v1\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	require.NoError(t, watchConfig(ctx, filename, 50*time.Millisecond, func() { reloads.Add(1) }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filename, []byte("version: v2\n"), 0644))
	}
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}
