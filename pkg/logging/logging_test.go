package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		var out bytes.Buffer
		log, closeFn, err := New(Config{Level: "warn", Console: &out})
		require.NoError(t, err)
		defer closeFn()

		log.Info("hidden")
		log.Warn("shown", "key", 42)

		assert.NotContains(t, out.String(), "hidden")
		assert.Contains(t, out.String(), "shown")
		assert.Contains(t, out.String(), "key=42")
	})

	t.Run("json file receives debug records", func(t *testing.T) {
		var out bytes.Buffer
		path := filepath.Join(t.TempDir(), "logs", "dmtrap.json")

		log, closeFn, err := New(Config{Level: "error", File: path, Console: &out})
		require.NoError(t, err)

		Component(log, "hook").Debug("dispatch", "ctx", 7)
		require.NoError(t, closeFn())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"hook"`)
		assert.Contains(t, string(data), `"msg":"dispatch"`)
		assert.Empty(t, out.String())
	})
}

func TestFromViper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmtrap.json")

	v := viper.New()
	v.Set(LevelKey, "debug")
	v.Set(FileKey, path)

	log, closeFn, err := FromViper(v)
	require.NoError(t, err)
	log.Debug("configured")
	require.NoError(t, closeFn())
	assert.FileExists(t, path)

	v.Set(LevelKey, "loud")
	_, _, err = FromViper(v)
	assert.Error(t, err)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
}
