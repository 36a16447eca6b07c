package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"":        INFO,
		" warn ":  WARN,
		"warning": WARN,
		"Error":   ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: WARN, Console: true, Output: &buf})
	require.NoError(t, err)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "logger_test.go:")

	buf.Reset()
	l.SetLevel(DEBUG)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Equal(t, DEBUG, l.Level())
}

func TestLoggerFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "airmesh.log")
	l, err := New(LoggerConfig{Level: INFO, FilePath: path})
	require.NoError(t, err)

	l.Error("disk %s", "full")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[ERROR]")
	assert.Contains(t, string(data), "disk full")
}

func TestLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "airmesh.log")
	l, err := New(LoggerConfig{Level: INFO, FilePath: path, MaxBackups: 2})
	require.NoError(t, err)
	defer l.Close()
	// force rotation on every line
	l.maxSize = 1

	for i := 0; i < 5; i++ {
		l.Info("line %d", i)
	}

	backups, err := filepath.Glob(filepath.Join(dir, "airmesh.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	assert.NotEmpty(t, backups)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDefaultLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(LoggerConfig{Level: INFO, Console: true, Output: &buf})
	require.NoError(t, err)
	SetDefault(l)
	t.Cleanup(func() {
		d, _ := New(DefaultConfig())
		SetDefault(d)
	})

	Debug("quiet")
	require.NoError(t, SetLevel("debug"))
	Debug("loud")
	assert.Error(t, SetLevel("nope"))

	out := buf.String()
	assert.False(t, strings.Contains(out, "quiet"))
	assert.Contains(t, out, "loud")
}
