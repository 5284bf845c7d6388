package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestLogFilePath(t *testing.T) {
	start := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	got := LogFilePath("/var/log/tacsync", "tacsync", start)
	assert.Equal(t, filepath.Join("/var/log/tacsync", "tacsync.20260314_150926.log"), got)
}

func TestSetup_WritesSessionLogFile(t *testing.T) {
	dir := t.TempDir()

	logger, closeLogs := Setup(Options{
		Level:    "debug",
		LogsDir:  dir,
		Callsign: "Alice",
	})
	logger.Info().Msg("hello")
	closeLogs()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "Alice")
}

func TestSetup_SurvivesUnusableLogsDir(t *testing.T) {
	logger, closeLogs := Setup(Options{
		Level:   "info",
		LogsDir: filepath.Join(string([]byte{0}), "nope"),
	})
	defer closeLogs()

	// Console-only fallback still produces a usable logger.
	logger.Info().Msg("still alive")
}
