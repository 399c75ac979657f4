package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shrink.log")

	log, err := NewLogger(LoggerConfig{
		Level:    "debug",
		FilePath: path,
		MaxSize:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	WithFileOperation(log, "/photos/a.jpg", "recompress").Info("Final size 99.00 KB")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "Final size 99.00 KB", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "/photos/a.jpg", entry["file"])
	assert.Equal(t, "recompress", entry["operation"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerAcceptsUppercaseLevel(t *testing.T) {
	log, err := NewLogger(LoggerConfig{Level: "WARN", Text: true})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
