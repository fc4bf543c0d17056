package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dushixiang/sentinel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sentinel.log")
	log, err := New(config.LogConfig{Level: "debug", Filename: file, MaxSize: 1})
	require.NoError(t, err)

	log.Info("monitor started")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "monitor started")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
