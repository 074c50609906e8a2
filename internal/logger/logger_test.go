package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONToStdout(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(Config{Level: "info", Format: "json", Output: "stdout"}, &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("stage start", zap.String("stage", "psf"), zap.Int("rank", 3))
	require.NoError(t, log.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "stage start", entry["msg"])
	assert.Equal(t, "psf", entry["stage"])
	assert.Equal(t, float64(3), entry["rank"])
	assert.Equal(t, "info", entry["level"])
}

func TestFileOutputPerRank(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Level: "debug", Format: "json", Output: "file", FilePath: filepath.Join(dir, "rank-{rank}.log")}.ForRank(2)
	assert.Equal(t, filepath.Join(dir, "rank-2.log"), cfg.FilePath)

	log, err := New(cfg)
	require.NoError(t, err)
	log.Debug("debug line")
	require.NoError(t, log.Sync())

	b, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "debug line")
}

func TestInvalidConfig(t *testing.T) {
	cases := []Config{
		{Level: "verbose"},
		{Format: "xml"},
		{Output: "syslog"},
		{Output: "file"},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	_, err := New(DefaultConfig())
	assert.NoError(t, err)
}
