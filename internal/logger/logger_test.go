package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/env"
	"github.com/ekisa-team/deployrt/internal/envvar"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(env.Production, WithOutput(&buf))

	log.Debug("hidden")
	log.Info("Backend loaded", "backend", "onnxruntime")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Backend loaded", rec["msg"])
	assert.Equal(t, "onnxruntime", rec["backend"])
}

func TestNew_DevelopmentConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "deployrt.log")
	log := New(env.Development, WithOutput(&buf), WithLogToFile(true), WithLogFile(path))

	log.With("run", "01J").Debug("Batch done", "index", 3)

	assert.Contains(t, buf.String(), "Batch done")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run":"01J"`)
}

func TestNew_LevelOverride(t *testing.T) {
	t.Setenv(envvar.DeployrtLogLevel, "error")
	var buf bytes.Buffer
	log := New(env.Development, WithOutput(&buf))

	log.Warn("dropped")
	assert.Empty(t, buf.String())
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
}
