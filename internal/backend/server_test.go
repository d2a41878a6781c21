package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/config"
)

func TestServerArgs(t *testing.T) {
	cfg := config.ServerConfig{Args: []string{"--threads", "2"}, Port: 50071}
	artifact := &Artifact{Paths: []string{"/m/end2end.engine", "/m/deploy.json"}}

	got := ServerArgs(cfg, artifact, Device{Type: DeviceCUDA, Index: 1})
	assert.Equal(t, []string{
		"--threads", "2",
		"--model", "/m/end2end.engine",
		"--model", "/m/deploy.json",
		"--device", "cuda:1",
		"--port", "50071",
	}, got)
	assert.Equal(t, []string{"--threads", "2"}, cfg.Args, "configured args are not modified")
}

func TestServerManager_LaunchErrors(t *testing.T) {
	sm := NewServerManager()
	ctx := context.Background()

	err := sm.Launch(ctx, config.ServerConfig{BinPath: "/nonexistent/bin", Port: 9}, nil, CPU)
	assert.Error(t, err)

	err = sm.Launch(ctx, config.ServerConfig{BinPath: t.TempDir(), Port: 9}, nil, CPU)
	assert.ErrorContains(t, err, "is a directory")

	err = sm.Launch(ctx, config.ServerConfig{BinPath: "/bin/true"}, nil, CPU)
	assert.ErrorContains(t, err, "needs a port")

	assert.False(t, sm.Running(9))
	assert.Error(t, sm.Stop(9))
	sm.StopAll()
}

func TestServerManager_LaunchFailsWhenServerExits(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a shell script")
	}
	bin := filepath.Join(t.TempDir(), "engine-server")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 3\n"), 0o755))

	sm := NewServerManager()
	start := time.Now()
	err := sm.Launch(context.Background(), config.ServerConfig{BinPath: bin, Port: 1, ReadyTimeout: time.Minute}, nil, CPU)
	assert.ErrorContains(t, err, "exited")
	assert.Less(t, time.Since(start), 30*time.Second, "an exited server is not waited on")
	assert.False(t, sm.Running(1))
}

func TestWaitReady(t *testing.T) {
	var ready atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Swap(true) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	alive := make(chan struct{})
	assert.NoError(t, waitReady(context.Background(), ts.URL+"/health", 5*time.Second, alive))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, waitReady(ctx, "http://127.0.0.1:1/health", time.Second, alive))

	assert.Error(t, waitReady(context.Background(), "http://127.0.0.1:1/health", 50*time.Millisecond, alive))
}
