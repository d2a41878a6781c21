package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ekisa-team/deployrt/internal/config"
)

const (
	defaultHealthPath   = "/health"
	defaultReadyTimeout = 10 * time.Second
	readyPollInterval   = 200 * time.Millisecond
)

// ServerManager launches engine servers and keeps them by port, so a process
// can stop every server it started on shutdown.
type ServerManager struct {
	mu    sync.Mutex
	procs map[int]*serverProc
}

type serverProc struct {
	bin    string
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewServerManager returns an empty manager.
func NewServerManager() *ServerManager {
	return &ServerManager{procs: map[int]*serverProc{}}
}

// ServerArgs is the engine server command line: the configured args, one
// --model per artifact file, then the device and the port to listen on.
func ServerArgs(cfg config.ServerConfig, artifact *Artifact, device Device) []string {
	args := append([]string{}, cfg.Args...)
	if artifact != nil {
		for _, p := range artifact.Paths {
			args = append(args, "--model", p)
		}
	}
	return append(args, "--device", device.String(), "--port", strconv.Itoa(cfg.Port))
}

// Launch starts the engine server described by cfg for artifact and blocks
// until its health endpoint answers 200. A server already launched on the
// same port is reused.
func (sm *ServerManager) Launch(ctx context.Context, cfg config.ServerConfig, artifact *Artifact, device Device) error {
	if cfg.Port <= 0 {
		return errors.New("engine server needs a port")
	}
	if info, err := os.Stat(cfg.BinPath); err != nil {
		return fmt.Errorf("engine server: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("engine server: %s is a directory", cfg.BinPath)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.procs[cfg.Port]; ok {
		return nil
	}

	cmd := exec.Command(cfg.BinPath, ServerArgs(cfg, artifact, device)...)
	if len(cfg.Env) > 0 {
		env := lo.MapToSlice(cfg.Env, func(k, v string) string { return k + "=" + v })
		sort.Strings(env)
		cmd.Env = append(os.Environ(), env...)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine server: %w", err)
	}

	p := &serverProc{bin: cfg.BinPath, cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	url := fmt.Sprintf("http://localhost:%d%s", cfg.Port, healthPath)
	if err := waitReady(ctx, url, timeout, p.exited); err != nil {
		p.kill()
		return fmt.Errorf("engine server %s: %w", cfg.BinPath, err)
	}

	sm.procs[cfg.Port] = p
	slog.Info("Engine server started", "bin", cfg.BinPath, "port", cfg.Port, "device", device.String(), "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the server launched on port.
func (sm *ServerManager) Stop(port int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p, ok := sm.procs[port]
	if !ok {
		return fmt.Errorf("no engine server on port %d", port)
	}
	p.kill()
	delete(sm.procs, port)
	slog.Info("Engine server stopped", "bin", p.bin, "port", port)
	return nil
}

// StopAll terminates every launched server.
func (sm *ServerManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for port, p := range sm.procs {
		p.kill()
		slog.Info("Engine server stopped", "bin", p.bin, "port", port)
	}
	sm.procs = map[int]*serverProc{}
}

// Running reports whether a server was launched on port and is still up.
func (sm *ServerManager) Running(port int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p, ok := sm.procs[port]
	if !ok {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *serverProc) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("Failed to kill engine server", "bin", p.bin, "error", err)
	}
	<-p.exited
}

// waitReady polls url until it answers 200. It gives up when the server
// process exits, ctx ends or timeout passes.
func waitReady(ctx context.Context, url string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("no answer from %s: %w", url, ctx.Err())
		case <-exited:
			return fmt.Errorf("exited before answering %s", url)
		case <-ticker.C:
		}
	}
}
