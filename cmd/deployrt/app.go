package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/backend/remote"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/model"
	httpserver "github.com/ekisa-team/deployrt/internal/server/http"
	"github.com/ekisa-team/deployrt/internal/storage"
	"github.com/ekisa-team/deployrt/internal/store"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/xfs"
)

type app struct {
	flags    flags
	device   backend.Device
	registry *task.Registry
	fetcher  *storage.Fetcher
	exporter task.Exporter
	modelCfg *config.ModelConfig

	// set while serving
	manager atomic.Pointer[model.Manager]
}

func (a *app) options() []task.Option {
	opts := []task.Option{task.WithFetcher(a.fetcher)}
	if a.exporter != nil {
		opts = append(opts, task.WithExporter(a.exporter))
	}
	if a.flags.exportDir != "" {
		opts = append(opts, task.WithWorkDir(xfs.ExpandTilde(a.flags.exportDir)))
	}
	return opts
}

// deployConfig returns cfg, or a copy pointing at the stub backend on a dry
// run. Snapshots are never modified.
func (a *app) deployConfig(cfg *config.DeployConfig) *config.DeployConfig {
	if !a.flags.dryRun {
		return cfg
	}
	c := *cfg
	c.Backend = config.BackendConfig{Type: string(backend.KindStub)}
	return &c
}

// open resolves the processor for cfg and loads an engine. Without -model the
// reference model is exported first; a dry run needs no artifact at all.
func (a *app) open(ctx context.Context, cfg *config.DeployConfig) (task.Processor, backend.Handle, []string, error) {
	cfg = a.deployConfig(cfg)
	p, err := a.registry.Resolve(a.modelCfg, cfg, a.device, a.options()...)
	if err != nil {
		return nil, nil, nil, err
	}

	paths := splitPaths(a.flags.models)
	if len(paths) == 0 && !a.flags.dryRun {
		ref, err := p.InitReferenceModel(ctx, a.flags.checkpoint)
		if err != nil {
			return nil, nil, nil, err
		}
		artifact, err := p.ExportArtifact(ctx, ref, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		paths = artifact.Paths
	}

	h, err := p.LoadBackend(ctx, paths, a.device)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, h, paths, nil
}

func (a *app) evaluate(ctx context.Context, cfg *config.DeployConfig) error {
	if a.modelCfg == nil {
		return errdefs.Configuration("-model-config is required to evaluate")
	}

	p, h, paths, err := a.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	ds, err := p.BuildDataset(ctx, a.modelCfg, a.flags.split)
	if err != nil {
		return err
	}
	loader, err := p.BuildDataloader(ds, a.flags.batchSize, a.flags.workers)
	if err != nil {
		return err
	}

	start := time.Now()
	batch, err := p.Evaluate(ctx, h, loader, eval.Options{
		ShowDir:      a.flags.showDir,
		ShowInterval: a.flags.showInterval,
		BackendName:  a.deployConfig(cfg).Backend.Type,
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	names := lo.Keys(batch.Metrics)
	sort.Strings(names)
	for _, name := range names {
		slog.Info("Metric", "name", name, "value", batch.Metrics[name])
	}

	if a.flags.out == "" {
		return nil
	}
	return a.record(ctx, p, cfg, paths, batch, elapsed)
}

func (a *app) record(ctx context.Context, p task.Processor, cfg *config.DeployConfig, paths []string, batch *eval.Batch, elapsed time.Duration) error {
	db, err := store.NewSQLiteStore(xfs.ExpandTilde(a.flags.out))
	if err != nil {
		return err
	}
	defer db.Close()

	run := &store.Run{
		Codebase:   p.Codebase(),
		Task:       p.Task(),
		Backend:    a.deployConfig(cfg).Backend.Type,
		Device:     a.device.String(),
		Split:      a.flags.split,
		Artifacts:  paths,
		DurationMS: elapsed.Milliseconds(),
	}
	if err := store.FromBatch(run, batch); err != nil {
		return err
	}
	if err := db.SaveRun(ctx, run); err != nil {
		return err
	}

	slog.Info("Run recorded", "id", run.ID, "db", a.flags.out)
	return nil
}

func (a *app) serve(ctx context.Context, cfg *config.DeployConfig) error {
	m := model.NewManager(func(ctx context.Context, cfg *config.DeployConfig) (task.Processor, backend.Handle, error) {
		p, h, _, err := a.open(ctx, cfg)
		return p, h, err
	})
	if err := m.LoadFromConfig(ctx, cfg); err != nil {
		return err
	}
	a.manager.Store(m)
	defer m.Close()

	g, ctx := errgroup.WithContext(ctx)
	if a.flags.serve != "" {
		g.Go(func() error { return serveGRPC(ctx, a.flags.serve, m) })
	}
	if a.flags.httpAddr != "" {
		srv := httpserver.NewServer(a.flags.httpAddr)
		httpserver.NewInferHandler(srv.API(), m)
		if a.flags.out != "" {
			db, err := store.NewSQLiteStore(xfs.ExpandTilde(a.flags.out))
			if err != nil {
				return err
			}
			defer db.Close()
			httpserver.NewRunsHandler(srv.API(), db)
		}
		g.Go(func() error { return srv.Run(ctx) })
	}
	return g.Wait()
}

func serveGRPC(ctx context.Context, addr string, h backend.Handle) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	remote.RegisterEngineServer(srv, remote.NewServer(h))
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	slog.Info("Serving engine over gRPC", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// reload is the config watcher callback. While serving it loads an engine
// for the new snapshot and swaps it in; a failed load keeps the old one.
func (a *app) reload(cfg *config.DeployConfig, err error) {
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	m := a.manager.Load()
	if m == nil {
		return
	}
	if err := m.LoadFromConfig(context.Background(), cfg); err != nil {
		slog.Error("Failed to load engine for new config", "error", err)
	}
}

func splitPaths(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, xfs.ExpandTilde(p))
		}
	}
	return out
}
