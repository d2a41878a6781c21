package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/backend/onnxruntime"
	"github.com/ekisa-team/deployrt/internal/backend/remote"
	"github.com/ekisa-team/deployrt/internal/backend/stub"
	"github.com/ekisa-team/deployrt/internal/backend/tensorrt"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/env"
	"github.com/ekisa-team/deployrt/internal/envvar"
	"github.com/ekisa-team/deployrt/internal/logger"
	"github.com/ekisa-team/deployrt/internal/storage"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/task/classification"
	"github.com/ekisa-team/deployrt/internal/task/detection"
	"github.com/ekisa-team/deployrt/internal/task/inpainting"
	"github.com/ekisa-team/deployrt/internal/xfs"
)

type flags struct {
	deployConfig string
	modelConfig  string
	schema       string
	models       string
	checkpoint   string
	exportDir    string
	exporter     string
	device       string
	split        string
	batchSize    int
	workers      int
	showDir      string
	showInterval int
	out          string
	timeout      time.Duration
	metricsAddr  string
	serve        string
	httpAddr     string
	watch        bool
	dryRun       bool
}

func main() {
	var f flags
	flag.StringVar(&f.deployConfig, "deploy-config", path.Join(config.DefaultConfigPath(), "deploy.yaml"), "Path to deploy config file")
	flag.StringVar(&f.modelConfig, "model-config", "", "Path to model config file")
	flag.StringVar(&f.schema, "schema", "", "Path to deploy config schema (embedded schema when empty)")
	flag.StringVar(&f.models, "model", "", "Comma separated artifact paths or s3:// URIs")
	flag.StringVar(&f.checkpoint, "checkpoint", "", "Reference model checkpoint (safetensors)")
	flag.StringVar(&f.exportDir, "export-dir", "", "Work directory for export when -model is empty")
	flag.StringVar(&f.exporter, "exporter", "", "Path to the exporter binary")
	flag.StringVar(&f.device, "device", "cpu", "Device to run on (cpu, cuda, cuda:<n>)")
	flag.StringVar(&f.split, "split", "test", "Dataset split to evaluate")
	flag.IntVar(&f.batchSize, "batch-size", 0, "Samples per batch (samples_per_gpu when 0)")
	flag.IntVar(&f.workers, "workers", 0, "Dataset workers (workers_per_gpu when 0)")
	flag.StringVar(&f.showDir, "show-dir", "", "Directory to write visualizations into")
	flag.IntVar(&f.showInterval, "show-interval", 1, "Visualize every n-th sample")
	flag.StringVar(&f.out, "out", "", "SQLite database to record the run in")
	flag.DurationVar(&f.timeout, "timeout", 0, "Abort the run after this long")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on")
	flag.StringVar(&f.serve, "serve", "", "Serve the loaded engine over gRPC on this address instead of evaluating")
	flag.StringVar(&f.httpAddr, "http-addr", "", "Serve HTTP inference and run history on this address instead of evaluating")
	flag.BoolVar(&f.watch, "watch", false, "Reload the served engine when the deploy config changes")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Run on the stub backend")
	flag.Parse()

	environment := env.FromEnv()

	slog.SetDefault(
		logger.New(environment,
			logger.WithLogToFile(environment.IsProduction()),
			logger.WithLogFile("logs/deployrt.log"),
		),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		slog.Error("deployrt failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	device, err := backend.ParseDevice(f.device)
	if err != nil {
		return err
	}

	servers := backend.NewServerManager()
	defer servers.StopAll()

	registry, err := newRegistry(servers, f.dryRun)
	if err != nil {
		return err
	}

	a := &app{flags: f, device: device, registry: registry}
	if a.fetcher, err = newFetcher(); err != nil {
		return err
	}
	if f.exporter != "" {
		executor, err := backend.NewExecutor(xfs.ExpandTilde(f.exporter), 0)
		if err != nil {
			return err
		}
		a.exporter = task.NewCommandExporter(executor)
	}
	if f.modelConfig != "" {
		if a.modelCfg, err = config.LoadModelConfig(xfs.ExpandTilde(f.modelConfig)); err != nil {
			return err
		}
	}

	var deployCfg *config.DeployConfig
	if f.watch {
		watcher, err := config.NewWatcher(xfs.ExpandTilde(f.deployConfig), f.schema, a.reload)
		if err != nil {
			return err
		}
		defer watcher.Close()
		deployCfg = watcher.Snapshot()
	} else if deployCfg, err = config.LoadDeployConfig(xfs.ExpandTilde(f.deployConfig), f.schema); err != nil {
		return err
	}

	slog.Info("Config loaded successfully",
		"config", f.deployConfig,
		"backend", deployCfg.Backend.Type,
		"task", deployCfg.Codebase.Type+"/"+deployCfg.Codebase.Task,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if f.metricsAddr != "" {
		serveMetrics(gctx, g, f.metricsAddr)
	}
	g.Go(func() error {
		// The metrics server stops with the main job.
		defer cancel()
		if f.serve != "" || f.httpAddr != "" {
			return a.serve(gctx, deployCfg)
		}
		return a.evaluate(gctx, deployCfg)
	})

	return g.Wait()
}

func newRegistry(servers *backend.ServerManager, dryRun bool) (*task.Registry, error) {
	entries := []backend.Entry{
		onnxruntime.Entry(),
		tensorrt.Entry(),
		remote.Entry(servers),
	}
	if dryRun {
		entries = append(entries, stub.Entry(nil))
	}
	backends, err := backend.NewRegistry(entries...)
	if err != nil {
		return nil, err
	}

	return task.NewRegistry(backends,
		inpainting.Entry(),
		classification.Entry(),
		detection.Entry(),
	)
}

// newFetcher uses S3 when DEPLOYRT_S3_ENDPOINT is set. Without it only local
// paths resolve.
func newFetcher() (*storage.Fetcher, error) {
	cacheDir := os.Getenv(envvar.DeployrtCacheDir)
	if cacheDir == "" {
		cacheDir = config.DefaultCachePath()
	}
	cacheDir = xfs.ExpandTilde(cacheDir)

	cfg := storage.S3ConfigFromEnv()
	if cfg.Endpoint == "" {
		return storage.NewFetcher(nil, cacheDir), nil
	}
	s3, err := storage.NewS3Store(cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("Object storage configured", "endpoint", cfg.Endpoint, "cache", cacheDir)
	return storage.NewFetcher(s3, cacheDir), nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
