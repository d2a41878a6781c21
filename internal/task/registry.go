package task

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/storage"
)

// Params is what a family is constructed from.
type Params struct {
	ModelConfig  *config.ModelConfig
	DeployConfig *config.DeployConfig
	Device       backend.Device
}

// Entry registers one task family under its (codebase, task) key.
type Entry struct {
	Codebase string
	Task     string
	New      func(p Params) (Family, error)
}

type key struct {
	codebase string
	task     string
}

func (k key) String() string {
	return k.codebase + "/" + k.task
}

// Registry maps (codebase, task) pairs to families and backend identifiers to
// engine factories. It is built once and read-only afterwards.
type Registry struct {
	backends *backend.Registry
	entries  map[key]Entry
}

// NewRegistry builds the closed processor table.
func NewRegistry(backends *backend.Registry, entries ...Entry) (*Registry, error) {
	if backends == nil {
		return nil, fmt.Errorf("task registry: backend registry is required")
	}
	r := &Registry{backends: backends, entries: make(map[key]Entry, len(entries))}
	for _, e := range entries {
		k := key{e.Codebase, e.Task}
		if e.Codebase == "" || e.Task == "" || e.New == nil {
			return nil, fmt.Errorf("task entry %q: codebase, task and constructor are required", k)
		}
		if _, ok := r.entries[k]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, k)
		}
		r.entries[k] = e
	}
	return r, nil
}

// Pairs returns the registered "codebase/task" identifiers, sorted.
func (r *Registry) Pairs() []string {
	pairs := lo.Map(lo.Keys(r.entries), func(k key, _ int) string { return k.String() })
	sort.Strings(pairs)
	return pairs
}

// Backends returns the backend registry processors load engines from.
func (r *Registry) Backends() *backend.Registry {
	return r.backends
}

// Option configures a resolved processor.
type Option func(*options)

type options struct {
	fetcher  *storage.Fetcher
	exporter Exporter
	workDir  string
}

// WithFetcher localizes s3:// artifact and dataset paths through f.
func WithFetcher(f *storage.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithExporter sets the tool ExportArtifact runs.
func WithExporter(e Exporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithWorkDir sets where exported artifacts are written.
func WithWorkDir(dir string) Option {
	return func(o *options) { o.workDir = dir }
}

// Resolve returns the processor registered for the codebase and task named
// in deployCfg. Unknown pairs fail with errdefs.ErrConfiguration.
func (r *Registry) Resolve(modelCfg *config.ModelConfig, deployCfg *config.DeployConfig, device backend.Device, opts ...Option) (Processor, error) {
	if deployCfg == nil {
		return nil, errdefs.Configuration("deploy config is required")
	}
	k := key{deployCfg.Codebase.Type, deployCfg.Codebase.Task}
	e, ok := r.entries[k]
	if !ok {
		return nil, errdefs.Configuration("unknown task %q (registered: %v)", k, r.Pairs())
	}
	if modelCfg == nil {
		modelCfg = &config.ModelConfig{}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fetcher == nil {
		o.fetcher = storage.NewFetcher(nil, "")
	}

	params := Params{ModelConfig: modelCfg, DeployConfig: deployCfg, Device: device}
	fam, err := e.New(params)
	if err != nil {
		return nil, errdefs.Ensure(errdefs.ErrConfiguration, fmt.Errorf("%s: %w", k, err))
	}

	p, err := newProcessor(e, fam, r.backends, params, o)
	if err != nil {
		return nil, err
	}
	slog.Debug("Task processor resolved", "task", k.String(), "backend", deployCfg.Backend.Type, "device", device.String())
	return p, nil
}

// ResolveBackend returns the engine factory for the backend named in
// deployCfg. Unknown backends fail with errdefs.ErrConfiguration.
func (r *Registry) ResolveBackend(deployCfg *config.DeployConfig) (backend.Factory, error) {
	if deployCfg == nil {
		return nil, errdefs.Configuration("deploy config is required")
	}
	e, err := r.backends.Lookup(deployCfg.Backend.Type)
	if err != nil {
		return nil, err
	}
	return e.Factory, nil
}
