package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
)

// Entry registers one backend variant.
type Entry struct {
	Kind    Kind
	Factory Factory
	// Extensions lists artifact file extensions in priority order. Load
	// uses them to pick Artifact.Primary out of the artifact paths.
	Extensions []string
}

// Registry maps backend identifiers to factories. It is built once at
// process start and never mutated afterwards, so lookups need no locking.
type Registry struct {
	entries map[Kind]Entry
}

// NewRegistry builds a registry from entries.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[Kind]Entry, len(entries))}
	for _, e := range entries {
		if e.Kind == "" || e.Factory == nil {
			return nil, fmt.Errorf("backend entry %q: kind and factory are required", e.Kind)
		}
		if _, ok := r.entries[e.Kind]; ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.Kind)
		}
		r.entries[e.Kind] = e
	}

	return r, nil
}

// Lookup returns the entry registered for kind.
func (r *Registry) Lookup(kind string) (Entry, error) {
	e, ok := r.entries[Kind(kind)]
	if !ok {
		return Entry{}, errdefs.Configuration("unknown backend %q (registered: %v)", kind, r.Kinds())
	}

	return e, nil
}

// Kinds returns the registered identifiers, sorted.
func (r *Registry) Kinds() []Kind {
	kinds := lo.Keys(r.entries)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Load resolves the backend named in cfg, loads artifact on device and
// returns a guarded handle. Failures carry errdefs.ErrBackendLoad.
func (r *Registry) Load(ctx context.Context, cfg config.BackendConfig, artifact *Artifact, device Device) (Handle, error) {
	e, err := r.Lookup(cfg.Type)
	if err != nil {
		return nil, err
	}

	a := *artifact
	if a.Backend == "" {
		a.Backend = e.Kind
	}
	if a.Backend != e.Kind {
		return nil, errdefs.BackendLoad("artifact was built for %s, not %s", a.Backend, e.Kind)
	}

	if a.Primary == "" && len(a.Paths) > 0 && len(e.Extensions) > 0 {
		if a.Primary, err = ResolvePrimary(a.Paths, e.Extensions); err != nil {
			return nil, errdefs.BackendLoad("%s artifact: %v", e.Kind, err)
		}
	}

	h, err := e.Factory(ctx, &a, device, cfg)
	if err != nil {
		return nil, errdefs.Ensure(errdefs.ErrBackendLoad, err)
	}

	slog.Info("Backend loaded", "backend", e.Kind, "device", device.String(), "artifacts", a.Paths)
	return Guard(h, artifact.Signature), nil
}
