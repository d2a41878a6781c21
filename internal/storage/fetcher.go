package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ekisa-team/deployrt/internal/xfs"
)

// ParseURI splits s3://bucket/key. ok is false for anything else.
func ParseURI(uri string) (bucket, key string, ok bool, err error) {
	if !xfs.IsRemote(uri) {
		return "", "", false, nil
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || bucket == "." || bucket == ".." || strings.Contains(bucket, `\`) {
		return "", "", true, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, true, nil
}

// Fetcher localizes object URIs into a cache directory.
type Fetcher struct {
	store    ObjectStore
	cacheDir string
}

// NewFetcher creates a Fetcher. store may be nil when only local paths are
// expected.
func NewFetcher(store ObjectStore, cacheDir string) *Fetcher {
	return &Fetcher{store: store, cacheDir: xfs.ExpandTilde(cacheDir)}
}

// Localize returns a local path for uri. Local paths are returned with ~
// expanded. An s3 URI naming a single object becomes a cached file; a prefix
// (ending in "/" or holding several objects) becomes a cached directory.
// Objects already in the cache are not downloaded again.
func (f *Fetcher) Localize(ctx context.Context, uri string) (string, error) {
	bucket, key, remote, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if !remote {
		return xfs.ExpandTilde(uri), nil
	}
	if f.store == nil {
		return "", fmt.Errorf("no object store configured for %s", uri)
	}

	local, err := f.cachePath(bucket, key)
	if err != nil {
		return "", err
	}
	keys, err := f.store.ListPrefix(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
	}

	if len(keys) == 1 && keys[0] == key {
		return local, f.download(ctx, bucket, key, local)
	}

	prefix := strings.TrimSuffix(key, "/")
	for _, k := range keys {
		if prefix != "" && k != prefix && !strings.HasPrefix(k, prefix+"/") {
			continue
		}
		dst, err := f.cachePath(bucket, k)
		if err != nil {
			return "", err
		}
		if err := f.download(ctx, bucket, k, dst); err != nil {
			return "", err
		}
	}
	return f.cachePath(bucket, prefix)
}

// cachePath maps bucket/key into the cache. Keys that would resolve outside
// the bucket's cache directory are rejected.
func (f *Fetcher) cachePath(bucket, key string) (string, error) {
	root := filepath.Join(f.cacheDir, bucket)
	dst := filepath.Join(root, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: s3://%s/%s leaves the cache", ErrInvalidURI, bucket, key)
	}
	return dst, nil
}

// LocalizeAll localizes every uri in order.
func (f *Fetcher) LocalizeAll(ctx context.Context, uris []string) ([]string, error) {
	out := make([]string, len(uris))
	for i, uri := range uris {
		p, err := f.Localize(ctx, uri)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (f *Fetcher) download(ctx context.Context, bucket, key, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	data, err := f.store.GetObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	// Write to a temp name first so a partial download is never cached.
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	slog.Debug("Object cached", "bucket", bucket, "key", key, "path", dst, "bytes", len(data))
	return nil
}
