package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	require.NoError(t, s.PutObject(ctx, "models", "mmedit/end2end.onnx", []byte("onnx")))
	require.NoError(t, s.PutObject(ctx, "models", "mmedit/deploy.json", []byte("{}")))
	require.NoError(t, s.PutObject(ctx, "models", "mmcls/end2end.onnx", []byte("cls")))

	data, err := s.GetObject(ctx, "models", "mmedit/end2end.onnx")
	require.NoError(t, err)
	assert.Equal(t, "onnx", string(data))

	_, err = s.GetObject(ctx, "models", "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	keys, err := s.ListPrefix(ctx, "models", "mmedit/")
	require.NoError(t, err)
	assert.Equal(t, []string{"mmedit/deploy.json", "mmedit/end2end.onnx"}, keys)

	keys, err = s.ListPrefix(ctx, "empty", "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.PutObject(ctx, "", "k", nil), ErrBucketRequired)
}

func TestParseURI(t *testing.T) {
	bucket, key, ok, err := ParseURI("s3://models/mmedit/end2end.onnx")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "mmedit/end2end.onnx", key)

	_, _, ok, err = ParseURI("/data/model.onnx")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, uri := range []string{"s3:///key", "s3://../key", "s3://./key"} {
		_, _, _, err = ParseURI(uri)
		assert.ErrorIs(t, err, ErrInvalidURI, uri)
	}
}

// countingStore counts downloads.
type countingStore struct {
	*LocalStore
	gets int
}

func (c *countingStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	c.gets++
	return c.LocalStore.GetObject(ctx, bucket, key)
}

func TestFetcher_Localize(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{LocalStore: NewLocalStore(t.TempDir())}
	require.NoError(t, store.PutObject(ctx, "models", "inpaint/end2end.onnx", []byte("onnx")))
	require.NoError(t, store.PutObject(ctx, "models", "inpaint/deploy.json", []byte("{}")))

	cache := t.TempDir()
	f := NewFetcher(store, cache)

	local, err := f.Localize(ctx, "/abs/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, "/abs/model.onnx", local)

	local, err = f.Localize(ctx, "s3://models/inpaint/end2end.onnx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "models", "inpaint", "end2end.onnx"), local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "onnx", string(data))

	_, err = f.Localize(ctx, "s3://models/inpaint/end2end.onnx")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets, "cached object is not fetched again")

	dir, err := f.Localize(ctx, "s3://models/inpaint/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "models", "inpaint"), dir)
	assert.FileExists(t, filepath.Join(dir, "deploy.json"))

	_, err = f.Localize(ctx, "s3://models/nothing-here")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// listingStore lists fixed keys and serves the same bytes for each.
type listingStore struct {
	*LocalStore
	keys []string
}

func (l *listingStore) ListPrefix(context.Context, string, string) ([]string, error) {
	return l.keys, nil
}

func (l *listingStore) GetObject(context.Context, string, string) ([]byte, error) {
	return []byte("x"), nil
}

func TestFetcher_StaysInsideCache(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cache := filepath.Join(root, "cache")

	f := NewFetcher(&listingStore{LocalStore: NewLocalStore(t.TempDir()), keys: []string{"../../escaped.bin"}}, cache)
	_, err := f.Localize(ctx, "s3://bucket/../../escaped.bin")
	assert.ErrorIs(t, err, ErrInvalidURI)
	assert.NoFileExists(t, filepath.Join(root, "escaped.bin"))

	listed := NewFetcher(&listingStore{LocalStore: NewLocalStore(t.TempDir()), keys: []string{"data/a.bin", "data/../../../escaped.bin"}}, cache)
	_, err = listed.Localize(ctx, "s3://bucket/data/")
	assert.ErrorIs(t, err, ErrInvalidURI)
	assert.NoFileExists(t, filepath.Join(root, "escaped.bin"))

	_, err = f.Localize(ctx, "s3://bucket/data/../../escaped.bin")
	assert.ErrorIs(t, err, ErrInvalidURI, "another bucket's cache is out of bounds too")
}

func TestFetcher_NoStore(t *testing.T) {
	f := NewFetcher(nil, t.TempDir())
	_, err := f.Localize(context.Background(), "s3://bucket/key")
	assert.Error(t, err)
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(S3Config{})
	assert.Error(t, err)

	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := NewS3Store(S3Config{Endpoint: "https://minio.internal:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
