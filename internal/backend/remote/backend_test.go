package remote

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/backend/stub"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

type failingHandle struct{}

func (failingHandle) Kind() backend.Kind { return backend.KindStub }

func (failingHandle) Infer(context.Context, *tensor.Map) (*tensor.Map, error) {
	return nil, errors.New("engine crashed")
}

func (failingHandle) Close() error { return nil }

// serve starts an in-memory gRPC server for h and returns a connected client.
func serve(t *testing.T, h backend.Handle) *Backend {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterEngineServer(srv, NewServer(h))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	b := NewBackend(conn)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_RoundTrip(t *testing.T) {
	want := tensor.MapOf(
		"fake_img", tensor.MustFloat32(tensor.Shape{1, 3, 2, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}),
		"labels", tensor.Must(tensor.FromInt64(tensor.Shape{2}, []int64{3, -1})),
	)
	engine := stub.New(want)
	b := serve(t, engine)

	in := tensor.MapOf("masked_img", tensor.Must(tensor.FromUint8(tensor.Shape{2, 2}, []uint8{1, 2, 3, 255})))
	got, err := b.Infer(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	require.Len(t, engine.Calls(), 1)
	assert.True(t, in.Equal(engine.Calls()[0]))
	assert.Equal(t, backend.KindRemote, b.Kind())
}

func TestBackend_ServerErrorIsInferenceError(t *testing.T) {
	b := serve(t, failingHandle{})

	_, err := b.Infer(context.Background(), tensor.NewMap())
	assert.ErrorIs(t, err, errdefs.ErrInference)
	assert.Contains(t, err.Error(), "engine crashed")
}

func TestBackend_CloseIsIdempotent(t *testing.T) {
	b := serve(t, stub.New(tensor.NewMap()))
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}

func TestEntry_Validation(t *testing.T) {
	e := Entry(backend.NewServerManager())

	_, err := e.Factory(context.Background(), &backend.Artifact{}, backend.CPU, config.BackendConfig{Type: "remote"})
	assert.ErrorIs(t, err, errdefs.ErrBackendLoad)

	_, err = e.Factory(context.Background(), &backend.Artifact{}, backend.CPU,
		config.BackendConfig{Type: "remote", Server: &config.ServerConfig{}})
	assert.ErrorIs(t, err, errdefs.ErrBackendLoad)

	_, err = e.Factory(context.Background(), &backend.Artifact{}, backend.CPU,
		config.BackendConfig{Type: "remote", Server: &config.ServerConfig{BinPath: "/nonexistent/engine-server", Port: 50071}})
	assert.ErrorIs(t, err, errdefs.ErrBackendLoad)

	h, err := e.Factory(context.Background(), &backend.Artifact{}, backend.CPU,
		config.BackendConfig{Type: "remote", Server: &config.ServerConfig{Address: "localhost:50071"}})
	require.NoError(t, err)
	assert.NoError(t, h.Close())
}
