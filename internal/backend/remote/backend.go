// Package remote talks to an engine server over gRPC. The server may run
// elsewhere or be launched locally through backend.ServerManager.
package remote

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Backend implements backend.Handle over a gRPC connection.
type Backend struct {
	conn *grpc.ClientConn

	// set when the server was launched for this handle
	servers *backend.ServerManager
	port    int

	closeOnce sync.Once
	closeErr  error
}

// NewBackend wraps an established connection.
func NewBackend(conn *grpc.ClientConn) *Backend {
	return &Backend{conn: conn}
}

// Entry registers the backend. Servers launched by loaded handles are
// tracked by servers so callers can stop them all on shutdown.
func Entry(servers *backend.ServerManager) backend.Entry {
	return backend.Entry{
		Kind: backend.KindRemote,
		Factory: func(ctx context.Context, artifact *backend.Artifact, device backend.Device, cfg config.BackendConfig) (backend.Handle, error) {
			return load(ctx, servers, artifact, device, cfg)
		},
	}
}

func load(ctx context.Context, servers *backend.ServerManager, artifact *backend.Artifact, device backend.Device, cfg config.BackendConfig) (backend.Handle, error) {
	srv := cfg.Server
	if srv == nil {
		return nil, errdefs.BackendLoad("remote backend requires backend_config.server")
	}

	address := srv.Address
	if address == "" {
		if srv.Port == 0 {
			return nil, errdefs.BackendLoad("remote backend needs server.address or server.port")
		}
		address = fmt.Sprintf("localhost:%d", srv.Port)
	}

	launched := false
	if srv.BinPath != "" {
		if err := servers.Launch(ctx, *srv, artifact, device); err != nil {
			return nil, errdefs.BackendLoad("%v", err)
		}
		launched = true
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		if launched {
			_ = servers.Stop(srv.Port)
		}
		return nil, errdefs.BackendLoad("dial %s: %v", address, err)
	}

	b := NewBackend(conn)
	if launched {
		b.servers = servers
		b.port = srv.Port
	}
	return b, nil
}

// Kind returns the backend identifier.
func (b *Backend) Kind() backend.Kind {
	return backend.KindRemote
}

// Infer sends inputs to the engine server.
func (b *Backend) Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	req, err := tensor.ToStruct(inputs)
	if err != nil {
		return nil, errdefs.Inference("encode inputs: %v", err)
	}

	resp := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, inferMethod, req, resp); err != nil {
		return nil, statusError(err)
	}

	outputs, err := tensor.FromStruct(resp)
	if err != nil {
		return nil, errdefs.Inference("decode response: %v", err)
	}
	return outputs, nil
}

// Close closes the connection and stops a locally launched server.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.conn.Close()
		if b.servers != nil {
			if err := b.servers.Stop(b.port); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}
