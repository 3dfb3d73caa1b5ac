// Package grpcclient habla con el directorio de trabajadores externo.
package grpcclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"crewmap-svr/internal/identity"
	"crewmap-svr/internal/position"
)

const getWorkerMethod = "/crewmap.directory.v1.WorkerDirectory/GetWorker"

// Directory resuelve identidades contra el servicio de directorio.
// Request y respuesta viajan como google.protobuf.Struct.
type Directory struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewDirectory(addr string, opts ...grpc.DialOption) (*Directory, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("directory dial %s: %w", addr, err)
	}
	return &Directory{conn: conn, timeout: 5 * time.Second}, nil
}

func (d *Directory) Close() error {
	return d.conn.Close()
}

func (d *Directory) LookupWorker(ctx context.Context, tenantID, workerID string) (position.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"tenant_id": tenantID,
		"worker_id": workerID,
	})
	if err != nil {
		return position.Identity{}, err
	}

	res := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, getWorkerMethod, req, res); err != nil {
		if status.Code(err) == codes.NotFound {
			return position.Identity{}, identity.ErrNotFound
		}
		return position.Identity{}, fmt.Errorf("directory GetWorker %s: %w", workerID, err)
	}

	f := res.GetFields()
	ident := position.Identity{
		Name:  f["name"].GetStringValue(),
		Phone: f["phone"].GetStringValue(),
		Email: f["email"].GetStringValue(),
	}
	if ident.Name == "" {
		return position.Identity{}, identity.ErrNotFound
	}
	return ident, nil
}
