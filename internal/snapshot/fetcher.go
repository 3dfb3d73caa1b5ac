package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
)

var ErrNoTenant = errors.New("no tenant scope")

// FetchError envuelve cualquier falla de la consulta. El caller conserva
// el último snapshot bueno y decide si reintenta.
type FetchError struct {
	Tenant string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("snapshot fetch (tenant %s): %v", e.Tenant, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Store es la consulta de sólo lectura sobre el almacenamiento durable:
// última posición por trabajador activo en el roster del tenant.
type Store interface {
	LatestActivePositions(ctx context.Context, tenantID string) ([]position.Record, error)
}

type Fetcher struct {
	store  Store
	logger *slog.Logger
}

func NewFetcher(s Store, lg *slog.Logger) *Fetcher {
	return &Fetcher{store: s, logger: lg.With("component", "snapshot")}
}

// FetchActiveWorkerPositions es una lectura idempotente. Nunca devuelve un
// resultado parcial junto con un error.
func (f *Fetcher) FetchActiveWorkerPositions(ctx context.Context, tenantID string) ([]position.Record, error) {
	if tenantID == "" {
		return nil, &FetchError{Err: ErrNoTenant}
	}

	start := time.Now()
	recs, err := f.store.LatestActivePositions(ctx, tenantID)
	observability.ObserveSnapshotLatency(start)
	if err != nil {
		observability.SnapshotErrors.Inc()
		f.logger.Warn("snapshot: fetch failed", "tenant", tenantID, "err", err)
		return nil, &FetchError{Tenant: tenantID, Err: err}
	}

	out := make([]position.Record, 0, len(recs))
	for _, r := range recs {
		if r.TenantID != tenantID {
			f.logger.Warn("snapshot: foreign tenant row dropped", "tenant", tenantID, "row_tenant", r.TenantID, "worker", r.WorkerID)
			continue
		}
		out = append(out, r)
	}
	f.logger.Debug("snapshot: fetched", "tenant", tenantID, "workers", len(out))
	return out, nil
}
