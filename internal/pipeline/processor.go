// Package pipeline es el camino de escritura: valida un reporte, lo guarda y
// notifica el cambio de fila a los suscriptores.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
)

// bufferedAfter: un reporte más viejo que esto llegó del buffer del equipo
const bufferedAfter = 120 * time.Second

type Store interface {
	InsertPosition(ctx context.Context, r position.Record) (bool, error)
	SetWorkerStatus(ctx context.Context, ev position.StatusEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, tenantID, table string, ev channel.EventType, record map[string]any) error
}

type Processor struct {
	store     Store
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func NewProcessor(s Store, p Publisher, lg *slog.Logger) *Processor {
	return &Processor{store: s, publisher: p, now: time.Now, logger: lg.With("component", "pipeline")}
}

// IsValidation indica si el error es del reporte y no del almacenamiento.
func IsValidation(err error) bool {
	var de *position.DecodeError
	return errors.As(err, &de)
}

// IngestPosition procesa un reporte crudo. El tenant lo impone el caller,
// nunca el payload. Devuelve false si la observación ya estaba guardada.
func (p *Processor) IngestPosition(ctx context.Context, tenantID string, row map[string]any) (position.Record, bool, error) {
	row = withTenant(row, tenantID)
	if missingID(row["id"]) {
		row["id"] = uuid.NewString()
	}
	rec, err := position.DecodeRecord(row)
	if err != nil {
		return position.Record{}, false, err
	}

	inserted, err := p.store.InsertPosition(ctx, rec)
	if err != nil {
		return position.Record{}, false, err
	}
	if !inserted {
		return rec, false, nil
	}

	observability.PositionsIngested.Inc()
	if p.now().Sub(rec.ObservedAt) > bufferedAfter {
		p.logger.Debug("pipeline: buffered report", "tenant", tenantID, "worker", rec.WorkerID, "observed_at", rec.ObservedAt)
	}
	p.publish(ctx, tenantID, channel.KindLocation.Table(), channel.EventInsert, rec)
	return rec, true, nil
}

// SetWorkerStatus guarda un cambio de estado. updated_at vacío = ahora.
func (p *Processor) SetWorkerStatus(ctx context.Context, tenantID string, row map[string]any) (position.StatusEvent, error) {
	row = withTenant(row, tenantID)
	if _, ok := row["updated_at"]; !ok {
		row["updated_at"] = p.now()
	}
	ev, err := position.DecodeStatus(row)
	if err != nil {
		return position.StatusEvent{}, err
	}
	if err := p.store.SetWorkerStatus(ctx, ev); err != nil {
		return position.StatusEvent{}, err
	}
	p.publish(ctx, tenantID, channel.KindWorkerStatus.Table(), channel.EventUpdate, ev)
	return ev, nil
}

// publish no hace fallar la escritura: sin notificación, el poll de
// respaldo termina mostrando la fila igual.
func (p *Processor) publish(ctx context.Context, tenantID, table string, ev channel.EventType, v any) {
	if p.publisher == nil {
		return
	}
	rec, err := toRow(v)
	if err == nil {
		err = p.publisher.Publish(ctx, tenantID, table, ev, rec)
	}
	if err != nil {
		p.logger.Warn("pipeline: change notification failed", "tenant", tenantID, "table", table, "err", err)
	}
}

// withTenant copia la fila: el mapa del caller no se modifica y puede ser nil.
func withTenant(row map[string]any, tenantID string) map[string]any {
	out := make(map[string]any, len(row)+2)
	maps.Copy(out, row)
	out[channel.TenantColumn] = tenantID
	return out
}

// missingID: un id numérico es válido, el decode lo pasa a texto.
func missingID(v any) bool {
	switch id := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(id) == ""
	default:
		return false
	}
}

func toRow(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	return row, json.Unmarshal(raw, &row)
}
