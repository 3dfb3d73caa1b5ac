package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/position"
)

type memStore struct {
	positions map[string]position.Record
	statuses  []position.StatusEvent
	err       error
}

func (m *memStore) InsertPosition(_ context.Context, r position.Record) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.positions[r.ID]; ok {
		return false, nil
	}
	m.positions[r.ID] = r
	return true, nil
}

func (m *memStore) SetWorkerStatus(_ context.Context, ev position.StatusEvent) error {
	if m.err != nil {
		return m.err
	}
	m.statuses = append(m.statuses, ev)
	return nil
}

type published struct {
	tenant, table string
	ev            channel.EventType
	record        map[string]any
}

type recorder struct{ got []published }

func (r *recorder) Publish(_ context.Context, tenantID, table string, ev channel.EventType, record map[string]any) error {
	r.got = append(r.got, published{tenantID, table, ev, record})
	return nil
}

func newProcessor() (*Processor, *memStore, *recorder) {
	st := &memStore{positions: map[string]position.Record{}}
	pub := &recorder{}
	return NewProcessor(st, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), st, pub
}

func TestIngestPosition(t *testing.T) {
	p, st, pub := newProcessor()
	now := time.Now().UTC().Truncate(time.Second)
	row := map[string]any{
		"worker_id": "W1", "latitude": 45.5, "longitude": -73.56,
		"observed_at": now.Format(time.RFC3339), "tenant_id": "spoofed",
	}

	rec, inserted, err := p.IngestPosition(context.Background(), "acme", row)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "acme", rec.TenantID)
	assert.Contains(t, st.positions, rec.ID)

	require.Len(t, pub.got, 1)
	assert.Equal(t, "positions", pub.got[0].table)
	assert.Equal(t, channel.EventInsert, pub.got[0].ev)
	decoded, err := position.DecodeRecord(pub.got[0].record)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	// misma observación: no se notifica de nuevo
	_, inserted, err = p.IngestPosition(context.Background(), "acme", map[string]any{
		"id": rec.ID, "worker_id": "W1", "latitude": 45.5, "longitude": -73.56, "observed_at": now.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Len(t, pub.got, 1)
}

func TestIngestPositionErrors(t *testing.T) {
	p, st, pub := newProcessor()

	_, _, err := p.IngestPosition(context.Background(), "acme", map[string]any{"worker_id": "W1"})
	assert.True(t, IsValidation(err))

	st.err = errors.New("disk full")
	_, _, err = p.IngestPosition(context.Background(), "acme", map[string]any{
		"worker_id": "W1", "latitude": 45.5, "longitude": -73.56, "observed_at": time.Now().Format(time.RFC3339),
	})
	require.Error(t, err)
	assert.False(t, IsValidation(err))
	assert.Empty(t, pub.got)
}

func TestSetWorkerStatus(t *testing.T) {
	p, st, pub := newProcessor()
	fixed := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	ev, err := p.SetWorkerStatus(context.Background(), "acme", map[string]any{"worker_id": "W1", "is_active": false})
	require.NoError(t, err)
	assert.Equal(t, fixed, ev.UpdatedAt)
	require.Len(t, st.statuses, 1)

	require.Len(t, pub.got, 1)
	assert.Equal(t, "worker_status", pub.got[0].table)
	assert.Equal(t, channel.EventUpdate, pub.got[0].ev)
	assert.Equal(t, false, pub.got[0].record["is_active"])

	_, err = p.SetWorkerStatus(context.Background(), "acme", map[string]any{"worker_id": "W1"})
	assert.True(t, IsValidation(err))
}

func TestIngestPositionNumericIDIsKept(t *testing.T) {
	p, _, pub := newProcessor()
	row := func() map[string]any {
		return map[string]any{
			"id": 42.0, "worker_id": "W1", "latitude": 45.5, "longitude": -73.56,
			"observed_at": "2026-01-15T07:00:00Z",
		}
	}

	rec, inserted, err := p.IngestPosition(context.Background(), "acme", row())
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "42", rec.ID)

	rec, inserted, err = p.IngestPosition(context.Background(), "acme", row())
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "42", rec.ID)
	assert.Len(t, pub.got, 1)
}

func TestIngestDoesNotTouchCallerRow(t *testing.T) {
	p, _, _ := newProcessor()
	row := map[string]any{
		"worker_id": "W1", "latitude": 45.5, "longitude": -73.56,
		"observed_at": "2026-01-15T07:00:00Z", "tenant_id": "spoofed",
	}
	_, _, err := p.IngestPosition(context.Background(), "acme", row)
	require.NoError(t, err)
	assert.Equal(t, "spoofed", row["tenant_id"])
	assert.NotContains(t, row, "id")

	_, _, err = p.IngestPosition(context.Background(), "acme", nil)
	assert.True(t, IsValidation(err))
	_, err = p.SetWorkerStatus(context.Background(), "acme", nil)
	assert.True(t, IsValidation(err))
}
