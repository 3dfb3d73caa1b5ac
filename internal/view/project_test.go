package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/position"
	"crewmap-svr/internal/reconcile"
)

var t0 = time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)

func rec(worker string, lat, lon float64, at time.Time) position.Record {
	return position.Record{ID: worker, WorkerID: worker, TenantID: "acme", Latitude: lat, Longitude: lon, ObservedAt: at}
}

func live() channel.ConnectionState {
	return channel.ConnectionState{Tenant: "acme", IsLive: true, LiveEpoch: 1, Label: channel.LabelLive, Channels: channel.AllKinds}
}

func TestProjectEmptyState(t *testing.T) {
	p := Project(reconcile.NewState(), channel.ConnectionState{}, t0)
	assert.False(t, p.Connection.IsLive)
	assert.Nil(t, p.Connection.LastEventAt)
	assert.Equal(t, channel.LabelDisconnected, p.Connection.Label)
	assert.NotNil(t, p.Workers)
	assert.Empty(t, p.Workers)

	// también el valor cero
	assert.NotPanics(t, func() { Project(reconcile.State{}, channel.ConnectionState{}, t0) })
}

func TestProjectSourceAndOrder(t *testing.T) {
	s := reconcile.Seed(reconcile.NewState(), []position.Record{rec("W2", 45.6, -73.6, t0)})
	s, _ = reconcile.ApplyLocation(s, rec("W1", 45.51, -73.57, t0.Add(time.Minute)), 1, t0.Add(time.Minute))
	conn := live()
	conn.LastEventAt = t0.Add(time.Minute)

	p := Project(s, conn, t0.Add(2*time.Minute))
	require.Len(t, p.Workers, 2)
	assert.Equal(t, "W1", p.Workers[0].ID)
	assert.Equal(t, position.Live, p.Workers[0].Source)
	assert.Equal(t, position.Cached, p.Workers[1].Source)
	require.NotNil(t, p.Connection.LastEventAt)
	assert.Equal(t, t0.Add(time.Minute), *p.Connection.LastEventAt)

	// si el canal se cae, lo que llegó por push se muestra como cacheado
	conn.IsLive = false
	conn.LiveEpoch = 0
	conn.Label = channel.LabelDisconnected
	p = Project(s, conn, t0.Add(2*time.Minute))
	assert.Equal(t, position.Cached, p.Workers[0].Source)

	// y sigue cacheado al reconectar: durante el corte pudo perderse algo
	conn = live()
	conn.LiveEpoch = 2
	p = Project(s, conn, t0.Add(2*time.Minute))
	assert.Equal(t, position.Cached, p.Workers[0].Source)

	// hasta que llega un push de la sesión nueva
	s, _ = reconcile.ApplyLocation(s, rec("W1", 45.52, -73.57, t0.Add(2*time.Minute)), 2, t0.Add(2*time.Minute))
	p = Project(s, conn, t0.Add(2*time.Minute))
	assert.Equal(t, position.Live, p.Workers[0].Source)
}

func TestProjectLivenessFromClockOnly(t *testing.T) {
	s := reconcile.Seed(reconcile.NewState(), []position.Record{rec("W1", 45.5, -73.56, t0)})

	assert.Equal(t, position.Active, Project(s, live(), t0.Add(4*time.Minute)).Workers[0].Liveness)
	assert.Equal(t, position.Inactive, Project(s, live(), t0.Add(6*time.Minute)).Workers[0].Liveness)
}

func TestProjectIdentityAndStatus(t *testing.T) {
	s := reconcile.Seed(reconcile.NewState(), []position.Record{rec("W1", 45.5, -73.56, t0)})

	p := Project(s, live(), t0)
	assert.Equal(t, position.Placeholder("W1"), p.Workers[0].Identity)
	assert.False(t, p.Workers[0].IdentityResolved)
	assert.Nil(t, p.Workers[0].Status)

	s = reconcile.ApplyIdentity(s, "W1", position.Identity{Name: "Ana Roy", Phone: "+15145550100"})
	s, _ = reconcile.ApplyStatus(s, position.StatusEvent{WorkerID: "W1", TenantID: "acme", Active: true, Status: "plowing", UpdatedAt: t0}, t0)

	p = Project(s, live(), t0)
	assert.Equal(t, "Ana Roy", p.Workers[0].Identity.Name)
	assert.True(t, p.Workers[0].IdentityResolved)
	require.NotNil(t, p.Workers[0].Status)
	assert.Equal(t, "plowing", p.Workers[0].Status.Status)
}
