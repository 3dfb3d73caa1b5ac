package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/identity"
	"crewmap-svr/internal/position"
	"crewmap-svr/internal/view"
)

var t0 = time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeSnapshots struct {
	mu      sync.Mutex
	rows    map[string][]position.Record
	err     error
	calls   int
	block   string
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSnapshots) FetchActiveWorkerPositions(_ context.Context, tenantID string) ([]position.Record, error) {
	f.mu.Lock()
	f.calls++
	rows, err := f.rows[tenantID], f.err
	block := f.block == tenantID
	f.mu.Unlock()
	if block {
		f.entered <- struct{}{}
		<-f.release
	}
	return rows, err
}

func (f *fakeSnapshots) set(tenant string, rows ...position.Record) {
	f.mu.Lock()
	f.rows[tenant] = rows
	f.mu.Unlock()
}

func (f *fakeSnapshots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rec(tenant, worker string, lat, lon float64, at time.Time) position.Record {
	return position.Record{ID: worker + at.String(), WorkerID: worker, TenantID: tenant, Latitude: lat, Longitude: lon, ObservedAt: at}
}

func row(r position.Record) map[string]any {
	return map[string]any{
		"id": r.ID, "worker_id": r.WorkerID, "latitude": r.Latitude, "longitude": r.Longitude,
		"observed_at": r.ObservedAt.Format(time.RFC3339Nano),
	}
}

type harness struct {
	tr    *channel.MemoryTransport
	snaps *fakeSnapshots
	clock *clock
	s     *Session
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		tr:    channel.NewMemoryTransport(),
		snaps: &fakeSnapshots{rows: map[string][]position.Record{}},
		clock: &clock{now: t0.Add(90 * time.Second)},
	}
	opts.Now = h.clock.Now
	h.s = NewSession(h.tr, h.snaps, nil, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(h.s.Unmount)
	return h
}

func (h *harness) push(t *testing.T, r position.Record) {
	t.Helper()
	require.NoError(t, h.tr.Publish(context.Background(), r.TenantID, "positions", channel.EventInsert, row(r)))
}

func TestSessionEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	h.snaps.set("acme", rec("acme", "W1", 45.50, -73.56, t0))
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	p := h.s.Project()
	assert.True(t, p.Connection.IsLive)
	assert.Equal(t, channel.LabelLive, p.Connection.Label)
	assert.Nil(t, p.Connection.LastEventAt)
	require.Len(t, p.Workers, 1)
	assert.Equal(t, position.Cached, p.Workers[0].Source)
	assert.Equal(t, position.Placeholder("W1"), p.Workers[0].Identity)

	h.push(t, rec("acme", "W1", 45.51, -73.57, t0.Add(60*time.Second)))
	p = h.s.Project()
	require.Len(t, p.Workers, 1)
	assert.Equal(t, 45.51, p.Workers[0].Position.Latitude)
	assert.Equal(t, -73.57, p.Workers[0].Position.Longitude)
	assert.Equal(t, position.Live, p.Workers[0].Source)
	require.NotNil(t, p.Connection.LastEventAt)
	assert.Equal(t, t0.Add(90*time.Second), *p.Connection.LastEventAt)

	// duplicado y viejo: sin cambios
	h.push(t, rec("acme", "W1", 45.99, -73.99, t0.Add(60*time.Second)))
	h.push(t, rec("acme", "W1", 45.52, -73.58, t0.Add(30*time.Second)))
	p = h.s.Project()
	assert.Equal(t, 45.51, p.Workers[0].Position.Latitude)
	assert.Equal(t, t0.Add(60*time.Second), p.Workers[0].Position.ObservedAt)

	// seis minutos sin eventos: inactivo sólo por el reloj
	assert.Equal(t, position.Active, p.Workers[0].Liveness)
	h.clock.Set(t0.Add(60*time.Second + 6*time.Minute))
	assert.Equal(t, position.Inactive, h.s.Project().Workers[0].Liveness)
	assert.Equal(t, 1, h.s.Summary().Inactive)
}

func TestSessionIgnoresOtherTenants(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	h.push(t, rec("other", "W9", 45.5, -73.5, t0))
	assert.Empty(t, h.s.Project().Workers)
}

func TestSessionTenantChange(t *testing.T) {
	h := newHarness(t, Options{})
	h.snaps.set("acme", rec("acme", "W1", 45.5, -73.5, t0))
	h.snaps.set("other", rec("other", "W7", 46.8, -71.2, t0))
	require.NoError(t, h.s.Mount(context.Background(), "acme"))
	require.Equal(t, len(channel.AllKinds), h.tr.OpenCount())

	require.NoError(t, h.s.SetTenant(context.Background(), "other"))
	assert.Equal(t, len(channel.AllKinds), h.tr.OpenCount())

	h.push(t, rec("acme", "W2", 45.5, -73.5, t0.Add(time.Minute)))
	p := h.s.Project()
	require.Len(t, p.Workers, 1)
	assert.Equal(t, "W7", p.Workers[0].ID)
	assert.Equal(t, "other", h.s.Connection().Tenant)
}

func TestSnapshotAfterScopeChangeIsDropped(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	h.snaps.mu.Lock()
	h.snaps.block = "acme"
	h.snaps.entered = make(chan struct{})
	h.snaps.release = make(chan struct{})
	h.snaps.rows["acme"] = []position.Record{rec("acme", "W1", 45.5, -73.5, t0)}
	h.snaps.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.s.Refresh(context.Background()) }()
	<-h.snaps.entered

	require.NoError(t, h.s.SetTenant(context.Background(), "other"))
	close(h.snaps.release)
	require.NoError(t, <-done)

	assert.Empty(t, h.s.Project().Workers)
}

func TestFallbackPollingWhileNotLive(t *testing.T) {
	h := newHarness(t, Options{PollInterval: 10 * time.Millisecond})
	h.tr.Hold(true)
	require.NoError(t, h.s.Mount(context.Background(), "acme"))
	assert.Equal(t, channel.LabelConnecting, h.s.Project().Connection.Label)

	h.snaps.set("acme", rec("acme", "W1", 45.5, -73.5, t0))
	require.Eventually(t, func() bool { return len(h.s.Project().Workers) == 1 }, time.Second, 5*time.Millisecond)

	// un error no borra el último estado bueno
	h.snaps.mu.Lock()
	h.snaps.err = errors.New("db down")
	h.snaps.mu.Unlock()
	n := h.snaps.count()
	require.Eventually(t, func() bool { return h.snaps.count() > n+1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.s.Project().Workers, 1)

	// con el canal vivo se deja de pollear
	h.tr.Confirm("location:acme")
	require.True(t, h.s.Project().Connection.IsLive)
	time.Sleep(30 * time.Millisecond)
	n = h.snaps.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, h.snaps.count())
}

func TestResubscribeAfterFailure(t *testing.T) {
	h := newHarness(t, Options{ResubscribeMin: 5 * time.Millisecond, ResubscribeMax: 20 * time.Millisecond})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))
	require.True(t, h.s.Project().Connection.IsLive)

	h.tr.Fail("location:acme", channel.StatusChannelError, errors.New("socket closed"))
	p := h.s.Project()
	assert.False(t, p.Connection.IsLive)
	assert.Equal(t, channel.LabelDisconnected, p.Connection.Label)

	require.Eventually(t, func() bool { return h.s.Project().Connection.IsLive }, time.Second, 5*time.Millisecond)
	assert.Equal(t, len(channel.AllKinds), h.tr.OpenCount())
}

func TestPushBeforeDropIsCachedAfterReconnect(t *testing.T) {
	h := newHarness(t, Options{ResubscribeMin: 5 * time.Millisecond, ResubscribeMax: 20 * time.Millisecond})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	h.push(t, rec("acme", "W1", 45.51, -73.57, t0.Add(30*time.Second)))
	require.Equal(t, position.Live, h.s.Project().Workers[0].Source)

	h.tr.Fail("location:acme", channel.StatusChannelError, errors.New("socket closed"))
	require.Eventually(t, func() bool { return h.s.Project().Connection.IsLive }, time.Second, 5*time.Millisecond)

	p := h.s.Project()
	require.Len(t, p.Workers, 1)
	assert.Equal(t, position.Cached, p.Workers[0].Source)
	assert.Equal(t, 0, h.s.Summary().Live)

	h.push(t, rec("acme", "W1", 45.52, -73.58, t0.Add(60*time.Second)))
	assert.Equal(t, position.Live, h.s.Project().Workers[0].Source)
	assert.Equal(t, 1, h.s.Summary().Live)
}

func TestNoResubscribeAfterUnsubscribe(t *testing.T) {
	h := newHarness(t, Options{ResubscribeMin: 5 * time.Millisecond, ResubscribeMax: 20 * time.Millisecond})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	h.s.UnsubscribeFrom(channel.KindVisitStatus)
	assert.Equal(t, []channel.Kind{channel.KindLocation, channel.KindWorkerStatus}, h.s.Connection().Channels)

	h.s.Unsubscribe()
	assert.Zero(t, h.tr.OpenCount())
	p := h.s.Project()
	assert.Equal(t, channel.LabelDisconnected, p.Connection.Label)
	assert.False(t, p.Connection.IsLive)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.tr.OpenCount())

	h.s.SubscribeTo(channel.KindWorkerStatus)
	assert.Equal(t, 1, h.tr.OpenCount())
	assert.False(t, h.s.Project().Connection.IsLive)

	h.s.Subscribe()
	assert.Equal(t, len(channel.AllKinds), h.tr.OpenCount())
	assert.True(t, h.s.Project().Connection.IsLive)
}

func TestUnmountReleasesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.snaps.set("acme", rec("acme", "W1", 45.5, -73.5, t0))
	require.NoError(t, h.s.Mount(context.Background(), "acme"))

	h.s.Unmount()
	assert.Zero(t, h.tr.OpenCount())
	assert.False(t, h.s.Mounted())
	assert.Empty(t, h.s.Project().Workers)
	assert.ErrorIs(t, h.s.Refresh(context.Background()), ErrNotMounted)

	// desmontar dos veces no falla
	h.s.Unmount()
}

func TestOnChangeReceivesProjection(t *testing.T) {
	h := newHarness(t, Options{})
	var mu sync.Mutex
	var last view.Projection
	calls := 0
	h.s.OnChange(func(p view.Projection) {
		mu.Lock()
		last = p
		calls++
		mu.Unlock()
	})
	require.NoError(t, h.s.Mount(context.Background(), "acme"))
	h.push(t, rec("acme", "W1", 45.5, -73.5, t0.Add(time.Minute)))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, calls)
	require.Len(t, last.Workers, 1)
	assert.Equal(t, "W1", last.Workers[0].ID)
}

type flakyDirectory struct {
	calls atomic.Int32
}

func (f *flakyDirectory) LookupWorker(_ context.Context, _, workerID string) (position.Identity, error) {
	if f.calls.Add(1) == 1 {
		return position.Identity{}, errors.New("directory unavailable")
	}
	return position.Identity{Name: "Ana " + workerID}, nil
}

func TestIdentityRetryFollowsRetryDelay(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, identityTick(200*time.Millisecond))
	assert.Equal(t, time.Duration(1), identityTick(1))

	const retryAfter = 200 * time.Millisecond
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := &flakyDirectory{}
	ids := identity.NewCache(dir, time.Minute, retryAfter, lg)
	t.Cleanup(ids.Wait)

	tr := channel.NewMemoryTransport()
	snaps := &fakeSnapshots{rows: map[string][]position.Record{}}
	c := &clock{now: t0.Add(90 * time.Second)}
	s := NewSession(tr, snaps, ids, Options{IdentityRetry: retryAfter, Now: c.Now}, lg)
	t.Cleanup(s.Unmount)
	require.NoError(t, s.Mount(context.Background(), "acme"))

	require.NoError(t, tr.Publish(context.Background(), "acme", "positions", channel.EventInsert, row(rec("acme", "W1", 45.5, -73.5, t0))))
	require.Eventually(t, func() bool { return dir.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Project().Workers[0].IdentityResolved)

	// con el tick igual a la ventana de fallo el reintento llegaba recién al doble
	require.Eventually(t, func() bool {
		return s.Project().Workers[0].IdentityResolved
	}, retryAfter+retryAfter*7/10, 5*time.Millisecond)
	assert.Equal(t, "Ana W1", s.Project().Workers[0].Identity.Name)
}
