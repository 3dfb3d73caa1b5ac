// Package tracker arma una sesión por vista consumidora: suscripciones,
// snapshot, reconciliación y proyección con el ciclo de vida de la vista.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
	"crewmap-svr/internal/reconcile"
	"crewmap-svr/internal/snapshot"
	"crewmap-svr/internal/view"
)

var ErrNotMounted = errors.New("session not mounted")

// Snapshots es la lectura pull de posiciones; la implementa snapshot.Fetcher.
type Snapshots interface {
	FetchActiveWorkerPositions(ctx context.Context, tenantID string) ([]position.Record, error)
}

type Options struct {
	PollInterval   time.Duration
	IdentityRetry  time.Duration
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.IdentityRetry <= 0 {
		o.IdentityRetry = 15 * time.Second
	}
	if o.ResubscribeMin <= 0 {
		o.ResubscribeMin = time.Second
	}
	if o.ResubscribeMax < o.ResubscribeMin {
		o.ResubscribeMax = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type retry struct {
	bo    *backoff.ExponentialBackOff
	timer *time.Timer
}

// Session nunca llama al Manager con s.mu tomado: el Manager puede invocar
// callbacks de forma síncrona.
type Session struct {
	opts      Options
	snapshots Snapshots
	manager   *channel.Manager
	engine    *reconcile.Engine
	guard     snapshot.Guard
	logger    *slog.Logger

	mu        sync.Mutex
	mounted   bool
	tenant    string
	wanted    map[channel.Kind]bool
	retries   map[channel.Kind]*retry
	listeners []func(view.Projection)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSession(t channel.Transport, snaps Snapshots, ids reconcile.Identities, opts Options, lg *slog.Logger) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:      opts,
		snapshots: snaps,
		logger:    lg.With("component", "tracker"),
		wanted:    make(map[channel.Kind]bool),
		retries:   make(map[channel.Kind]*retry),
	}
	s.engine = reconcile.NewEngine("", ids, opts.Now, lg)
	s.manager = channel.NewManager(t, channel.Callbacks{
		OnEvent:      func(ev channel.Event) { s.engine.Apply(ev) },
		OnError:      s.onSubscriptionError,
		OnState:      func(channel.ConnectionState) { s.publish() },
		OnSubscribed: s.onSubscribed,
	}, lg)
	s.engine.OnAccept(s.manager.MarkEvent)
	s.engine.OnChange(s.publish)
	return s
}

// -------------------------------------------------------------------
//                          CICLO DE VIDA
// -------------------------------------------------------------------

// Mount suscribe todos los canales y pinta el snapshot inicial. Un error del
// snapshot no impide montar: la vista queda vacía y el poll reintenta.
func (s *Session) Mount(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		if s.Tenant() != tenantID {
			return s.SetTenant(ctx, tenantID)
		}
		return nil
	}
	s.mounted = true
	s.tenant = tenantID
	for _, k := range channel.AllKinds {
		s.wanted[k] = true
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	observability.ActiveSessions.Inc()
	s.engine.Reset(tenantID)
	go s.loop(loopCtx)

	s.subscribeWanted(tenantID)
	s.logger.Info("tracker: mounted", "tenant", tenantID)
	return s.Refresh(ctx)
}

// Unmount libera todo. Un fetch en vuelo se descarta al volver.
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	tenant := s.tenant
	s.tenant = ""
	s.stopRetriesLocked()
	s.cancel()
	s.mu.Unlock()

	s.guard.Advance()
	s.manager.UnsubscribeAll()
	s.engine.Reset("")
	s.wg.Wait()
	observability.ActiveSessions.Dec()
	s.logger.Info("tracker: unmounted", "tenant", tenant)
}

// SetTenant cambia de alcance: primero se suelta por completo el anterior.
func (s *Session) SetTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return ErrNotMounted
	}
	if s.tenant == tenantID {
		s.mu.Unlock()
		return nil
	}
	old := s.tenant
	s.tenant = tenantID
	s.stopRetriesLocked()
	s.mu.Unlock()

	s.guard.Advance()
	s.manager.UnsubscribeAll()
	s.engine.Reset(tenantID)
	s.logger.Info("tracker: tenant changed", "from", old, "to", tenantID)

	s.subscribeWanted(tenantID)
	return s.Refresh(ctx)
}

func (s *Session) Tenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant
}

func (s *Session) Mounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// -------------------------------------------------------------------
//                        SUSCRIPCIONES
// -------------------------------------------------------------------

func (s *Session) Subscribe() {
	for _, k := range channel.AllKinds {
		s.SubscribeTo(k)
	}
}

func (s *Session) Unsubscribe() {
	s.mu.Lock()
	s.wanted = make(map[channel.Kind]bool)
	s.stopRetriesLocked()
	s.mu.Unlock()
	s.manager.UnsubscribeAll()
}

func (s *Session) SubscribeTo(kind channel.Kind) {
	s.mu.Lock()
	if !s.mounted || !kind.Valid() {
		s.mu.Unlock()
		return
	}
	s.wanted[kind] = true
	tenant := s.tenant
	s.mu.Unlock()
	s.manager.Subscribe(kind, tenant)
}

func (s *Session) UnsubscribeFrom(kind channel.Kind) {
	s.mu.Lock()
	delete(s.wanted, kind)
	s.stopRetryLocked(kind)
	s.mu.Unlock()
	s.manager.Unsubscribe(kind)
}

func (s *Session) subscribeWanted(tenant string) {
	s.mu.Lock()
	kinds := make([]channel.Kind, 0, len(s.wanted))
	for _, k := range channel.AllKinds {
		if s.wanted[k] {
			kinds = append(kinds, k)
		}
	}
	s.mu.Unlock()
	for _, k := range kinds {
		s.manager.Subscribe(k, tenant)
	}
}

// ----- reintentos -----

func (s *Session) onSubscriptionError(err *channel.SubscriptionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted || !s.wanted[err.Kind] || err.Tenant != s.tenant {
		return
	}
	r := s.retries[err.Kind]
	if r == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.opts.ResubscribeMin
		bo.MaxInterval = s.opts.ResubscribeMax
		bo.MaxElapsedTime = 0
		bo.Reset()
		r = &retry{bo: bo}
		s.retries[err.Kind] = r
	}
	wait := r.bo.NextBackOff()
	if wait == backoff.Stop {
		s.logger.Warn("tracker: giving up resubscribe", "kind", err.Kind)
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	kind, tenant := err.Kind, s.tenant
	r.timer = time.AfterFunc(wait, func() { s.resubscribe(kind, tenant) })
	s.logger.Info("tracker: resubscribe scheduled", "kind", kind, "in", wait.String())
}

func (s *Session) resubscribe(kind channel.Kind, tenant string) {
	s.mu.Lock()
	ok := s.mounted && s.tenant == tenant && s.wanted[kind]
	s.mu.Unlock()
	if ok {
		s.manager.Subscribe(kind, tenant)
	}
}

func (s *Session) onSubscribed(kind channel.Kind) {
	s.mu.Lock()
	if r := s.retries[kind]; r != nil {
		r.bo.Reset()
	}
	s.mu.Unlock()
}

func (s *Session) stopRetryLocked(kind channel.Kind) {
	if r := s.retries[kind]; r != nil && r.timer != nil {
		r.timer.Stop()
	}
	delete(s.retries, kind)
}

func (s *Session) stopRetriesLocked() {
	for k := range s.retries {
		s.stopRetryLocked(k)
	}
}

// -------------------------------------------------------------------
//                      SNAPSHOT Y POLLING
// -------------------------------------------------------------------

// Refresh vuelve a leer el snapshot. Si el alcance cambió mientras tanto,
// el resultado se descarta. Con error se conserva el último estado bueno.
func (s *Session) Refresh(ctx context.Context) error {
	ticket := s.guard.Begin()
	s.mu.Lock()
	mounted, tenant := s.mounted, s.tenant
	s.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}

	recs, err := s.snapshots.FetchActiveWorkerPositions(ctx, tenant)
	if !s.guard.Valid(ticket) {
		observability.SnapshotDropped.Inc()
		s.logger.Debug("tracker: stale snapshot dropped", "tenant", tenant)
		return nil
	}
	if err != nil {
		return err
	}
	s.engine.Seed(recs)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	idents := time.NewTicker(identityTick(s.opts.IdentityRetry))
	defer idents.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if s.manager.State().IsLive {
				continue
			}
			// sin canal vivo: se sigue por pull
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNotMounted) {
				s.logger.Warn("tracker: fallback poll failed", "err", err)
			}
		case <-idents.C:
			s.engine.RetryIdentities()
		}
	}
}

// identityTick: un fallo se vuelve a consultar entre IdentityRetry y
// 1.25×IdentityRetry después, no al doble.
func identityTick(retry time.Duration) time.Duration {
	if d := retry / 4; d > 0 {
		return d
	}
	return retry
}

// -------------------------------------------------------------------
//                          PROYECCIÓN
// -------------------------------------------------------------------

func (s *Session) Project() view.Projection {
	return view.Project(s.engine.State(), s.manager.State(), s.opts.Now())
}

func (s *Session) Summary() reconcile.Summary {
	return s.engine.Summary(s.manager.State().LiveEpoch)
}

func (s *Session) Connection() channel.ConnectionState {
	return s.manager.State()
}

// OnChange registra un listener que recibe la proyección en cada cambio.
func (s *Session) OnChange(fn func(view.Projection)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) publish() {
	s.mu.Lock()
	ls := append([]func(view.Projection){}, s.listeners...)
	s.mu.Unlock()
	if len(ls) == 0 {
		return
	}
	p := s.Project()
	for _, fn := range ls {
		fn(p)
	}
}
