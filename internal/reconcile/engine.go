package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
)

// Identities resuelve nombre/teléfono/email de un trabajador. Request no
// bloquea: deliver se llama (quizás desde otra goroutine) si la resolución
// tiene éxito. Si falla, el trabajador sigue con placeholder.
type Identities interface {
	Cached(tenantID, workerID string) (position.Identity, bool)
	Request(tenantID, workerID string, deliver func(position.Identity))
}

// Engine serializa las transiciones sobre State. Todo lo que llega del
// transporte, del snapshot o del resolver de identidad pasa por acá.
type Engine struct {
	ids    Identities
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	tenant    string
	state     State
	summary   summaryCache
	listeners []func()
	accepted  func(time.Time)
}

func NewEngine(tenant string, ids Identities, now func() time.Time, lg *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ids:    ids,
		now:    now,
		logger: lg.With("component", "reconcile"),
		tenant: tenant,
		state:  NewState(),
	}
}

// OnChange registra un listener que se llama después de cada cambio aceptado.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// OnAccept se llama con el instante de cada evento push aceptado, antes de
// avisar a los listeners.
func (e *Engine) OnAccept(fn func(time.Time)) {
	e.mu.Lock()
	e.accepted = fn
	e.mu.Unlock()
}

func (e *Engine) Tenant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tenant
}

// State devuelve la foto actual. Es segura de leer sin lock: las
// transiciones nunca modifican mapas existentes.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset vacía el estado y cambia de tenant.
func (e *Engine) Reset(tenant string) {
	e.mu.Lock()
	e.tenant = tenant
	e.state = NewState()
	e.summary.invalidate()
	e.mu.Unlock()
	e.notify()
}

// Seed funde un snapshot recién leído.
func (e *Engine) Seed(recs []position.Record) {
	e.mu.Lock()
	tenant := e.tenant
	filtered := recs[:0:0]
	for _, r := range recs {
		if r.TenantID == tenant {
			filtered = append(filtered, r)
		}
	}
	prev := e.state
	e.state = Seed(e.state, filtered)
	changed := e.state.Generation != prev.Generation
	e.mu.Unlock()

	if changed {
		e.logger.Debug("reconcile: snapshot merged", "tenant", tenant, "rows", len(filtered))
		e.resolveMissing()
		e.notify()
	}
}

// Apply procesa un evento push ya decodificado.
func (e *Engine) Apply(ev channel.Event) Outcome {
	at := e.now()

	e.mu.Lock()
	if ev.Tenant != e.tenant {
		e.mu.Unlock()
		observability.EventsApplied.WithLabelValues(string(ev.Kind), string(DiscardedForeign)).Inc()
		return DiscardedForeign
	}

	prev := e.state
	var (
		next    State
		outcome = DiscardedInvalid
		worker  string
	)
	switch {
	case ev.Location != nil:
		worker = ev.Location.WorkerID
		next, outcome = ApplyLocation(prev, *ev.Location, ev.LiveEpoch, at)
	case ev.Status != nil:
		next, outcome = ApplyStatus(prev, *ev.Status, at)
	case ev.Visit != nil:
		next, outcome = ApplyVisit(prev, *ev.Visit, at)
	}

	if outcome == Accepted && worker != "" {
		if err := checkMonotone(prev, next, worker); err != nil {
			outcome = DiscardedStale
			e.logger.Error("reconcile: invariant violated", "worker", worker, "err", err)
		}
	}
	if outcome == Accepted {
		e.state = next
	}
	needIdentity := outcome == Accepted && worker != "" && next.Workers[worker].Identity == nil
	movedM := -1.0
	if outcome == Accepted && worker != "" {
		if before, ok := prev.Workers[worker]; ok {
			movedM = position.DistanceMeters(before.Record, *ev.Location)
		}
	}
	tenant := e.tenant
	onAccept := e.accepted
	e.mu.Unlock()

	observability.EventsApplied.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
	if outcome != Accepted {
		e.logger.Debug("reconcile: event discarded", "kind", ev.Kind, "outcome", outcome)
		return outcome
	}
	if movedM >= 0 {
		e.logger.Debug("reconcile: worker moved", "worker", worker, "moved_m", movedM)
	}
	if onAccept != nil {
		onAccept(at)
	}
	if needIdentity {
		e.resolve(tenant, worker)
	}
	e.notify()
	return outcome
}

// RetryIdentities vuelve a pedir las identidades que siguen en placeholder.
// El resolver decide si ya pasó el tiempo de reintento.
func (e *Engine) RetryIdentities() { e.resolveMissing() }

// Summary devuelve agregados cacheados. Se recalculan si cambió la
// generación, si cambió la sesión en vivo, o si algún trabajador pasó a
// inactivo. liveEpoch 0 = location no está viva.
func (e *Engine) Summary(liveEpoch uint64) Summary {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.summary.get(e.state.Generation, liveEpoch, now); ok {
		return s
	}
	s, next := computeSummary(e.state, liveEpoch, now)
	e.summary = summaryCache{ok: true, generation: e.state.Generation, liveEpoch: liveEpoch, validUntil: next, value: s}
	return s
}

// ----- identidad -----

func (e *Engine) resolveMissing() {
	e.mu.Lock()
	tenant := e.tenant
	missing := MissingIdentity(e.state)
	e.mu.Unlock()
	for _, w := range missing {
		e.resolve(tenant, w)
	}
}

func (e *Engine) resolve(tenant, worker string) {
	if e.ids == nil {
		return
	}
	if ident, ok := e.ids.Cached(tenant, worker); ok {
		e.applyIdentity(tenant, worker, ident)
		return
	}
	e.ids.Request(tenant, worker, func(ident position.Identity) {
		e.applyIdentity(tenant, worker, ident)
	})
}

func (e *Engine) applyIdentity(tenant, worker string, ident position.Identity) {
	e.mu.Lock()
	if tenant != e.tenant {
		// respuesta de un alcance anterior
		e.mu.Unlock()
		return
	}
	e.state = ApplyIdentity(e.state, worker, ident)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	e.mu.Lock()
	ls := append([]func(){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}
