package channel

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
)

// Event es un cambio ya decodificado y tipado. Exactamente uno de
// Location, Status o Visit viene cargado según Kind.
type Event struct {
	Kind     Kind
	Tenant   string
	Location *position.Record
	Status   *position.StatusEvent
	Visit    *position.VisitEvent
	// LiveEpoch: sesión en vivo de location al despachar, 0 si no estaba
	// SUBSCRIBED
	LiveEpoch uint64
}

type Callbacks struct {
	OnEvent      func(Event)
	OnError      func(*SubscriptionError)
	OnState      func(ConnectionState)
	OnSubscribed func(Kind)
}

type subscription struct {
	id     string
	kind   Kind
	tenant string
	handle Handle
	status Status
}

// Manager es dueño de las suscripciones de una vista. No reintenta solo:
// ante un error avisa por OnError y el caller decide cuándo re-suscribir.
type Manager struct {
	transport Transport
	cb        Callbacks
	logger    *slog.Logger

	mu          sync.Mutex
	tenant      string
	subs        map[Kind]*subscription
	label       *fsm.FSM
	lastEventAt time.Time
	// liveEpoch sube cada vez que location vuelve a SUBSCRIBED
	liveEpoch uint64
}

func NewManager(t Transport, cb Callbacks, lg *slog.Logger) *Manager {
	return &Manager{
		transport: t,
		cb:        cb,
		logger:    lg.With("component", "channel"),
		subs:      make(map[Kind]*subscription),
		label:     newLabelFSM(),
	}
}

// -------------------------------------------------------------------
//                        SUSCRIPCIÓN
// -------------------------------------------------------------------

// Subscribe es idempotente por kind. Sin tenant no hace nada. Si hay
// suscripciones de otro tenant, primero se liberan todas.
func (m *Manager) Subscribe(kind Kind, tenantID string) {
	if tenantID == "" {
		m.logger.Debug("channel: subscribe without tenant ignored", "kind", kind)
		return
	}
	if !kind.Valid() {
		m.logger.Warn("channel: unknown kind", "kind", kind)
		return
	}

	m.mu.Lock()
	if m.tenant != "" && m.tenant != tenantID && len(m.subs) > 0 {
		old := m.detachAllLocked()
		m.mu.Unlock()
		m.logger.Info("channel: tenant changed, releasing old scope", "from", m.tenantOf(old), "to", tenantID)
		m.closeAll(old)
		m.mu.Lock()
	}
	if _, ok := m.subs[kind]; ok {
		m.mu.Unlock()
		return
	}
	m.tenant = tenantID
	sub := &subscription{
		id:     uuid.NewString(),
		kind:   kind,
		tenant: tenantID,
		handle: m.transport.OpenChannel(string(kind) + ":" + tenantID),
	}
	m.subs[kind] = sub
	if kind == KindLocation {
		fire(m.label, eventConnect)
	}
	state := m.stateLocked()
	m.mu.Unlock()

	for _, ev := range []EventType{EventInsert, EventUpdate} {
		sub.handle.OnChange(Filter{
			Event:        ev,
			Table:        kind.Table(),
			TenantColumn: TenantColumn,
			TenantID:     tenantID,
		}, func(c Change) { m.dispatch(sub, c) })
	}

	m.logger.Info("channel: subscribing", "kind", kind, "tenant", tenantID, "sub", sub.id)
	m.notifyState(state)
	sub.handle.Subscribe(func(st Status, err error) { m.handleStatus(sub, st, err) })
}

// Unsubscribe libera el canal del kind. Sin suscripción es no-op.
func (m *Manager) Unsubscribe(kind Kind) {
	m.mu.Lock()
	sub, ok := m.subs[kind]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, kind)
	if kind == KindLocation {
		fire(m.label, eventDrop)
	}
	if len(m.subs) == 0 {
		m.tenant = ""
	}
	state := m.stateLocked()
	m.mu.Unlock()

	m.close(sub)
	m.notifyState(state)
}

// UnsubscribeAll libera todo; la etiqueta queda en Disconnected.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	old := m.detachAllLocked()
	state := m.stateLocked()
	m.mu.Unlock()

	m.closeAll(old)
	if len(old) > 0 {
		m.notifyState(state)
	}
}

func (m *Manager) ActiveSubscriptions() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kindsLocked()
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// MarkEvent registra el instante del último evento aceptado por el motor.
func (m *Manager) MarkEvent(at time.Time) {
	m.mu.Lock()
	if at.After(m.lastEventAt) {
		m.lastEventAt = at
	}
	m.mu.Unlock()
}

// -------------------------------------------------------------------
//                      CALLBACKS DEL TRANSPORTE
// -------------------------------------------------------------------

func (m *Manager) handleStatus(sub *subscription, st Status, err error) {
	observability.SubscriptionStatus.WithLabelValues(string(sub.kind), string(st)).Inc()

	m.mu.Lock()
	if m.subs[sub.kind] != sub {
		// suscripción vieja (ya liberada o reemplazada)
		m.mu.Unlock()
		return
	}
	prev := sub.status
	sub.status = st

	var serr *SubscriptionError
	if st == StatusSubscribed {
		if sub.kind == KindLocation && prev != StatusSubscribed {
			m.liveEpoch++
			fire(m.label, eventSubscribed)
		}
	} else {
		delete(m.subs, sub.kind)
		if sub.kind == KindLocation {
			fire(m.label, eventDrop)
		}
		serr = &SubscriptionError{Kind: sub.kind, Tenant: sub.tenant, Status: st, Err: err}
	}
	state := m.stateLocked()
	m.mu.Unlock()

	if serr != nil {
		m.logger.Warn("channel: subscription failed", "kind", sub.kind, "tenant", sub.tenant, "status", st, "err", err)
		m.close(sub)
	} else {
		m.logger.Info("channel: subscribed", "kind", sub.kind, "tenant", sub.tenant)
	}
	m.notifyState(state)
	switch {
	case serr != nil && m.cb.OnError != nil:
		m.cb.OnError(serr)
	case serr == nil && m.cb.OnSubscribed != nil:
		m.cb.OnSubscribed(sub.kind)
	}
}

func (m *Manager) dispatch(sub *subscription, c Change) {
	m.mu.Lock()
	current := m.subs[sub.kind] == sub
	epoch := m.liveEpochLocked()
	m.mu.Unlock()
	if !current {
		return
	}

	// filtro del lado cliente: el transporte puede no filtrar por tenant
	if tenant, _ := c.Record[TenantColumn].(string); tenant != sub.tenant {
		m.logger.Debug("channel: foreign tenant event dropped", "kind", sub.kind, "tenant", tenant)
		return
	}
	observability.EventsReceived.WithLabelValues(string(sub.kind)).Inc()

	ev := Event{Kind: sub.kind, Tenant: sub.tenant, LiveEpoch: epoch}
	switch sub.kind {
	case KindLocation:
		rec, err := position.DecodeRecord(c.Record)
		if err != nil {
			m.malformed(sub.kind, err)
			return
		}
		ev.Location = &rec
	case KindWorkerStatus:
		st, err := position.DecodeStatus(c.Record)
		if err != nil {
			m.malformed(sub.kind, err)
			return
		}
		ev.Status = &st
	case KindVisitStatus:
		v, err := position.DecodeVisit(c.Record)
		if err != nil {
			m.malformed(sub.kind, err)
			return
		}
		ev.Visit = &v
	}

	if m.cb.OnEvent != nil {
		m.cb.OnEvent(ev)
	}
}

func (m *Manager) malformed(kind Kind, err error) {
	observability.MalformedPayloads.WithLabelValues(string(kind)).Inc()
	m.logger.Warn("channel: malformed payload dropped", "kind", kind, "err", err)
}

// -------------------------------------------------------------------
//                           HELPERS
// -------------------------------------------------------------------

func (m *Manager) detachAllLocked() []*subscription {
	old := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		old = append(old, s)
	}
	m.subs = make(map[Kind]*subscription)
	m.tenant = ""
	m.lastEventAt = time.Time{}
	fire(m.label, eventDrop)
	return old
}

func (m *Manager) close(sub *subscription) {
	if err := m.transport.CloseChannel(sub.handle); err != nil {
		m.logger.Warn("channel: close failed", "kind", sub.kind, "err", err)
	}
}

func (m *Manager) closeAll(subs []*subscription) {
	for _, s := range subs {
		m.close(s)
	}
}

func (m *Manager) tenantOf(subs []*subscription) string {
	if len(subs) == 0 {
		return ""
	}
	return subs[0].tenant
}

func (m *Manager) isLiveLocked() bool {
	sub, ok := m.subs[KindLocation]
	return ok && sub.status == StatusSubscribed
}

func (m *Manager) liveEpochLocked() uint64 {
	if !m.isLiveLocked() {
		return 0
	}
	return m.liveEpoch
}

func (m *Manager) kindsLocked() []Kind {
	out := make([]Kind, 0, len(m.subs))
	for k := range m.subs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) stateLocked() ConnectionState {
	return ConnectionState{
		Tenant:      m.tenant,
		Channels:    m.kindsLocked(),
		IsLive:      m.isLiveLocked(),
		LiveEpoch:   m.liveEpochLocked(),
		LastEventAt: m.lastEventAt,
		Label:       Label(m.label.Current()),
	}
}

func (m *Manager) notifyState(s ConnectionState) {
	if m.cb.OnState != nil {
		m.cb.OnState(s)
	}
}
