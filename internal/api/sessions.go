package api

import (
	"context"
	"log/slog"
	"sync"

	"crewmap-svr/internal/auth"
	"crewmap-svr/internal/tracker"
)

// Sessions mantiene una sesión de tracking por operador.
type Sessions struct {
	newSession func() *tracker.Session
	logger     *slog.Logger

	mu         sync.Mutex
	byOperator map[string]*sessionEntry
}

// sessionEntry serializa montaje y desmontaje de una misma sesión. Una
// entrada dropped ya salió del mapa y no se vuelve a montar.
type sessionEntry struct {
	mu      sync.Mutex
	session *tracker.Session
	dropped bool
}

func NewSessions(factory func() *tracker.Session, lg *slog.Logger) *Sessions {
	return &Sessions{
		newSession: factory,
		logger:     lg.With("component", "sessions"),
		byOperator: make(map[string]*sessionEntry),
	}
}

// Get devuelve la sesión montada del operador, creándola si hace falta. Si
// el token trae otro tenant la sesión cambia de alcance.
func (r *Sessions) Get(ctx context.Context, op auth.Operator) *tracker.Session {
	for {
		e := r.entry(op.ID)

		e.mu.Lock()
		if e.dropped {
			// un Drop concurrente ganó: se arranca con una entrada nueva
			e.mu.Unlock()
			continue
		}
		s := e.session
		var err error
		switch {
		case !s.Mounted():
			err = s.Mount(ctx, op.TenantID)
		case s.Tenant() != op.TenantID:
			err = s.SetTenant(ctx, op.TenantID)
		}
		e.mu.Unlock()

		if err != nil {
			// la sesión sigue servible: el poll vuelve a intentar el snapshot
			r.logger.Warn("sessions: initial snapshot failed", "operator", op.ID, "tenant", op.TenantID, "err", err)
		}
		return s
	}
}

func (r *Sessions) entry(operatorID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byOperator[operatorID]
	if !ok {
		e = &sessionEntry{session: r.newSession()}
		r.byOperator[operatorID] = e
	}
	return e
}

// Peek devuelve la sesión sin crearla.
func (r *Sessions) Peek(operatorID string) (*tracker.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byOperator[operatorID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Sessions) Drop(operatorID string) bool {
	r.mu.Lock()
	e, ok := r.byOperator[operatorID]
	delete(r.byOperator, operatorID)
	r.mu.Unlock()
	if ok {
		e.close()
	}
	return ok
}

func (r *Sessions) CloseAll() {
	r.mu.Lock()
	all := r.byOperator
	r.byOperator = make(map[string]*sessionEntry)
	r.mu.Unlock()
	for id, e := range all {
		e.close()
		r.logger.Debug("sessions: closed", "operator", id)
	}
}

func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOperator)
}

// close espera a un montaje en curso antes de desmontar.
func (e *sessionEntry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = true
	e.session.Unmount()
}
