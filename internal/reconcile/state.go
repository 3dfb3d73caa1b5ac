// Package reconcile funde el snapshot con los eventos push en un único mapa
// por trabajador. Las transiciones son funciones puras (State, evento) -> State;
// Engine sólo las serializa y avisa a los interesados.
package reconcile

import (
	"errors"
	"maps"
	"time"

	"crewmap-svr/internal/position"
)

// ErrRegression: un evento aceptado movería ObservedAt hacia atrás. No debería
// ocurrir nunca; si ocurre, el evento se descarta.
var ErrRegression = errors.New("reconcile: event would regress observed_at")

type Outcome string

const (
	Accepted           Outcome = "accepted"
	DiscardedStale     Outcome = "stale"
	DiscardedDuplicate Outcome = "duplicate"
	DiscardedForeign   Outcome = "foreign"
	DiscardedInvalid   Outcome = "invalid"
)

// Entry es lo que se muestra de un trabajador.
type Entry struct {
	Record position.Record
	// FromPush: llegó por el canal; LiveEpoch: sesión en vivo de location al
	// aceptarlo (0 si no estaba viva)
	FromPush  bool
	LiveEpoch uint64
	Identity  *position.Identity
}

type State struct {
	Workers  map[string]Entry
	Statuses map[string]position.StatusEvent
	Visits   map[string]position.VisitEvent
	// LastEventAt: último evento push aceptado
	LastEventAt time.Time
	// Generation sube con cada cambio que invalida agregados
	Generation uint64
}

func NewState() State {
	return State{
		Workers:  map[string]Entry{},
		Statuses: map[string]position.StatusEvent{},
		Visits:   map[string]position.VisitEvent{},
	}
}

// Seed funde un snapshot. Sólo reemplaza si la fila es estrictamente más nueva.
func Seed(s State, recs []position.Record) State {
	var workers map[string]Entry
	for _, rec := range recs {
		cur, ok := s.Workers[rec.WorkerID]
		if ok && !rec.ObservedAt.After(cur.Record.ObservedAt) {
			continue
		}
		if workers == nil {
			workers = maps.Clone(s.Workers)
		}
		workers[rec.WorkerID] = Entry{Record: rec, Identity: identityFor(rec, cur, ok)}
	}
	if workers == nil {
		return s
	}
	s.Workers = workers
	s.Generation++
	return s
}

// ApplyLocation aplica un evento de posición. Nunca retrocede: un evento con
// ObservedAt igual o anterior al mostrado se descarta.
func ApplyLocation(s State, rec position.Record, liveEpoch uint64, at time.Time) (State, Outcome) {
	cur, ok := s.Workers[rec.WorkerID]
	if ok {
		switch {
		case rec.ObservedAt.Equal(cur.Record.ObservedAt):
			return s, DiscardedDuplicate
		case rec.ObservedAt.Before(cur.Record.ObservedAt):
			return s, DiscardedStale
		}
	}

	workers := maps.Clone(s.Workers)
	workers[rec.WorkerID] = Entry{
		Record:    rec,
		FromPush:  true,
		LiveEpoch: liveEpoch,
		Identity:  identityFor(rec, cur, ok),
	}
	s.Workers = workers
	s = touch(s, at)
	return s, Accepted
}

// ApplyStatus sólo toca el estado del trabajador, jamás su posición.
func ApplyStatus(s State, ev position.StatusEvent, at time.Time) (State, Outcome) {
	if cur, ok := s.Statuses[ev.WorkerID]; ok {
		switch {
		case ev.UpdatedAt.Equal(cur.UpdatedAt):
			return s, DiscardedDuplicate
		case ev.UpdatedAt.Before(cur.UpdatedAt):
			return s, DiscardedStale
		}
	}
	statuses := maps.Clone(s.Statuses)
	statuses[ev.WorkerID] = ev
	s.Statuses = statuses
	return touch(s, at), Accepted
}

func ApplyVisit(s State, ev position.VisitEvent, at time.Time) (State, Outcome) {
	if cur, ok := s.Visits[ev.ID]; ok {
		switch {
		case ev.UpdatedAt.Equal(cur.UpdatedAt):
			return s, DiscardedDuplicate
		case ev.UpdatedAt.Before(cur.UpdatedAt):
			return s, DiscardedStale
		}
	}
	visits := maps.Clone(s.Visits)
	visits[ev.ID] = ev
	s.Visits = visits
	return touch(s, at), Accepted
}

// ApplyIdentity completa la identidad de un trabajador ya presente.
func ApplyIdentity(s State, workerID string, ident position.Identity) State {
	cur, ok := s.Workers[workerID]
	if !ok {
		return s
	}
	workers := maps.Clone(s.Workers)
	cur.Identity = &ident
	workers[workerID] = cur
	s.Workers = workers
	return s
}

// MissingIdentity lista los trabajadores que todavía muestran placeholder.
func MissingIdentity(s State) []string {
	var out []string
	for id, e := range s.Workers {
		if e.Identity == nil {
			out = append(out, id)
		}
	}
	return out
}

func checkMonotone(prev, next State, workerID string) error {
	p, ok := prev.Workers[workerID]
	if !ok {
		return nil
	}
	if next.Workers[workerID].Record.ObservedAt.Before(p.Record.ObservedAt) {
		return ErrRegression
	}
	return nil
}

func touch(s State, at time.Time) State {
	if at.After(s.LastEventAt) {
		s.LastEventAt = at
	}
	s.Generation++
	return s
}

func identityFor(rec position.Record, cur Entry, hadEntry bool) *position.Identity {
	if rec.Worker != nil {
		ident := *rec.Worker
		return &ident
	}
	if hadEntry {
		return cur.Identity
	}
	return nil
}
