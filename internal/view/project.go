// Package view arma la proyección de sólo lectura que consume la presentación.
package view

import (
	"sort"
	"time"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/position"
	"crewmap-svr/internal/reconcile"
)

type Connection struct {
	IsLive bool `json:"isLive"`
	// nil hasta el primer evento aceptado
	LastEventAt *time.Time     `json:"lastEventAt"`
	Label       channel.Label  `json:"label"`
	Channels    []channel.Kind `json:"channels"`
}

type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracyMeters,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

type Status struct {
	Active    bool      `json:"active"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Worker struct {
	ID               string            `json:"id"`
	Position         Position          `json:"position"`
	Liveness         position.Liveness `json:"liveness"`
	Source           position.Source   `json:"source"`
	Identity         position.Identity `json:"identity"`
	IdentityResolved bool              `json:"identityResolved"`
	Status           *Status           `json:"status,omitempty"`
}

type Projection struct {
	Connection Connection `json:"connection"`
	Workers    []Worker   `json:"workers"`
}

// Project es pura: no toca el estado y no falla con estado vacío.
func Project(s reconcile.State, conn channel.ConnectionState, now time.Time) Projection {
	p := Projection{
		Connection: Connection{
			IsLive:   conn.IsLive,
			Label:    conn.Label,
			Channels: append([]channel.Kind{}, conn.Channels...),
		},
		Workers: make([]Worker, 0, len(s.Workers)),
	}
	if p.Connection.Label == "" {
		p.Connection.Label = channel.LabelDisconnected
	}
	if !conn.LastEventAt.IsZero() {
		at := conn.LastEventAt
		p.Connection.LastEventAt = &at
	}

	for id, e := range s.Workers {
		w := Worker{
			ID: id,
			Position: Position{
				Latitude:   e.Record.Latitude,
				Longitude:  e.Record.Longitude,
				Accuracy:   e.Record.Accuracy,
				ObservedAt: e.Record.ObservedAt,
			},
			Liveness: position.Classify(e.Record.ObservedAt, now),
			Source:   position.Cached,
			Identity: position.Placeholder(id),
		}
		if conn.IsLive && reconcile.IsLive(e, conn.LiveEpoch) {
			w.Source = position.Live
		}
		if e.Identity != nil {
			w.Identity = *e.Identity
			w.IdentityResolved = true
		}
		if st, ok := s.Statuses[id]; ok {
			w.Status = &Status{Active: st.Active, Status: st.Status, UpdatedAt: st.UpdatedAt}
		}
		p.Workers = append(p.Workers, w)
	}
	sort.Slice(p.Workers, func(i, j int) bool { return p.Workers[i].ID < p.Workers[j].ID })
	return p
}
