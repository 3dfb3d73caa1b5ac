package reconcile

import (
	"time"

	"crewmap-svr/internal/position"
)

// Summary son los agregados que la vista muestra en la cabecera.
type Summary struct {
	Total      int       `json:"total"`
	Active     int       `json:"active"`
	Inactive   int       `json:"inactive"`
	Live       int       `json:"live"`
	ComputedAt time.Time `json:"computedAt"`
}

// summaryCache vale mientras no cambie la generación, no cambie isLive y no
// llegue el próximo vencimiento de la ventana de actividad.
type summaryCache struct {
	ok         bool
	generation uint64
	liveEpoch  uint64
	validUntil time.Time
	value      Summary
}

func (c *summaryCache) get(generation, liveEpoch uint64, now time.Time) (Summary, bool) {
	if !c.ok || c.generation != generation || c.liveEpoch != liveEpoch {
		return Summary{}, false
	}
	if !c.validUntil.IsZero() && !now.Before(c.validUntil) {
		return Summary{}, false
	}
	return c.value, true
}

func (c *summaryCache) invalidate() { c.ok = false }

func computeSummary(s State, liveEpoch uint64, now time.Time) (Summary, time.Time) {
	sum := Summary{ComputedAt: now}
	var next time.Time
	for _, e := range s.Workers {
		sum.Total++
		if position.Classify(e.Record.ObservedAt, now) == position.Active {
			sum.Active++
			flip := position.FlipsAt(e.Record.ObservedAt)
			if next.IsZero() || flip.Before(next) {
				next = flip
			}
		} else {
			sum.Inactive++
		}
		if IsLive(e, liveEpoch) {
			sum.Live++
		}
	}
	return sum, next
}

// IsLive: sólo cuenta como en vivo lo que llegó por push durante la sesión
// en vivo actual. Tras un corte pudieron perderse eventos.
func IsLive(e Entry, liveEpoch uint64) bool {
	return liveEpoch != 0 && e.FromPush && e.LiveEpoch == liveEpoch
}
