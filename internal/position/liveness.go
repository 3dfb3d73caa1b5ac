package position

import "time"

// ActivityWindow es fijo: un trabajador sin reportes por más de esto pasa a Inactive.
const ActivityWindow = 5 * time.Minute

type Liveness string

const (
	Active   Liveness = "Active"
	Inactive Liveness = "Inactive"
)

// Classify se calcula siempre al leer; depende sólo del reloj.
func Classify(observedAt, now time.Time) Liveness {
	if now.Sub(observedAt) <= ActivityWindow {
		return Active
	}
	return Inactive
}

// FlipsAt es el primer instante en que Classify deja de devolver Active.
func FlipsAt(observedAt time.Time) time.Time {
	return observedAt.Add(ActivityWindow + time.Nanosecond)
}

// Source indica de dónde salió la posición mostrada.
type Source string

const (
	Live   Source = "Live"
	Cached Source = "Cached"
)
