package snapshot

import "sync/atomic"

// Ticket es la época capturada al lanzar un fetch.
type Ticket uint64

// Guard descarta resultados de fetch que vuelven después de un cambio de
// alcance o de un desmontaje: el ticket tiene que seguir siendo la época actual.
type Guard struct {
	epoch atomic.Uint64
}

func (g *Guard) Begin() Ticket { return Ticket(g.epoch.Load()) }

func (g *Guard) Valid(t Ticket) bool { return uint64(t) == g.epoch.Load() }

// Advance invalida todos los tickets emitidos hasta ahora.
func (g *Guard) Advance() { g.epoch.Add(1) }
