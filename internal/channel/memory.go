package channel

import (
	"context"
	"maps"
	"sync"
)

// MemoryTransport es un broker en proceso. Sirve para desarrollo local sin
// Redis y para tests: entrega los cambios de forma síncrona.
type MemoryTransport struct {
	mu      sync.Mutex
	handles map[*memoryHandle]struct{}
	// hold: Subscribe queda pendiente hasta Confirm/Fail
	hold bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{handles: make(map[*memoryHandle]struct{})}
}

type memoryBinding struct {
	filter  Filter
	handler Handler
}

type memoryHandle struct {
	t          *MemoryTransport
	name       string
	bindings   []memoryBinding
	onStatus   StatusFunc
	subscribed bool
}

func (h *memoryHandle) Name() string { return h.name }

func (h *memoryHandle) OnChange(f Filter, fn Handler) {
	h.t.mu.Lock()
	h.bindings = append(h.bindings, memoryBinding{filter: f, handler: fn})
	h.t.mu.Unlock()
}

func (h *memoryHandle) Subscribe(onStatus StatusFunc) {
	h.t.mu.Lock()
	h.onStatus = onStatus
	hold := h.t.hold
	if !hold {
		h.subscribed = true
	}
	h.t.mu.Unlock()
	if !hold {
		onStatus(StatusSubscribed, nil)
	}
}

func (t *MemoryTransport) OpenChannel(name string) Handle {
	h := &memoryHandle{t: t, name: name}
	t.mu.Lock()
	t.handles[h] = struct{}{}
	t.mu.Unlock()
	return h
}

func (t *MemoryTransport) CloseChannel(h Handle) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return nil
	}
	t.mu.Lock()
	delete(t.handles, mh)
	t.mu.Unlock()
	return nil
}

// Hold hace que los Subscribe siguientes queden pendientes.
func (t *MemoryTransport) Hold(hold bool) {
	t.mu.Lock()
	t.hold = hold
	t.mu.Unlock()
}

// Confirm reporta SUBSCRIBED a los canales pendientes con ese nombre.
func (t *MemoryTransport) Confirm(name string) {
	var fns []StatusFunc
	t.mu.Lock()
	for h := range t.handles {
		if h.name == name && !h.subscribed && h.onStatus != nil {
			h.subscribed = true
			fns = append(fns, h.onStatus)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(StatusSubscribed, nil)
	}
}

// Fail reporta un estado de error a los canales abiertos con ese nombre.
func (t *MemoryTransport) Fail(name string, st Status, err error) {
	var fns []StatusFunc
	t.mu.Lock()
	for h := range t.handles {
		if h.name == name && h.onStatus != nil {
			h.subscribed = false
			fns = append(fns, h.onStatus)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(st, err)
	}
}

// Deliver entrega un cambio crudo a los canales suscritos que lo aceptan.
func (t *MemoryTransport) Deliver(c Change) {
	var targets []Handler
	t.mu.Lock()
	for h := range t.handles {
		if !h.subscribed {
			continue
		}
		for _, b := range h.bindings {
			if b.filter.Matches(c) {
				targets = append(targets, b.handler)
			}
		}
	}
	t.mu.Unlock()
	for _, fn := range targets {
		fn(c)
	}
}

// Publish notifica un cambio de fila, igual que RedisPublisher.
func (t *MemoryTransport) Publish(_ context.Context, tenantID, table string, ev EventType, record map[string]any) error {
	rec := maps.Clone(record)
	if rec == nil {
		rec = map[string]any{}
	}
	rec[TenantColumn] = tenantID
	t.Deliver(Change{Event: ev, Table: table, Record: rec})
	return nil
}

// OpenCount devuelve cuántos canales siguen abiertos.
func (t *MemoryTransport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
