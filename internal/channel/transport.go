package channel

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindLocation     Kind = "location"
	KindWorkerStatus Kind = "worker-status"
	KindVisitStatus  Kind = "visit-status"
)

var AllKinds = []Kind{KindLocation, KindWorkerStatus, KindVisitStatus}

// Table es la tabla cuyas filas entrega el canal de este tipo.
func (k Kind) Table() string {
	switch k {
	case KindLocation:
		return "positions"
	case KindWorkerStatus:
		return "worker_status"
	case KindVisitStatus:
		return "visits"
	}
	return ""
}

func (k Kind) Valid() bool { return k.Table() != "" }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown subscription kind %q", s)
	}
	return k, nil
}

// TenantColumn es la columna por la que se filtra el alcance en todas las tablas.
const TenantColumn = "tenant_id"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventAll    EventType = "*"
)

// Change es un evento de fila tal como lo entrega el transporte.
type Change struct {
	Event  EventType      `json:"type"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

type Filter struct {
	Event        EventType
	Table        string
	TenantColumn string
	TenantID     string
}

func (f Filter) Matches(c Change) bool {
	if f.Event != EventAll && f.Event != c.Event {
		return false
	}
	if f.Table != c.Table {
		return false
	}
	if f.TenantColumn != "" {
		v, _ := c.Record[f.TenantColumn].(string)
		if v != f.TenantID {
			return false
		}
	}
	return true
}

type Handler func(Change)

type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

type StatusFunc func(Status, error)

// Handle es un canal abierto en el transporte. OnChange se registra antes de
// Subscribe. Subscribe no bloquea: el resultado llega por onStatus.
type Handle interface {
	Name() string
	OnChange(f Filter, h Handler)
	Subscribe(onStatus StatusFunc)
}

// Transport es el canal push (pub/sub). OpenChannel no debe bloquear ni
// invocar callbacks.
type Transport interface {
	OpenChannel(name string) Handle
	CloseChannel(h Handle) error
}
