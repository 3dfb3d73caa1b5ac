package channel

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

type Label string

const (
	LabelDisconnected Label = "Disconnected"
	LabelConnecting   Label = "Connecting"
	LabelLive         Label = "Live"
)

const (
	eventConnect    = "connect"
	eventSubscribed = "subscribed"
	eventDrop       = "drop"
)

// ConnectionState es una foto del estado de conexión. LastEventAt en cero
// significa que todavía no se aceptó ningún evento. LiveEpoch identifica la
// sesión en vivo actual de location (0 si no está viva).
type ConnectionState struct {
	Tenant      string
	Channels    []Kind
	IsLive      bool
	LiveEpoch   uint64
	LastEventAt time.Time
	Label       Label
}

// newLabelFSM: Disconnected -> Connecting -> Live; Live/Connecting -> Disconnected.
// Sólo el canal location mueve la etiqueta.
func newLabelFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(LabelDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(LabelDisconnected)}, Dst: string(LabelConnecting)},
			{Name: eventSubscribed, Src: []string{string(LabelConnecting)}, Dst: string(LabelLive)},
			{Name: eventDrop, Src: []string{string(LabelConnecting), string(LabelLive)}, Dst: string(LabelDisconnected)},
		},
		fsm.Callbacks{},
	)
}

func fire(f *fsm.FSM, event string) {
	if !f.Can(event) {
		return
	}
	_ = f.Event(context.Background(), event)
}
