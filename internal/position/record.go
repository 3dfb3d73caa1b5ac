package position

import (
	"math"
	"time"

	"github.com/golang/geo/s2"
)

const EarthRadiusMeters = 6371008.8

// Identity es la vista denormalizada del trabajador (nombre, contacto).
// Puede llegar tarde: se resuelve aparte de la posición.
type Identity struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Placeholder se muestra mientras la identidad no está resuelta.
func Placeholder(workerID string) Identity {
	return Identity{Name: "Worker " + workerID}
}

// Record es una observación de posición de un trabajador. Nunca se muta:
// una observación nueva reemplaza a la anterior en el motor.
type Record struct {
	ID         string    `json:"id"`
	WorkerID   string    `json:"worker_id"`
	TenantID   string    `json:"tenant_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Worker     *Identity `json:"worker,omitempty"`
}

// StatusEvent cambia sólo el estado del trabajador, nunca su posición.
type StatusEvent struct {
	WorkerID  string    `json:"worker_id"`
	TenantID  string    `json:"tenant_id"`
	Active    bool      `json:"is_active"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VisitEvent reporta un cambio de estado de una visita asignada a un trabajador.
type VisitEvent struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func checkCoords(lat, lon float64) error {
	// 0,0 es lo que mandan los equipos sin fix
	if lat == 0 && lon == 0 {
		return &DecodeError{Field: "latitude", Reason: "no fix"}
	}
	ll := s2.LatLngFromDegrees(lat, lon)
	if math.Abs(ll.Lat.Radians()) > math.Pi/2 {
		return &DecodeError{Field: "latitude", Reason: "out of range"}
	}
	if !ll.IsValid() {
		return &DecodeError{Field: "longitude", Reason: "out of range"}
	}
	return nil
}

// DistanceMeters devuelve la distancia de gran círculo entre dos registros.
func DistanceMeters(a, b Record) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}
