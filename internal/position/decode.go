package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DecodeError describe por qué un payload del transporte fue rechazado.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}

var validate = validator.New()

type recordFields struct {
	ID       string   `validate:"required"`
	WorkerID string   `validate:"required"`
	TenantID string   `validate:"required"`
	Accuracy *float64 `validate:"omitempty,gte=0"`
}

type statusFields struct {
	WorkerID string `validate:"required"`
	TenantID string `validate:"required"`
}

type visitFields struct {
	ID       string `validate:"required"`
	WorkerID string `validate:"required"`
	TenantID string `validate:"required"`
	Status   string `validate:"required"`
}

// DecodeRecord convierte la fila cruda de `positions` en un Record validado.
func DecodeRecord(row map[string]any) (Record, error) {
	f := recordFields{
		ID:       stringField(row, "id"),
		WorkerID: stringField(row, "worker_id"),
		TenantID: stringField(row, "tenant_id"),
	}
	lat, err := floatField(row, "latitude")
	if err != nil {
		return Record{}, err
	}
	lon, err := floatField(row, "longitude")
	if err != nil {
		return Record{}, err
	}
	if _, ok := row["accuracy"]; ok && row["accuracy"] != nil {
		acc, err := floatField(row, "accuracy")
		if err != nil {
			return Record{}, err
		}
		f.Accuracy = &acc
	}
	if err := check(f); err != nil {
		return Record{}, err
	}
	if err := checkCoords(lat, lon); err != nil {
		return Record{}, err
	}
	observedAt, err := timeField(row, "observed_at")
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         f.ID,
		WorkerID:   f.WorkerID,
		TenantID:   f.TenantID,
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   f.Accuracy,
		ObservedAt: observedAt,
	}
	if w, ok := row["worker"].(map[string]any); ok {
		ident := Identity{
			Name:  stringField(w, "name"),
			Phone: stringField(w, "phone"),
			Email: stringField(w, "email"),
		}
		if ident.Name != "" {
			rec.Worker = &ident
		}
	}
	return rec, nil
}

// DecodeStatus convierte una fila de `worker_status`.
func DecodeStatus(row map[string]any) (StatusEvent, error) {
	f := statusFields{
		WorkerID: stringField(row, "worker_id"),
		TenantID: stringField(row, "tenant_id"),
	}
	if err := check(f); err != nil {
		return StatusEvent{}, err
	}
	active, ok := row["is_active"].(bool)
	if !ok {
		return StatusEvent{}, &DecodeError{Field: "is_active", Reason: "missing or not a boolean"}
	}
	updatedAt, err := timeField(row, "updated_at")
	if err != nil {
		return StatusEvent{}, err
	}
	return StatusEvent{
		WorkerID:  f.WorkerID,
		TenantID:  f.TenantID,
		Active:    active,
		Status:    stringField(row, "status"),
		UpdatedAt: updatedAt,
	}, nil
}

// DecodeVisit convierte una fila de `visits`.
func DecodeVisit(row map[string]any) (VisitEvent, error) {
	f := visitFields{
		ID:       stringField(row, "id"),
		WorkerID: stringField(row, "worker_id"),
		TenantID: stringField(row, "tenant_id"),
		Status:   stringField(row, "status"),
	}
	if err := check(f); err != nil {
		return VisitEvent{}, err
	}
	updatedAt, err := timeField(row, "updated_at")
	if err != nil {
		return VisitEvent{}, err
	}
	return VisitEvent{
		ID:        f.ID,
		WorkerID:  f.WorkerID,
		TenantID:  f.TenantID,
		Status:    f.Status,
		UpdatedAt: updatedAt,
	}, nil
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &DecodeError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()}
	}
	return &DecodeError{Field: "payload", Reason: err.Error()}
}

func stringField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func floatField(row map[string]any, key string) (float64, error) {
	var out float64
	switch v := row[key].(type) {
	case float64:
		out = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, &DecodeError{Field: key, Reason: "not a number"}
		}
		out = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &DecodeError{Field: key, Reason: "not a number"}
		}
		out = f
	case nil:
		return 0, &DecodeError{Field: key, Reason: "missing"}
	default:
		return 0, &DecodeError{Field: key, Reason: fmt.Sprintf("unexpected type %T", v)}
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, &DecodeError{Field: key, Reason: "not finite"}
	}
	return out, nil
}

// timeField acepta RFC3339 o epoch en milisegundos.
func timeField(row map[string]any, key string) (time.Time, error) {
	switch v := row[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, &DecodeError{Field: key, Reason: "bad timestamp"}
		}
		return t.UTC(), nil
	case float64:
		if v <= 0 {
			return time.Time{}, &DecodeError{Field: key, Reason: "bad timestamp"}
		}
		return time.UnixMilli(int64(v)).UTC(), nil
	case json.Number:
		ms, err := v.Int64()
		if err != nil || ms <= 0 {
			return time.Time{}, &DecodeError{Field: key, Reason: "bad timestamp"}
		}
		return time.UnixMilli(ms).UTC(), nil
	case time.Time:
		if v.IsZero() {
			return time.Time{}, &DecodeError{Field: key, Reason: "missing"}
		}
		return v.UTC(), nil
	default:
		return time.Time{}, &DecodeError{Field: key, Reason: "missing"}
	}
}
