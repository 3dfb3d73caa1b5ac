package position

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyWindow(t *testing.T) {
	now := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)

	assert.Equal(t, Active, Classify(now.Add(-4*time.Minute-59*time.Second), now))
	assert.Equal(t, Active, Classify(now.Add(-ActivityWindow), now))
	assert.Equal(t, Inactive, Classify(now.Add(-5*time.Minute-1*time.Second), now))
	assert.Equal(t, Active, Classify(now, now))
}

func TestClassifyElapsedTimeOnly(t *testing.T) {
	observed := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)

	assert.Equal(t, Active, Classify(observed, observed.Add(time.Minute)))
	assert.Equal(t, Inactive, Classify(observed, observed.Add(6*time.Minute)))
	assert.Equal(t, Inactive, Classify(observed, FlipsAt(observed)))
	assert.Equal(t, Active, Classify(observed, FlipsAt(observed).Add(-time.Nanosecond)))
}

func validRow() map[string]any {
	return map[string]any{
		"id":          "obs-1",
		"worker_id":   "W1",
		"tenant_id":   "acme",
		"latitude":    45.50,
		"longitude":   -73.56,
		"accuracy":    8.5,
		"observed_at": "2026-01-15T07:00:00Z",
	}
}

func TestDecodeRecord(t *testing.T) {
	rec, err := DecodeRecord(validRow())
	require.NoError(t, err)

	assert.Equal(t, "obs-1", rec.ID)
	assert.Equal(t, "W1", rec.WorkerID)
	assert.Equal(t, "acme", rec.TenantID)
	assert.InDelta(t, 45.50, rec.Latitude, 1e-9)
	require.NotNil(t, rec.Accuracy)
	assert.InDelta(t, 8.5, *rec.Accuracy, 1e-9)
	assert.Equal(t, time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC), rec.ObservedAt)
	assert.Nil(t, rec.Worker)
}

func TestDecodeRecordNumericFields(t *testing.T) {
	row := validRow()
	row["id"] = float64(1234)
	row["observed_at"] = json.Number("1768460400000")
	row["latitude"] = json.Number("45.51")
	delete(row, "accuracy")
	row["worker"] = map[string]any{"name": "Marie Tremblay", "phone": "+1 514 555 0100"}

	rec, err := DecodeRecord(row)
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.ID)
	assert.Equal(t, time.UnixMilli(1768460400000).UTC(), rec.ObservedAt)
	assert.Nil(t, rec.Accuracy)
	require.NotNil(t, rec.Worker)
	assert.Equal(t, "Marie Tremblay", rec.Worker.Name)
}

func TestDecodeRecordRejects(t *testing.T) {
	cases := map[string]func(map[string]any){
		"missing worker":    func(r map[string]any) { delete(r, "worker_id") },
		"missing tenant":    func(r map[string]any) { r["tenant_id"] = "" },
		"latitude range":    func(r map[string]any) { r["latitude"] = 91.0 },
		"longitude range":   func(r map[string]any) { r["longitude"] = -180.5 },
		"latitude type":     func(r map[string]any) { r["latitude"] = true },
		"negative accuracy": func(r map[string]any) { r["accuracy"] = -1.0 },
		"no fix":            func(r map[string]any) { r["latitude"] = 0.0; r["longitude"] = 0.0 },
		"bad timestamp":     func(r map[string]any) { r["observed_at"] = "yesterday" },
		"missing timestamp": func(r map[string]any) { delete(r, "observed_at") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			row := validRow()
			mutate(row)
			_, err := DecodeRecord(row)
			var derr *DecodeError
			assert.ErrorAs(t, err, &derr)
		})
	}
}

func TestDecodeRecordCoordinateErrors(t *testing.T) {
	cases := []struct {
		lat, lon float64
		field    string
		reason   string
	}{
		{91, 10, "latitude", "out of range"},
		{-90.5, 10, "latitude", "out of range"},
		{45, 180.5, "longitude", "out of range"},
		{0, 0, "latitude", "no fix"},
	}
	for _, c := range cases {
		row := validRow()
		row["latitude"], row["longitude"] = c.lat, c.lon
		_, err := DecodeRecord(row)
		var derr *DecodeError
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, c.field, derr.Field)
		assert.Equal(t, c.reason, derr.Reason)
	}

	row := validRow()
	row["latitude"], row["longitude"] = 90.0, -180.0
	_, err := DecodeRecord(row)
	assert.NoError(t, err)
}

func TestDecodeStatus(t *testing.T) {
	ev, err := DecodeStatus(map[string]any{
		"worker_id":  "W1",
		"tenant_id":  "acme",
		"is_active":  false,
		"status":     "off_shift",
		"updated_at": "2026-01-15T07:01:00Z",
	})
	require.NoError(t, err)
	assert.False(t, ev.Active)
	assert.Equal(t, "off_shift", ev.Status)

	_, err = DecodeStatus(map[string]any{"worker_id": "W1", "tenant_id": "acme", "updated_at": "2026-01-15T07:01:00Z"})
	assert.Error(t, err)
}

func TestDecodeVisit(t *testing.T) {
	ev, err := DecodeVisit(map[string]any{
		"id":         "v-9",
		"worker_id":  "W2",
		"tenant_id":  "acme",
		"status":     "completed",
		"updated_at": float64(1768460400000),
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", ev.Status)

	_, err = DecodeVisit(map[string]any{"id": "v-9", "worker_id": "W2", "tenant_id": "acme"})
	assert.Error(t, err)
}

func TestDistanceMeters(t *testing.T) {
	a := Record{Latitude: 45.50, Longitude: -73.56}
	b := Record{Latitude: 45.51, Longitude: -73.57}

	d := DistanceMeters(a, b)
	assert.InDelta(t, 1360, d, 30)
	assert.Zero(t, DistanceMeters(a, a))
}
