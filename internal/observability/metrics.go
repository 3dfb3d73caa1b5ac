package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewmap_events_received_total",
		Help: "Eventos push recibidos por tipo de canal",
	}, []string{"kind"})
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewmap_events_applied_total",
		Help: "Eventos procesados por el motor de reconciliación, por resultado",
	}, []string{"kind", "outcome"})
	MalformedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewmap_malformed_payloads_total",
		Help: "Payloads rechazados en la decodificación",
	}, []string{"kind"})
	SubscriptionStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewmap_subscription_status_total",
		Help: "Transiciones de estado de suscripción reportadas por el transporte",
	}, []string{"kind", "status"})
	SnapshotErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewmap_snapshot_errors_total",
		Help: "Errores al consultar el snapshot de posiciones",
	})
	SnapshotLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crewmap_snapshot_latency_seconds",
		Help:    "Latencia de la consulta de snapshot",
		Buckets: prometheus.DefBuckets,
	})
	SnapshotDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewmap_snapshot_dropped_total",
		Help: "Resultados de snapshot descartados por época vencida",
	})
	IdentityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewmap_identity_errors_total",
		Help: "Errores al resolver la identidad de un trabajador",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crewmap_active_sessions",
		Help: "Sesiones de vista montadas",
	})
	PositionsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewmap_positions_ingested_total",
		Help: "Posiciones recibidas de dispositivos y guardadas",
	})
	DeviceConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crewmap_device_connections",
		Help: "Equipos conectados por TCP",
	})
)

func ObserveSnapshotLatency(start time.Time) {
	SnapshotLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(":"+port, mux)
}
