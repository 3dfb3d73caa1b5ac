// Package api expone la vista en vivo y la ingesta de posiciones por HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crewmap-svr/internal/auth"
	"crewmap-svr/internal/pipeline"
	"crewmap-svr/internal/position"
)

// History es la consulta de recorridos sobre el almacenamiento durable.
type History interface {
	PositionHistory(ctx context.Context, tenantID, workerID string, from, to time.Time) ([]position.Record, error)
}

type Deps struct {
	Auth     *auth.Provider
	Sessions *Sessions
	Ingest   *pipeline.Processor
	History  History
	// Ready se consulta en /healthz
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
	Now    func() time.Time
}

type handlers struct {
	Deps
	logger *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d, logger: d.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1", requireOperator(d.Auth))
	{
		live := v1.Group("/live")
		{
			live.GET("", h.getLive)
			live.DELETE("", h.unmount)
			live.GET("/summary", h.getSummary)
			live.POST("/subscriptions", h.subscribeAll)
			live.DELETE("/subscriptions", h.unsubscribeAll)
			live.POST("/subscriptions/:kind", h.subscribeTo)
			live.DELETE("/subscriptions/:kind", h.unsubscribeFrom)
		}

		v1.POST("/positions", h.ingestPosition)
		v1.POST("/workers/:id/status", h.setWorkerStatus)
		v1.GET("/workers/:id/history", h.history)
	}
	return r
}

func (h *handlers) health(c *gin.Context) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			h.logger.Warn("api: not ready", "err", err)
			fail(c, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	success(c, http.StatusOK, gin.H{"sessions": h.Sessions.Len()})
}
