package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/pipeline"
)

const defaultHistoryWindow = 24 * time.Hour

// ----- vista en vivo -----

func (h *handlers) getLive(c *gin.Context) {
	s := h.Sessions.Get(c.Request.Context(), operatorOf(c))
	success(c, http.StatusOK, s.Project())
}

func (h *handlers) getSummary(c *gin.Context) {
	s := h.Sessions.Get(c.Request.Context(), operatorOf(c))
	success(c, http.StatusOK, s.Summary())
}

func (h *handlers) unmount(c *gin.Context) {
	if !h.Sessions.Drop(operatorOf(c).ID) {
		fail(c, http.StatusNotFound, "no live session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) subscribeAll(c *gin.Context) {
	s := h.Sessions.Get(c.Request.Context(), operatorOf(c))
	s.Subscribe()
	success(c, http.StatusOK, s.Project().Connection)
}

func (h *handlers) unsubscribeAll(c *gin.Context) {
	s, ok := h.Sessions.Peek(operatorOf(c).ID)
	if !ok {
		fail(c, http.StatusNotFound, "no live session")
		return
	}
	s.Unsubscribe()
	success(c, http.StatusOK, s.Project().Connection)
}

func (h *handlers) subscribeTo(c *gin.Context) {
	kind, err := channel.ParseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	s := h.Sessions.Get(c.Request.Context(), operatorOf(c))
	s.SubscribeTo(kind)
	success(c, http.StatusOK, s.Project().Connection)
}

func (h *handlers) unsubscribeFrom(c *gin.Context) {
	kind, err := channel.ParseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	s, ok := h.Sessions.Peek(operatorOf(c).ID)
	if !ok {
		fail(c, http.StatusNotFound, "no live session")
		return
	}
	s.UnsubscribeFrom(kind)
	success(c, http.StatusOK, s.Project().Connection)
}

// ----- ingesta -----

func (h *handlers) ingestPosition(c *gin.Context) {
	op := operatorOf(c)
	var row map[string]any
	if err := c.ShouldBindJSON(&row); err != nil || row == nil {
		badRequest(c, "invalid json body")
		return
	}

	rec, inserted, err := h.Ingest.IngestPosition(c.Request.Context(), op.TenantID, row)
	switch {
	case pipeline.IsValidation(err):
		badRequest(c, err.Error())
	case err != nil:
		h.logger.Error("api: ingest position failed", "tenant", op.TenantID, "err", err)
		internalError(c)
	case !inserted:
		success(c, http.StatusOK, rec)
	default:
		success(c, http.StatusCreated, rec)
	}
}

func (h *handlers) setWorkerStatus(c *gin.Context) {
	op := operatorOf(c)
	var row map[string]any
	if err := c.ShouldBindJSON(&row); err != nil || row == nil {
		badRequest(c, "invalid status body")
		return
	}
	row["worker_id"] = c.Param("id")

	ev, err := h.Ingest.SetWorkerStatus(c.Request.Context(), op.TenantID, row)
	switch {
	case pipeline.IsValidation(err):
		badRequest(c, err.Error())
	case err != nil:
		h.logger.Error("api: set worker status failed", "tenant", op.TenantID, "worker", c.Param("id"), "err", err)
		internalError(c)
	default:
		success(c, http.StatusOK, ev)
	}
}

// ----- historial -----

func (h *handlers) history(c *gin.Context) {
	op := operatorOf(c)
	to, err := timeParam(c, "to", h.Now())
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	from, err := timeParam(c, "from", to.Add(-defaultHistoryWindow))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if from.After(to) {
		badRequest(c, "from is after to")
		return
	}

	recs, err := h.History.PositionHistory(c.Request.Context(), op.TenantID, c.Param("id"), from, to)
	if err != nil {
		h.logger.Error("api: history failed", "tenant", op.TenantID, "worker", c.Param("id"), "err", err)
		internalError(c)
		return
	}
	success(c, http.StatusOK, recs)
}

func timeParam(c *gin.Context, name string, fallback time.Time) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name + " (RFC3339 expected)")
	}
	return t, nil
}
