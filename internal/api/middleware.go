package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crewmap-svr/internal/auth"
)

const operatorKey = "operator"

func requestLogger(lg *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		lg.Info("api: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client", c.ClientIP(),
		)
	}
}

// requireOperator valida el Bearer y deja el operador en el contexto.
func requireOperator(p *auth.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			fail(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		op, err := p.Operator(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrNoTenant) {
				msg = "token has no tenant"
			}
			fail(c, http.StatusUnauthorized, msg)
			return
		}
		c.Set(operatorKey, op)
		c.Next()
	}
}

func operatorOf(c *gin.Context) auth.Operator {
	return c.MustGet(operatorKey).(auth.Operator)
}
