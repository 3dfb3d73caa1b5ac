package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response es el sobre común de todas las respuestas.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: message})
}

func badRequest(c *gin.Context, message string) { fail(c, http.StatusBadRequest, message) }

func internalError(c *gin.Context) { fail(c, http.StatusInternalServerError, "internal error") }
