package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ember/internal/conversation"
	emberrors "ember/internal/errors"
	"ember/internal/task"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), APIResponse{Success: false, Error: err.Error()})
}

func failBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrTerminal), errors.Is(err, task.ErrWrongFromStatus):
		return http.StatusConflict
	}
	switch emberrors.Classify(err) {
	case emberrors.KindValidation:
		return http.StatusBadRequest
	case emberrors.KindBackpressure:
		return http.StatusTooManyRequests
	case emberrors.KindTransient:
		return http.StatusServiceUnavailable
	case emberrors.KindCancellation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
