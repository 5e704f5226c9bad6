package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/apperr"
)

// errorEnvelope is the wire shape of spec §6.1's error responses.
type errorEnvelope struct {
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// writeError translates err into the HTTP error envelope, logging the cause
// of 5xx responses but never leaking it to the client, per spec §7.
func writeError(c *gin.Context, log *logrus.Entry, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := statusForKind(appErr.Kind)
		c.JSON(status, errorEnvelope{
			Error:       string(appErr.Kind),
			Message:     appErr.Message,
			FieldErrors: appErr.FieldErrors,
		})
		if status >= http.StatusInternalServerError && log != nil {
			log.WithError(err).Error("api: request failed")
		}
		return
	}

	if log != nil {
		log.WithError(err).Error("api: unexpected error")
	}
	c.JSON(http.StatusInternalServerError, errorEnvelope{
		Error:   "INTERNAL_ERROR",
		Message: "an internal error occurred",
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidParameter:
		return http.StatusBadRequest
	case apperr.KindAuthFailure:
		return http.StatusUnauthorized
	case apperr.KindQueue:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
