package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/roboclub/oprec/backend/internal/logbook"
	"github.com/roboclub/oprec/backend/internal/registration"
	"go.uber.org/zap"
)

type errorBody struct {
	Error     string                    `json:"error"`
	Code      string                    `json:"code"`
	Fields    []registration.FieldError `json:"fields,omitempty"`
	Succeeded []string                  `json:"succeeded,omitempty"`
	Failed    []string                  `json:"failed,omitempty"`
}

type coder interface {
	Code() string
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registration.ErrNotFound), errors.Is(err, logbook.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registration.ErrValidation), errors.Is(err, logbook.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, logbook.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registration.ErrInvalidTransition), errors.Is(err, registration.ErrNotEditable),
		errors.Is(err, registration.ErrRegistrationClosed), errors.Is(err, logbook.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, registration.ErrUnavailable), errors.Is(err, logbook.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Code: "internal"}
	var coded coder
	if errors.As(err, &coded) {
		body.Code = coded.Code()
	}
	var validation *registration.ValidationError
	if errors.As(err, &validation) {
		body.Fields = validation.Fields
	}
	var partial *registration.BatchPartialFailureError
	if errors.As(err, &partial) {
		body.Succeeded = partial.Succeeded
		body.Failed = partial.Failed
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *httpHandler) badRequest(c *gin.Context, code string, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: code})
}
