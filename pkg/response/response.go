package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dojo-tracker/capture/internal/errs"
)

// Body is the standard API response envelope.
type Body struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind errs.Kind   `json:"error_kind,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Accepted sends 202 for events handed to a session; the outcome arrives as a notification.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Body{Success: true, Data: data})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// Error sends err with the status matching its kind.
func Error(c *gin.Context, err error) {
	c.JSON(Status(err), Body{Success: false, Error: err.Error(), ErrorKind: errs.KindOf(err)})
}

// Status maps a pipeline error to an HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrWrongType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errs.ErrAssetUnreadable):
		return http.StatusGone
	case errors.Is(err, errs.ErrCancelled):
		return http.StatusConflict
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindEncoding:
		return http.StatusUnprocessableEntity
	case errs.KindState:
		return http.StatusConflict
	case errs.KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
