// Package response defines the JSON envelope shared by all HTTP handlers.
package response

import (
	"errors"
	"net/http"

	"github.com/certpeak/service-purchase/internal/domain/apperrors"
	"github.com/gin-gonic/gin"
)

// Envelope is the standard response body.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Meta carries pagination information.
type Meta struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// PaginatedEnvelope wraps a list response with pagination metadata.
type PaginatedEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    Meta `json:"meta"`
}

// Success writes a 200 response with the given payload.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 response with the given payload.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// BadRequest writes a 400 response with the given message.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Envelope{Success: false, Error: message})
}

// Paginated writes a 200 list response with pagination metadata.
func Paginated(c *gin.Context, data any, page, limit int, total int64) {
	c.JSON(http.StatusOK, PaginatedEnvelope{
		Success: true,
		Data:    data,
		Meta:    Meta{Page: page, Limit: limit, Total: total},
	})
}

// Error maps an application error to its HTTP status. Unclassified
// errors become 500 with a generic message so internals do not leak.
func Error(c *gin.Context, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		c.JSON(apperrors.HTTPStatus(appErr.Kind), Envelope{Success: false, Error: appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, Envelope{Success: false, Error: "internal server error"})
}
