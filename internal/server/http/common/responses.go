// Package common holds the response envelope helpers shared by all API
// handler packages.
package common

import (
	"errors"
	"net/http"

	openapierrors "github.com/go-openapi/errors"
	"github.com/labstack/echo/v4"

	"github.com/mentorium/billing/pkg/api-billing/v1/model"
)

func ErrorResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusInternalServerError, &model.ErrorResponse{Message: message, Status: "internal_error"})
}

func NotFoundResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, &model.ErrorResponse{Message: message, Status: "not_found"})
}

func ValidationErrorResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, &model.ErrorResponse{Message: message, Status: "validation_error"})
}

// ValidationFailedResponse flattens a composite validation error into the
// errors list of the standard envelope.
func ValidationFailedResponse(c echo.Context, err error) error {
	resp := &model.ErrorResponse{Message: "request validation failed", Status: "validation_error"}

	var composite *openapierrors.CompositeError
	switch {
	case errors.As(err, &composite):
		for _, e := range composite.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
	case err != nil:
		resp.Errors = append(resp.Errors, err.Error())
	}

	return c.JSON(http.StatusBadRequest, resp)
}

func UnauthorizedResponse(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, &model.ErrorResponse{Message: message, Status: "unauthorized"})
}
