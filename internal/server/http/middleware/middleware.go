package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"

	"github.com/mentorium/billing/pkg/api-billing/v1/model"
)

const accountContextKey = "billing.account_id"

// ResolvesAccount parses the :accountId path parameter and stashes it in the
// request context for handlers downstream.
func ResolvesAccount() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID, err := uuid.Parse(c.Param("accountId"))
			if err != nil {
				return c.JSON(http.StatusBadRequest, &model.ErrorResponse{
					Message: "invalid account id",
					Status:  "validation_error",
				})
			}

			c.Set(accountContextKey, accountID)

			return next(c)
		}
	}
}

// ResolveAccountID returns the account resolved by ResolvesAccount. The zero
// UUID means the middleware did not run on this route.
func ResolveAccountID(c echo.Context) uuid.UUID {
	id, ok := c.Get(accountContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil
	}

	return id
}

// GuardsInternal requires the shared bearer token on internal routes.
func GuardsInternal(token string) echo.MiddlewareFunc {
	expected := []byte("Bearer " + token)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			provided := []byte(c.Request().Header.Get(echo.HeaderAuthorization))

			if token == "" || subtle.ConstantTimeCompare(expected, provided) != 1 {
				return c.JSON(http.StatusUnauthorized, &model.ErrorResponse{
					Message: "authentication required",
					Status:  "unauthorized",
				})
			}

			return next(c)
		}
	}
}

// CORS restricts cross-origin calls to the configured origins.
func CORS(allowedOrigins []string) echo.MiddlewareFunc {
	return mw.CORSWithConfig(mw.CORSConfig{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: true,
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
	})
}
