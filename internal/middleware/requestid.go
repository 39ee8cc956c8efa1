package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/credential-service/internal/logger"
)

const maxRequestIDLen = 128

// RequestID propagates X-Request-ID, generating one when the client did not
// send a usable value.  The id is echoed on the response and stored on the
// request context for logger.WithContext.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			c.Set(ctxRequestID, id)
			ctx := context.WithValue(c.Request().Context(), logger.RequestIDKey{}, id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
