package middleware

// identity.go holds the context keys shared by the middleware and the
// helpers that read the authenticated caller back out of an echo.Context.

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/credential-service/internal/utils"
)

const (
	ctxClaims    = "claims"
	ctxUserID    = "user_id"
	ctxRequestID = "request_id"
)

// ClaimsFrom returns the access-token claims stored by JWTAuth.
func ClaimsFrom(c echo.Context) (*utils.Claims, bool) {
	cl, ok := c.Get(ctxClaims).(*utils.Claims)
	return cl, ok && cl != nil
}

// userID returns the authenticated subject, or "anon" when the request
// carries no verified access token.
func userID(c echo.Context) string {
	if s, ok := c.Get(ctxUserID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
