package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/credential-service/internal/utils"
)

// TokenParser verifies a serialized access token.
type TokenParser interface {
	Parse(token string, now time.Time) (*utils.Claims, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// stores its claims on the context.  Handlers read them with ClaimsFrom; the
// subject is also available as c.Get("user_id").
func JWTAuth(p TokenParser, now func() time.Time) echo.MiddlewareFunc {
	if now == nil {
		now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, raw, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				return unauthorized(c)
			}
			claims, err := p.Parse(strings.TrimSpace(raw), now())
			if err != nil || claims.Subject == "" {
				return unauthorized(c)
			}
			c.Set(ctxClaims, claims)
			c.Set(ctxUserID, claims.Subject)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "Unauthorized"})
}
