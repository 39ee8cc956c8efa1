package router

import (
	"database/sql"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/credential-service/internal/handler"
	"github.com/iliyamo/credential-service/internal/middleware"
)

// RegisterRoutes registers the unauthenticated operational endpoints:
// liveness, readiness and the Prometheus scrape target.
func RegisterRoutes(e *echo.Echo, db *sql.DB, gatherer prometheus.Gatherer) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// RegisterAuth registers the credential endpoints.  Token-issuing routes
// live under /api/v1/auth behind the rate limiter; the profile and
// sign-out-everywhere routes require a valid access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, tokens middleware.TokenParser, limiter echo.MiddlewareFunc) {
	g := e.Group("/api/v1/auth")
	if limiter != nil {
		g.Use(limiter)
	}
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/revoke", a.Revoke)

	auth := e.Group("/api/v1")
	auth.Use(middleware.JWTAuth(tokens, func() time.Time { return a.Now() }))
	auth.GET("/profile", a.Profile)
	auth.POST("/logout-all", a.RevokeAll)
}
