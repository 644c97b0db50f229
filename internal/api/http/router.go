package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/site-telemetry/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	MetricsPath string
	Health      *handlers.HealthHandler
	Metrics     *handlers.MetricsHandler
	Privacy     *handlers.PrivacyHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Get(cfg.MetricsPath, cfg.Metrics.Scrape)
	app.Post("/privacy", cfg.Privacy.Update)
}
