package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/site-telemetry/internal/observability"
	apperrors "github.com/spec-kit/site-telemetry/pkg/util/errorutil"
)

// MetricsHandler exposes the registry in the Prometheus text format.
type MetricsHandler struct {
	registry *observability.Registry
}

func NewMetricsHandler(registry *observability.Registry) *MetricsHandler {
	return &MetricsHandler{registry: registry}
}

// Scrape renders the current snapshot. An encoding failure is an ordinary 500.
func (h *MetricsHandler) Scrape(c *fiber.Ctx) error {
	body, err := observability.Render(h.registry)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	c.Set(fiber.HeaderContentType, observability.TextContentType)
	return c.Send(body)
}
