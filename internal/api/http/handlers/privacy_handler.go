package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/site-telemetry/pkg/util/errorutil"
)

const privacyCookieLifetime = 365 * 24 * time.Hour

// PrivacyHandler lets visitors toggle the opt-out cookie from the privacy form.
type PrivacyHandler struct {
	cookie string
}

func NewPrivacyHandler(cookie string) *PrivacyHandler {
	return &PrivacyHandler{cookie: cookie}
}

// Update sets the cookie when the form field is a positive number and clears it when the
// field is absent, then redirects home.
func (h *PrivacyHandler) Update(c *fiber.Ctx) error {
	raw := c.FormValue(h.cookie)
	hasCookie := c.Cookies(h.cookie) != ""

	if raw == "" {
		if hasCookie {
			c.ClearCookie(h.cookie)
		}
		return c.Redirect("/", fiber.StatusFound)
	}

	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return apperrors.NewValidationError("invalid privacy setting", map[string]any{h.cookie: raw})
	}
	if n > 0 && !hasCookie {
		c.Cookie(&fiber.Cookie{
			Name:     h.cookie,
			Value:    "1",
			Path:     "/",
			Expires:  time.Now().Add(privacyCookieLifetime),
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
	return c.Redirect("/", fiber.StatusFound)
}
