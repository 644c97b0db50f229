package telemetry

import (
	"bufio"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/spec-kit/site-telemetry/internal/domain"
)

type localsKey struct{}

// methodUse is the method fiber records on routes registered with Use.
const methodUse = "USE"

// FiberMiddleware installs the tracker around the rest of the chain. It should be
// registered before any other middleware so error responses are observed too.
//
// The response hook fires once the chain has returned and the status and body are final.
// Buffered bodies finish immediately after; bodies written through StreamBody finish when
// the stream writer completes.
func FiberMiddleware(t *Tracker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		policy := t.Policy()
		rc := t.OnRequest(RequestInfo{
			Method:     utils.CopyString(c.Method()),
			URL:        utils.CopyString(c.OriginalURL()),
			RemoteAddr: c.IP(),
			Headers:    fiberHeaders(c),
			OptedOut:   policy.Signalled(cookieValue(c, policy.Cookie), headerValue(c, policy.Header)),
		})
		c.Locals(localsKey{}, rc)

		if chainErr := c.Next(); chainErr != nil {
			// Same as fiber's logger middleware: render the error now so the status is final.
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		if !rc.Tracked() {
			return nil
		}

		body := fiberBody(c)
		t.OnResponseReady(rc, c.Response().StatusCode(), body, fiberRoute(c))
		if !rc.deferred.Load() || body.Kind != domain.BodyStreaming {
			t.OnFinished(rc)
		}
		return nil
	}
}

// FromFiber returns the request context installed by FiberMiddleware.
func FromFiber(c *fiber.Ctx) *RequestContext {
	rc, _ := c.Locals(localsKey{}).(*RequestContext)
	return rc
}

// StreamBody sets a streamed response body and reports the request finished once write
// returns and the buffered bytes are flushed. A failed flush means the client went away.
func StreamBody(c *fiber.Ctx, write func(w *bufio.Writer)) {
	rc := FromFiber(c)
	if !rc.Tracked() {
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			write(w)
			_ = w.Flush()
		})
		return
	}

	t := rc.tracker
	rc.deferred.Store(true)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		flushed := false
		defer func() {
			if flushed {
				t.OnFinished(rc)
			} else {
				t.Abandon(rc, ReasonClientGone)
			}
		}()
		write(w)
		flushed = w.Flush() == nil
	})
}

// fiberRoute reports the matched route pattern. When no endpoint matched, the last
// route fiber saw is a Use mount (or there is none at all), which is not a label.
func fiberRoute(c *fiber.Ctx) string {
	route := c.Route()
	if route.Method == methodUse || len(route.Handlers) == 0 {
		return unmatchedRoute
	}
	return route.Path
}

func fiberBody(c *fiber.Ctx) domain.Body {
	resp := c.Response()
	if resp.IsBodyStream() {
		return domain.StreamingBody()
	}
	if n := len(resp.Body()); n > 0 {
		return domain.BufferedBody(n)
	}
	return domain.EmptyBody()
}

func fiberHeaders(c *fiber.Ctx) domain.Headers {
	var headers domain.Headers
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers = append(headers, domain.Header{Name: string(key), Value: string(value)})
	})
	return headers
}

func cookieValue(c *fiber.Ctx, name string) string {
	if name == "" {
		return ""
	}
	return c.Cookies(name)
}

func headerValue(c *fiber.Ctx, name string) string {
	if name == "" {
		return ""
	}
	return c.Get(name)
}
