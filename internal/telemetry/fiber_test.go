package telemetry

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/site-telemetry/internal/sink"
)

func newFiberApp(h *harness, streamed *atomic.Pointer[RequestContext]) *fiber.App {
	app := fiber.New()
	app.Use(FiberMiddleware(h.tracker))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("hello")
	})
	app.Get("/posts/:id", func(c *fiber.Ctx) error {
		return c.SendString("post " + c.Params("id"))
	})
	app.Get("/teapot", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusTeapot, "short and stout")
	})
	app.Get("/stream", func(c *fiber.Ctx) error {
		streamed.Store(FromFiber(c))
		StreamBody(c, func(w *bufio.Writer) {
			_, _ = w.WriteString("chunk-1\n")
			_ = w.Flush()
			_, _ = w.WriteString("chunk-2\n")
		})
		return nil
	})
	return app
}

func TestFiberMiddleware_BufferedResponse(t *testing.T) {
	h := newHarness(t, nil, Options{})
	app := newFiberApp(h, &atomic.Pointer[RequestContext]{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/posts/42?ref=home", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "post 42", string(body))

	calls := h.sink.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "/posts/42?ref=home", calls[0].url)
	assert.Equal(t, 200, calls[1].status)
	require.NotNil(t, calls[1].size)
	assert.Equal(t, int64(len("post 42")), *calls[1].size)
	assert.Equal(t, sink.OpFinish, calls[2].op)

	assert.Equal(t, 1.0, h.counter(t, MetricURLsWithStatus, "/posts/:id", "200"))
	assert.Equal(t, uint64(1), h.samples(t, MetricResponseSize))
}

func TestFiberMiddleware_ErrorStatusIsRecorded(t *testing.T) {
	h := newHarness(t, nil, Options{})
	app := newFiberApp(h, &atomic.Pointer[RequestContext]{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/teapot", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)

	assert.Equal(t, 1.0, h.counter(t, MetricResponseCode, "418"))
	calls := h.sink.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, fiber.StatusTeapot, calls[1].status)
}

func TestFiberMiddleware_UnmatchedRoute(t *testing.T) {
	h := newHarness(t, nil, Options{})
	app := newFiberApp(h, &atomic.Pointer[RequestContext]{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, 1.0, h.counter(t, MetricURLsWithStatus, unmatchedRoute, "404"))
	assert.Equal(t, 0.0, h.counter(t, MetricURLsWithStatus, "/", "404"))
	assert.Len(t, h.sink.snapshot(), 3)
}

func TestFiberMiddleware_OptOut(t *testing.T) {
	h := newHarness(t, nil, Options{})
	app := newFiberApp(h, &atomic.Pointer[RequestContext]{})
	before := h.render(t)

	withCookie := httptest.NewRequest(http.MethodGet, "/", nil)
	withCookie.AddCookie(&http.Cookie{Name: "anonymize_logging", Value: "1"})
	resp, err := app.Test(withCookie)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	withHeader := httptest.NewRequest(http.MethodGet, "/", nil)
	withHeader.Header.Set("X-Anonymize-Logging", "true")
	resp, err = app.Test(withHeader)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, h.sink.snapshot())
	assert.Equal(t, before, h.render(t))
}

func TestFiberMiddleware_StreamFinishesWhenWriterCompletes(t *testing.T) {
	h := newHarness(t, nil, Options{})
	var streamed atomic.Pointer[RequestContext]
	app := newFiberApp(h, &streamed)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/stream", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "chunk-1\nchunk-2\n", string(body))

	rc := streamed.Load()
	require.NotNil(t, rc)
	assert.Eventually(t, func() bool { return rc.Phase() == PhaseFinished }, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(0), h.samples(t, MetricResponseSize))
	assert.Equal(t, uint64(1), h.samples(t, MetricResponseLatency))
	assert.Equal(t, uint64(1), h.samples(t, MetricFinishLatency))

	calls := h.sink.snapshot()
	require.Len(t, calls, 3)
	assert.Nil(t, calls[1].size)
}
