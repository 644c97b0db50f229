package telemetry

import (
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/spec-kit/site-telemetry/internal/domain"
)

const unmatchedRoute = "unmatched"

// HTTPMiddleware adapts the tracker to net/http. The response hook fires on the first
// WriteHeader, Write or Flush and the finish hook when the handler returns. A request
// whose context is cancelled before then is abandoned, as is one whose handler panics;
// the panic is re-raised for the server or an outer recoverer.
func HTTPMiddleware(t *Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy := t.Policy()
			rc := t.OnRequest(RequestInfo{
				Method:     r.Method,
				URL:        r.URL.RequestURI(),
				RemoteAddr: r.RemoteAddr,
				Headers:    httpHeaders(r.Header),
				OptedOut:   policy.Signalled(requestCookie(r, policy.Cookie), requestHeader(r, policy.Header)),
			})
			if !rc.Tracked() {
				next.ServeHTTP(w, r)
				return
			}

			rw := &responseRecorder{ResponseWriter: w, tracker: t, rc: rc, request: r}
			defer func() {
				if p := recover(); p != nil {
					t.Abandon(rc, ReasonHandlerPanic)
					panic(p)
				}
			}()
			next.ServeHTTP(rw, r)

			if r.Context().Err() != nil {
				t.Abandon(rc, ReasonClientGone)
				return
			}
			rw.ready(http.StatusOK, domain.EmptyBody())
			t.OnFinished(rc)
		})
	}
}

// responseRecorder reports the response hook the first time the handler commits a status.
type responseRecorder struct {
	http.ResponseWriter
	tracker   *Tracker
	rc        *RequestContext
	request   *http.Request
	committed bool
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.ready(code, rw.declaredBody())
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.ready(http.StatusOK, rw.declaredBody())
	return rw.ResponseWriter.Write(b)
}

func (rw *responseRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.ready(http.StatusOK, rw.declaredBody())
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseRecorder) ready(code int, body domain.Body) {
	// 1xx responses are informational and do not commit the final status.
	if rw.committed || code < http.StatusOK {
		return
	}
	rw.committed = true
	rw.tracker.OnResponseReady(rw.rc, code, body, routeOf(rw.request))
}

// declaredBody treats a response with a Content-Length as buffered and anything else as a stream.
func (rw *responseRecorder) declaredBody() domain.Body {
	n, err := strconv.Atoi(rw.Header().Get("Content-Length"))
	switch {
	case err != nil || n < 0:
		return domain.StreamingBody()
	case n == 0:
		return domain.EmptyBody()
	default:
		return domain.BufferedBody(n)
	}
}

func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return unmatchedRoute
}

func httpHeaders(h http.Header) domain.Headers {
	headers := make(domain.Headers, 0, len(h))
	for _, name := range slices.Sorted(maps.Keys(h)) {
		for _, value := range h[name] {
			headers = append(headers, domain.Header{Name: name, Value: value})
		}
	}
	return headers
}

func requestCookie(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func requestHeader(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	return r.Header.Get(name)
}
