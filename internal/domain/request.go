package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is a single request header as received. Order and duplicates are preserved.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header snapshot.
type Headers []Header

// String renders the snapshot as "{ name: value, name: value }".
func (h Headers) String() string {
	if len(h) == 0 {
		return "{ }"
	}
	var b strings.Builder
	b.WriteString("{ ")
	for i, header := range h {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(header.Name)
		b.WriteString(": ")
		b.WriteString(header.Value)
	}
	b.WriteString(" }")
	return b.String()
}

// Map folds the snapshot into a map, joining repeated names with ", ".
func (h Headers) Map() map[string]string {
	out := make(map[string]string, len(h))
	for _, header := range h {
		name := strings.ToLower(header.Name)
		if prev, ok := out[name]; ok {
			out[name] = prev + ", " + header.Value
			continue
		}
		out[name] = header.Value
	}
	return out
}

// BodyKind enumerates the response body representations telemetry distinguishes.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyBuffered
	BodyStreaming
)

func (k BodyKind) String() string {
	switch k {
	case BodyEmpty:
		return "empty"
	case BodyBuffered:
		return "buffered"
	case BodyStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Body describes a response body at the moment its headers are ready.
type Body struct {
	Kind BodyKind
	Len  int
}

// EmptyBody is a response without a body.
func EmptyBody() Body { return Body{Kind: BodyEmpty} }

// BufferedBody is a fully materialized body of n bytes.
func BufferedBody(n int) Body { return Body{Kind: BodyBuffered, Len: n} }

// StreamingBody is a body whose length is unknown until it has been sent.
func StreamingBody() Body { return Body{Kind: BodyStreaming} }

// KnownSize returns the body length when it is known synchronously.
func (b Body) KnownSize() (int, bool) {
	switch b.Kind {
	case BodyEmpty:
		return 0, true
	case BodyBuffered:
		return b.Len, true
	case BodyStreaming:
		return 0, false
	default:
		return 0, false
	}
}

// RequestStart is captured at phase 1, before the handler runs.
type RequestStart struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Method     string
	URL        string
	RemoteAddr string
	Headers    Headers
}

// ResponseFacts is captured at phase 2, once status and body are decided.
type ResponseFacts struct {
	ID         uuid.UUID
	StatusCode int
	Latency    time.Duration
	// Size is nil for streamed bodies.
	Size *int64
}

// FinishFacts is captured at phase 3, once the whole response has been sent.
type FinishFacts struct {
	ID      uuid.UUID
	Latency time.Duration
}

// RequestRecord is the per-request log entry. It is owned by one request and never shared.
type RequestRecord struct {
	RequestStart

	StatusCode      *int
	ResponseLatency *time.Duration
	ResponseSize    *int64
	FinishLatency   *time.Duration
}

// NewRequestRecord starts a record from phase 1 data.
func NewRequestRecord(start RequestStart) *RequestRecord {
	return &RequestRecord{RequestStart: start}
}

// SetResponse fills phase 2 fields and returns them as facts.
func (r *RequestRecord) SetResponse(status int, latency time.Duration, body Body) ResponseFacts {
	r.StatusCode = &status
	r.ResponseLatency = &latency
	if n, ok := body.KnownSize(); ok {
		size := int64(n)
		r.ResponseSize = &size
	}
	return ResponseFacts{ID: r.ID, StatusCode: status, Latency: latency, Size: r.ResponseSize}
}

// SetFinish fills the phase 3 field and returns it as facts.
func (r *RequestRecord) SetFinish(latency time.Duration) FinishFacts {
	r.FinishLatency = &latency
	return FinishFacts{ID: r.ID, Latency: latency}
}
