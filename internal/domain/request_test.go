package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyKnownSize(t *testing.T) {
	tests := []struct {
		name  string
		body  Body
		size  int
		known bool
	}{
		{name: "empty", body: EmptyBody(), size: 0, known: true},
		{name: "buffered", body: BufferedBody(512), size: 512, known: true},
		{name: "streaming", body: StreamingBody(), known: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, known := tt.body.KnownSize()
			assert.Equal(t, tt.known, known)
			assert.Equal(t, tt.size, size)
		})
	}
}

func TestHeadersFormatting(t *testing.T) {
	h := Headers{
		{Name: "Host", Value: "example.com"},
		{Name: "Accept", Value: "text/html"},
		{Name: "accept", Value: "application/json"},
	}

	assert.Equal(t, "{ Host: example.com, Accept: text/html, accept: application/json }", h.String())
	assert.Equal(t, map[string]string{
		"host":   "example.com",
		"accept": "text/html, application/json",
	}, h.Map())
	assert.Equal(t, "{ }", Headers(nil).String())
}

func TestRequestRecordLifecycle(t *testing.T) {
	id := uuid.New()
	rec := NewRequestRecord(RequestStart{ID: id, ReceivedAt: time.Now(), Method: "GET", URL: "/"})

	resp := rec.SetResponse(200, 10*time.Millisecond, BufferedBody(42))
	assert.Equal(t, id, resp.ID)
	require.NotNil(t, resp.Size)
	assert.Equal(t, int64(42), *resp.Size)
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, 200, *rec.StatusCode)

	fin := rec.SetFinish(15 * time.Millisecond)
	assert.Equal(t, id, fin.ID)
	require.NotNil(t, rec.FinishLatency)
	assert.Equal(t, 15*time.Millisecond, *rec.FinishLatency)
}

func TestRequestRecordStreamingHasNoSize(t *testing.T) {
	rec := NewRequestRecord(RequestStart{ID: uuid.New()})
	resp := rec.SetResponse(200, time.Millisecond, StreamingBody())
	assert.Nil(t, resp.Size)
	assert.Nil(t, rec.ResponseSize)
}
