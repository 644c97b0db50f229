package observability

import (
	"bytes"
	"fmt"
	"io"

	"github.com/prometheus/common/expfmt"
)

// TextContentType is the content type of the Prometheus text exposition format.
const TextContentType = "text/plain; version=0.0.4; charset=utf-8"

// WriteText encodes the snapshot in the text exposition format.
func (s Snapshot) WriteText(w io.Writer) error {
	for _, mf := range s {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Render gathers the registry and returns its text exposition.
func Render(r *Registry) ([]byte, error) {
	snapshot, err := r.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := snapshot.WriteText(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
