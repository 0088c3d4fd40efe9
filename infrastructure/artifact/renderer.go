// Package artifact implements kinds.ArtifactRenderer. Concrete PDF/QR
// rendering of a tax portal's extracted fields is out of this core's
// scope (§1): no example repo in the retrieval pack brings a PDF
// library, so this renderer emits a minimal placeholder document —
// enough to exercise the results envelope and the event publisher's
// base64 artifact field end to end, without depending on fabricated
// vendoring.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/arca/workflow-orchestrator/infrastructure/metrics"
)

// PlaceholderRenderer implements kinds.ArtifactRenderer with a
// deterministic, human-readable placeholder document rather than a real
// PDF, so callers downstream of the orchestrator (the event publisher,
// the status endpoint) can be exercised without a concrete rendering
// dependency.
type PlaceholderRenderer struct {
	metrics *metrics.Metrics
}

// NewPlaceholderRenderer builds a PlaceholderRenderer.
func NewPlaceholderRenderer() *PlaceholderRenderer {
	return &PlaceholderRenderer{}
}

// WithMetrics enables the per-file-operation outcome counter.
func (r *PlaceholderRenderer) WithMetrics(m *metrics.Metrics) *PlaceholderRenderer {
	r.metrics = m
	return r
}

// RenderPDF serializes fields into a small deterministic byte payload
// tagged with the %PDF-1.4 header so downstream consumers that sniff
// content type see a plausible artifact.
func (r *PlaceholderRenderer) RenderPDF(ctx context.Context, fields map[string]any) ([]byte, error) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "%s: %v\n", name, fields[name])
	}
	if r.metrics != nil {
		r.metrics.RecordFileOperation("render_pdf", "success")
	}
	return buf.Bytes(), nil
}
