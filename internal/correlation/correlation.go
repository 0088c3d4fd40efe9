// Package correlation propagates a run's correlation id through a
// context.Context, the same way the logging package threads a trace id,
// so every log line and store write inside a run's lifecycle can be
// tied back to it.
package correlation

import "context"

type contextKey string

const runIDKey contextKey = "run_id"

// Unset is returned by RunID when the context carries no correlation id.
const Unset = "-"

// WithRunID returns a context carrying runID for downstream lookup.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID retrieves the correlation id set by WithRunID, or "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v
	}
	return Unset
}
