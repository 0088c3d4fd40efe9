// Package events publishes terminal workflow outcomes to an external
// bus, keyed for partition affinity, with delivery failures logged and
// treated as non-fatal to the Run's own state.
package events

import "context"

// Event is the terminal workflow event shape published once per
// terminal Run.
type Event struct {
	ExchangeID    string         `json:"exchange_id"`
	WorkflowType  string         `json:"workflow_type"`
	Timestamp     string         `json:"timestamp"`
	Success       bool           `json:"success"`
	Response      map[string]any `json:"response,omitempty"`
	ErrorDetails  string         `json:"error_details,omitempty"`
	PDFContentB64 string         `json:"pdf_content,omitempty"`
}

// Publisher enqueues one terminal event per finished Run.
type Publisher interface {
	PublishTerminal(ctx context.Context, event Event) error
	Close() error
}
