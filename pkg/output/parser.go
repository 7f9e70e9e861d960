// Package output turns salt-api return objects into ordered, typed runs.
//
// Ordering is shared by both parsers: Order and OrderOrchestration sort each
// minion's or master's steps by __run_num__. StateParser then classifies
// single state runs, OrchestrationParser multi-step orchestrations, embedding
// a parsed state run for every state-type step.
//
// Nothing here renders text. Presenters take the normalized values and the
// duration helpers and decide on layout, color and character set themselves.
package output

import "context"

// ResultParser reduces a raw return object to per-host summaries.
type ResultParser interface {
	Summarize(ctx context.Context, raw map[string]interface{}) (map[string]RunSummary, error)
}

var (
	_ ResultParser = StateParser{}
	_ ResultParser = (*OrchestrationParser)(nil)
)
