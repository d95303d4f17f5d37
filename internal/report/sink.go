// Package report implements the optional error-reporting sink:
// unhandled exceptions are forwarded as a structured record with secrets
// masked out of any URI-shaped environment value.
package report

import "context"

// Record is the structured payload forwarded to the reporting sink (spec
// §6): "{logger, module_versions, consumer_name, connection_name,
// environment (with secrets masked), message (as a dict), time_spent_ms}".
type Record struct {
	Logger         string
	ModuleVersions map[string]string
	ConsumerName   string
	ConnectionName string
	Environment    map[string]string
	Message        map[string]interface{}
	TimeSpentMs    int64
	Err            error
}

// Sink is the opaque capture endpoint for unhandled exceptions. It is
// probed for at setup; its absence is represented by NoopSink, not by nil
// checks sprinkled through the pipeline.
type Sink interface {
	Report(ctx context.Context, rec Record)
	// Close flushes any buffered events before the process exits.
	Close()
}

// NoopSink discards every record. Used when no reporting sink is configured.
type NoopSink struct{}

func (NoopSink) Report(context.Context, Record) {}
func (NoopSink) Close()                         {}
