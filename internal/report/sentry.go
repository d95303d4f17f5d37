package report

import (
	"context"
	"time"

	sdk "github.com/getsentry/sentry-go"
)

// SentryOptions configures the Sentry-backed sink. There is no tracing
// here, only exception capture.
type SentryOptions struct {
	DSN          string
	Environment  string
	Release      string
	FlushTimeout time.Duration
}

// SentrySink forwards unhandled-exception records to Sentry, mirroring the
// original's `raven.Client.captureException` call in
// `send_exception_to_sentry`.
type SentrySink struct {
	hub          *sdk.Hub
	flushTimeout time.Duration
}

// NewSentrySink initialises the Sentry SDK and returns a Sink. If opts.DSN
// is empty the client is effectively disabled (events are discarded
// without being sent), matching the original's "if raven and 'sentry_dsn' in
// cfg" guard.
func NewSentrySink(opts SentryOptions) (*SentrySink, error) {
	if err := sdk.Init(sdk.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	}); err != nil {
		return nil, err
	}
	flush := opts.FlushTimeout
	if flush == 0 {
		flush = 2 * time.Second
	}
	return &SentrySink{hub: sdk.CurrentHub(), flushTimeout: flush}, nil
}

// Report sends rec as a captured exception, with rec.Environment already
// expected to have passed through RedactEnv.
func (s *SentrySink) Report(_ context.Context, rec Record) {
	scope := sdk.NewScope()
	scope.SetTag("consumer", rec.ConsumerName)
	scope.SetTag("connection", rec.ConnectionName)
	scope.SetContext("environment", toAnyMap(rec.Environment))
	scope.SetContext("message", rec.Message)
	scope.SetExtra("time_spent_ms", rec.TimeSpentMs)
	scope.SetExtra("module_versions", rec.ModuleVersions)

	err := rec.Err
	if err == nil {
		s.hub.CaptureMessage(rec.Logger)
		return
	}
	s.hub.WithScope(func(sc *sdk.Scope) {
		*sc = *scope
		s.hub.CaptureException(err)
	})
}

// Close flushes any buffered events before the process exits.
func (s *SentrySink) Close() {
	s.hub.Flush(s.flushTimeout)
}

func toAnyMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
