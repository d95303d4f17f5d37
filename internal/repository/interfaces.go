// Package repository defines the worker's optional persistence
// collaborators: a duplicate-delivery guard and an audit log of disposed
// deliveries. Neither is required for the worker to run; a nil guard/log
// is treated as absent and checked for nil at each use, unlike the
// error-reporting sink, whose absence is a null object.
package repository

import (
	"context"
	"time"
)

// DuplicateGuard deduplicates deliveries that may have been redelivered by
// the broker under its at-least-once guarantee, keyed by an
// application-supplied message ID (e.g. a `message_id` AMQP property).
type DuplicateGuard interface {
	// Seen marks id as processed and reports whether it was already seen.
	Seen(ctx context.Context, id string) (duplicate bool, err error)
}

// AuditEntry records the disposition of a single delivery.
type AuditEntry struct {
	MessageID     string
	Outcome       string
	Epoch         int64
	ReceivedAt    time.Time
	DisposedAt    time.Time
	ProcessingSec float64
}

// AuditLog persists a durable record of processed deliveries, independent
// of the broker's own retention.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}
