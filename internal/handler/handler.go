// Package handler implements the handler adapter: resolving a user handler
// by name, probing it for optional capabilities, and wrapping its
// invocation uniformly. The original's dynamic `a.b.C` class loading is
// replaced with a build-time registry.
package handler

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/outpostlabs/drayman/internal/domain"
	"github.com/outpostlabs/drayman/internal/stats"
)

// Handler is the required capability every consumer handler must
// implement.
type Handler interface {
	// Execute processes one delivery and returns its disposition. Execute
	// may block or otherwise suspend; it is the only awaited call within a
	// delivery's processing.
	Execute(ctx context.Context, msg *domain.Delivery) domain.Outcome
}

// ChannelSetter is an optional capability: handlers that need the raw AMQP
// channel (e.g. to publish side effects) implement it.
type ChannelSetter interface {
	SetChannel(ch *amqp.Channel)
}

// StatsdSetter is an optional capability: handlers that want to emit their
// own metrics through the worker's telemetry sink implement it.
type StatsdSetter interface {
	SetStatsd(sink stats.Sink)
}

// Shutdowner is an optional capability: handlers with cleanup to perform
// before the worker exits implement it. Errors are logged, never fatal.
type Shutdowner interface {
	Shutdown() error
}

// Versioned is an optional capability used to enrich error reports with
// the handler's declared version (SPEC_FULL.md "module-version reporting").
type Versioned interface {
	Version() string
}

// Factory constructs a Handler from its declared configuration. Factories
// are registered by name at program start (see Registry).
type Factory func(cfg map[string]interface{}) (Handler, error)
