package handler

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/outpostlabs/drayman/internal/domain"
	"github.com/outpostlabs/drayman/internal/stats"
)

// Adapter owns a Handler instance for the worker's full lifetime and
// wraps every call to it uniformly, probing for the optional capabilities
// below and silently skipping any that are absent.
type Adapter struct {
	handler Handler
	logger  *zap.Logger
}

// NewAdapter wraps h.
func NewAdapter(h Handler, logger *zap.Logger) *Adapter {
	return &Adapter{handler: h, logger: logger}
}

// SetChannel forwards the channel to the handler if it implements
// ChannelSetter; otherwise it is a no-op.
func (a *Adapter) SetChannel(ch *amqp.Channel) {
	if cs, ok := a.handler.(ChannelSetter); ok {
		cs.SetChannel(ch)
	} else {
		a.logger.Debug("handler does not support channel assignment")
	}
}

// SetStatsd forwards the telemetry sink to the handler if it implements
// StatsdSetter; otherwise it is a no-op.
func (a *Adapter) SetStatsd(sink stats.Sink) {
	if ss, ok := a.handler.(StatsdSetter); ok {
		ss.SetStatsd(sink)
	} else {
		a.logger.Debug("handler does not support statsd assignment")
	}
}

// Version returns the handler's declared version, or "" if it does not
// implement Versioned.
func (a *Adapter) Version() string {
	if v, ok := a.handler.(Versioned); ok {
		return v.Version()
	}
	return ""
}

// Shutdown invokes the handler's optional shutdown hook, ignoring its
// absence.
func (a *Adapter) Shutdown() {
	sd, ok := a.handler.(Shutdowner)
	if !ok {
		a.logger.Debug("handler does not support shutdown hook")
		return
	}
	if err := sd.Shutdown(); err != nil {
		a.logger.Error("handler shutdown hook returned an error", zap.Error(err))
	}
}

// Execute invokes the handler, converting a panic into an
// OutcomeUnhandledException rather than letting it unwind through the
// worker's event loop.
func (a *Adapter) Execute(ctx context.Context, msg *domain.Delivery) (outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Unhandled(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return a.handler.Execute(ctx, msg)
}
