// Package builtin provides a minimal reference Handler, registered under
// the name "builtin.echo", useful for smoke-testing a deployment's broker
// wiring before a real consumer is plugged in.
package builtin

import (
	"context"

	"github.com/outpostlabs/drayman/internal/domain"
	"github.com/outpostlabs/drayman/internal/handler"
)

// EchoHandler acknowledges every delivery it receives and logs nothing
// itself — it exists to prove the connection, QoS and ack plumbing work
// end to end.
type EchoHandler struct{}

// NewEcho is the handler.Factory for EchoHandler.
func NewEcho(_ map[string]interface{}) (handler.Handler, error) {
	return &EchoHandler{}, nil
}

// Execute always reports success.
func (h *EchoHandler) Execute(_ context.Context, _ *domain.Delivery) domain.Outcome {
	return domain.OK()
}

// Version satisfies handler.Versioned.
func (h *EchoHandler) Version() string { return "builtin.echo/1" }
