// Package domain holds the data types shared across the worker: the
// wire-level delivery handed up from the connection manager, the outcome
// contract handlers return, and the immutable configuration assembled at
// setup.
package domain

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is a single broker delivery, decoupled from amqp091-go so the
// pipeline can be exercised without a live connection. Ack/Nack close over
// the channel and delivery tag that produced the message; the pipeline
// never touches *amqp.Channel directly.
type Delivery struct {
	DeliveryTag uint64
	Properties  amqp.Table
	ContentType string
	Body        []byte
	Redelivered bool
	ReceivedAt  time.Time

	// Epoch is the connection epoch in effect when this delivery arrived.
	// It is captured by the pipeline when the delivery is accepted and compared
	// against the worker's current epoch before any ack/reject is issued.
	Epoch int64

	Ack  func() error
	Nack func(requeue bool) error
}

// CurrentMessage is the single in-flight record a worker may hold. At most
// one exists at a time; it is created when a delivery begins processing and
// cleared when its disposition has been applied.
type CurrentMessage struct {
	Delivery     *Delivery
	InflightEpoch int64
	ReceivedAt   time.Time
}
