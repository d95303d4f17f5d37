package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/outpostlabs/drayman/internal/domain"
)

// connectOutcome is delivered over a channel by asyncConnect so the event
// loop never blocks on the dial/QoS/consume round trip.
type connectOutcome struct {
	conn            Conn
	channel         Channel
	deliveries      <-chan amqp.Delivery
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	err             error
}

// asyncConnect performs one connect attempt — dial, open channel, QoS,
// recover, consume — and reports the outcome on
// the returned channel without blocking the caller. ctx cancellation does
// not abort an in-flight dial; it only lets the goroutine give up on
// delivering the outcome once nobody is waiting for it.
func asyncConnect(ctx context.Context, dial Dialer, params domain.ConnectionParams, queue, consumerTag string, prefetch int, ackEnabled bool) <-chan connectOutcome {
	out := make(chan connectOutcome, 1)
	go func() {
		outcome := doConnect(dial, params, queue, consumerTag, prefetch, ackEnabled)
		select {
		case out <- outcome:
		case <-ctx.Done():
		}
	}()
	return out
}

func doConnect(dial Dialer, params domain.ConnectionParams, queue, consumerTag string, prefetch int, ackEnabled bool) connectOutcome {
	conn, err := dial(params)
	if err != nil {
		return connectOutcome{err: fmt.Errorf("connect: dial: %w", err)}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return connectOutcome{err: fmt.Errorf("connect: open channel: %w", err)}
	}

	// basic-qos, global=false.
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return connectOutcome{err: fmt.Errorf("connect: qos: %w", err)}
	}

	if err := ch.Recover(true); err != nil {
		ch.Close()
		conn.Close()
		return connectOutcome{err: fmt.Errorf("connect: recover: %w", err)}
	}

	deliveries, err := ch.Consume(queue, consumerTag, !ackEnabled, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return connectOutcome{err: fmt.Errorf("connect: consume: %w", err)}
	}

	notifyConnClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	notifyChanClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	return connectOutcome{
		conn:            conn,
		channel:         ch,
		deliveries:      deliveries,
		notifyConnClose: notifyConnClose,
		notifyChanClose: notifyChanClose,
	}
}
