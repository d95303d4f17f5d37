// Package consumer implements the connection manager and the
// delivery pipeline: the event loop that owns the single
// broker connection/channel, subscribes to one queue, and routes each
// delivery through the state machine and handler adapter to produce an
// ack/reject.
//
// Broker access is behind two small interfaces (Conn, Channel) whose
// method sets mirror amqp091-go's *amqp.Connection/*amqp.Channel.
// *amqp.Channel satisfies Channel structurally; *amqp.Connection goes
// through the thin realConn adapter because its Channel method returns the
// concrete type. Tests substitute fakes in their place.
package consumer

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/outpostlabs/drayman/internal/domain"
)

// Channel is the subset of *amqp.Channel the worker depends on.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Recover(requeue bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Conn is the subset of *amqp.Connection the worker depends on.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(params domain.ConnectionParams) (Conn, error)

// realConn adapts *amqp.Connection to Conn.
type realConn struct {
	c *amqp.Connection
}

func (r *realConn) Channel() (Channel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realConn) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return r.c.NotifyClose(c)
}

func (r *realConn) Close() error { return r.c.Close() }

// DialAMQP is the production Dialer: it opens a TCP connection with the
// configured socket timeout, then performs the AMQP handshake with the
// given vhost/credentials/frame-max/heartbeat.
func DialAMQP(params domain.ConnectionParams) (Conn, error) {
	timeout := params.SocketTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cfg := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
		FrameSize:  params.FrameMax,
		Heartbeat:  params.HeartbeatInterval,
		Dial: func(network, addr string) (net.Conn, error) {
			c, err := net.DialTimeout(network, addr, timeout)
			if err != nil {
				return nil, err
			}
			if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}
			return c, nil
		},
	}
	if params.UseTLS {
		cfg.TLSClientConfig = &tls.Config{InsecureSkipVerify: params.InsecureSkipTLS} // nolint: gosec
	}

	scheme := "amqp"
	if params.UseTLS {
		scheme = "amqps"
	}
	uri := amqp.URI{
		Scheme:   scheme,
		Host:     params.Host,
		Port:     params.Port,
		Username: params.Username,
		Password: params.Password,
		Vhost:    params.VHost,
	}.String()

	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &realConn{c: conn}, nil
}
