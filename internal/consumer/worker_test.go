package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/outpostlabs/drayman/internal/domain"
	"github.com/outpostlabs/drayman/internal/handler"
)

// fakeChannel is a Channel test double recording every call the worker
// makes against it.
type fakeChannel struct {
	mu sync.Mutex

	acked     []uint64
	nacked    []nackCall
	cancelled bool
	closed    bool

	qosErr     error
	recoverErr error
	consumeErr error

	deliveries chan amqp.Delivery
}

type nackCall struct {
	tag     uint64
	requeue bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) Qos(int, int, bool) error { return f.qosErr }

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeChannel) Recover(bool) error { return f.recoverErr }

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return c }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeChannel) nackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nacked)
}

// fakeConn is a Conn test double handing out a single fakeChannel.
type fakeConn struct {
	mu         sync.Mutex
	channel    *fakeChannel
	channelErr error
	closed     bool
}

func (f *fakeConn) Channel() (Channel, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return f.channel, nil
}

func (f *fakeConn) NotifyClose(c chan *amqp.Error) chan *amqp.Error { return c }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeDialer hands out a fresh fakeConn/fakeChannel pair for every dial,
// recording how many times it was invoked.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int32
}

func (d *fakeDialer) dial(domain.ConnectionParams) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	conn := &fakeConn{channel: newFakeChannel()}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	return int(atomic.LoadInt32(&d.dials))
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// scriptedHandler is a handler.Handler test double whose outcome and
// latency are controlled by the test.
type scriptedHandler struct {
	mu      sync.Mutex
	outcome domain.Outcome
	delay   time.Duration
	gate    chan struct{} // if non-nil, Execute blocks until this is closed
	calls   int32
}

func (h *scriptedHandler) Execute(ctx context.Context, _ *domain.Delivery) domain.Outcome {
	atomic.AddInt32(&h.calls, 1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
		}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

func (h *scriptedHandler) setOutcome(o domain.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcome = o
}

func testConfig() domain.Config {
	return domain.Config{
		WorkerName:      "test-worker",
		QueueName:       "test.queue",
		HandlerName:     "test",
		Prefetch:        1,
		AckEnabled:      true,
		MaxErrors:       3,
		WindowSeconds:   60,
		ReconnectDelay:  5 * time.Millisecond,
		MaxShutdownWait: time.Second,
	}
}

func newTestWorker(t *testing.T, h handler.Handler) (*Worker, *fakeDialer) {
	t.Helper()
	logger := zap.NewNop()
	dialer := &fakeDialer{}
	adapter := handler.NewAdapter(h, logger)
	w := New(testConfig(), logger, dialer.dial, adapter, WithNotifier(NoopNotifier{}))
	return w, dialer
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWorker_ConnectsAndAcksSuccessfulDelivery(t *testing.T) {
	h := &scriptedHandler{outcome: domain.OK()}
	w, dialer := newTestWorker(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	conn := dialer.latest()

	conn.channel.deliveries <- amqp.Delivery{DeliveryTag: 1}

	waitFor(t, time.Second, func() bool { return conn.channel.ackCount() == 1 })
	if w.stats.Get("processed") != 1 {
		t.Errorf("expected processed counter 1, got %d", w.stats.Get("processed"))
	}
	if w.stats.Get("acked") != 1 {
		t.Errorf("expected acked counter 1, got %d", w.stats.Get("acked"))
	}

	w.RequestStop()
	<-done
}

func TestWorker_RejectsDeliveryWhileNotIdle(t *testing.T) {
	gate := make(chan struct{})
	h := &scriptedHandler{outcome: domain.OK(), gate: gate}
	w, dialer := newTestWorker(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	conn := dialer.latest()

	conn.channel.deliveries <- amqp.Delivery{DeliveryTag: 1}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&h.calls) == 1 })

	conn.channel.deliveries <- amqp.Delivery{DeliveryTag: 2}
	waitFor(t, time.Second, func() bool { return conn.channel.nackCount() == 1 })

	close(gate)
	waitFor(t, time.Second, func() bool { return conn.channel.ackCount() == 1 })

	if atomic.LoadInt32(&h.calls) != 1 {
		t.Errorf("expected the second delivery never to reach the handler, got %d calls", h.calls)
	}

	w.RequestStop()
	<-done
}

func TestWorker_ErrorBudgetTripsReconnect(t *testing.T) {
	h := &scriptedHandler{outcome: domain.Failed()}
	w, dialer := newTestWorker(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	for i := 0; i < int(testConfig().MaxErrors); i++ {
		conn := dialer.latest()
		conn.channel.deliveries <- amqp.Delivery{DeliveryTag: uint64(i + 1)}
		waitFor(t, time.Second, func() bool { return conn.channel.nackCount() >= i+1 })
	}

	waitFor(t, 2*time.Second, func() bool { return dialer.dialCount() == 2 })
	if w.stats.Get("reconnected") == 0 {
		t.Errorf("expected reconnected counter to be incremented")
	}

	w.RequestStop()
	<-done
}

func TestWorker_StopWaitsForInFlightThenDrains(t *testing.T) {
	gate := make(chan struct{})
	h := &scriptedHandler{outcome: domain.OK(), gate: gate}
	w, dialer := newTestWorker(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	conn := dialer.latest()
	conn.channel.deliveries <- amqp.Delivery{DeliveryTag: 1}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&h.calls) == 1 })

	w.RequestStop()
	waitFor(t, time.Second, func() bool {
		st, _ := w.sm.Current()
		return st.String() == "stop_requested"
	})
	if conn.channel.cancelled != true {
		t.Errorf("expected consumer to be cancelled once stop was requested")
	}

	close(gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after in-flight delivery completed")
	}

	st, _ := w.sm.Current()
	if st.String() != "stopped" {
		t.Errorf("expected final state stopped, got %s", st.String())
	}
}

func TestWorker_IdempotentStopRequest(t *testing.T) {
	h := &scriptedHandler{outcome: domain.OK()}
	w, dialer := newTestWorker(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })

	w.RequestStop()
	w.RequestStop()
	w.RequestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
