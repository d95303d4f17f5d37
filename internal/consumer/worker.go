package consumer

import (
	"context"
	"os"
	"runtime/debug"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/outpostlabs/drayman/internal/domain"
	"github.com/outpostlabs/drayman/internal/errbudget"
	"github.com/outpostlabs/drayman/internal/handler"
	"github.com/outpostlabs/drayman/internal/metrics"
	"github.com/outpostlabs/drayman/internal/report"
	"github.com/outpostlabs/drayman/internal/repository"
	"github.com/outpostlabs/drayman/internal/state"
	"github.com/outpostlabs/drayman/internal/stats"
)

// knownStates lists every lifecycle state name, for flipping the Prometheus
// state gauge on each transition.
var knownStates = []string{
	state.Initialising.String(),
	state.Connecting.String(),
	state.Idle.String(),
	state.Processing.String(),
	state.StopRequested.String(),
	state.ShuttingDown.String(),
	state.Stopped.String(),
}

// handlerResult is delivered by invokeHandler once a handler's Execute call
// returns, so the event loop never blocks waiting on it directly.
type handlerResult struct {
	outcome  domain.Outcome
	delivery *domain.Delivery
	epoch    int64
	start    time.Time
}

// Worker owns the single broker connection, the delivery pipeline and the
// lifecycle state machine, driven from one goroutine's event loop. All
// fields below this comment are only ever touched from that goroutine; the
// few that are not (handlerDone, stopSig, statsSig) are plain buffered
// channels used purely for handoff.
type Worker struct {
	cfg    domain.Config
	logger *zap.Logger
	dial   Dialer

	sm      *state.Machine
	budget  *errbudget.Window
	stats   *stats.Collector
	adapter *handler.Adapter

	statsSink stats.Sink
	reportSink report.Sink
	dupGuard  repository.DuplicateGuard
	auditLog  repository.AuditLog
	notifier  Notifier
	coord     *SignalCoordinator

	consumerTag string

	// Connection-manager state, replaced wholesale on every (re)connect.
	conn            Conn
	channel         Channel
	deliveries      <-chan amqp.Delivery
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	epoch           int64

	// reconnectTimer fires after reconnectDelay has elapsed; pendingRetryFromInit
	// distinguishes "retrying an initial/failed dial" (Connecting->Initialising,
	// then back to Connecting) from "reconnecting after a lost link"
	// (Reconnect's direct Any->Connecting jump, already applied by the time
	// the timer is armed).
	reconnectTimer       *time.Timer
	pendingRetryFromInit bool

	current *domain.CurrentMessage

	handlerDone chan handlerResult
	stopSig     chan struct{}
	statsSig    chan struct{}
	doneCh      chan struct{}

	lastStatsAt time.Time
}

// New constructs a Worker. dial is the connection factory (DialAMQP in
// production, a fake in tests).
func New(cfg domain.Config, logger *zap.Logger, dial Dialer, adapter *handler.Adapter, opts ...Option) *Worker {
	sm := state.New(logger)
	w := &Worker{
		cfg:         cfg,
		logger:      logger,
		dial:        dial,
		sm:          sm,
		budget:      errbudget.New(cfg.MaxErrors, time.Duration(cfg.WindowSeconds)*time.Second),
		stats:       stats.New(sm),
		adapter:     adapter,
		statsSink:   noopStatsSink{},
		reportSink:  report.NoopSink{},
		notifier:    SignalParentNotifier{},
		consumerTag: cfg.WorkerName,
		handlerDone: make(chan handlerResult, 1),
		stopSig:     make(chan struct{}, 1),
		statsSig:    make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
		lastStatsAt: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Option customizes a Worker's optional collaborators at construction.
type Option func(*Worker)

func WithStatsSink(sink stats.Sink) Option        { return func(w *Worker) { w.statsSink = sink } }
func WithReportSink(sink report.Sink) Option      { return func(w *Worker) { w.reportSink = sink } }
func WithDuplicateGuard(g repository.DuplicateGuard) Option {
	return func(w *Worker) { w.dupGuard = g }
}
func WithAuditLog(a repository.AuditLog) Option { return func(w *Worker) { w.auditLog = a } }
func WithNotifier(n Notifier) Option             { return func(w *Worker) { w.notifier = n } }

// SetSignalCoordinator wires the coordinator this worker should disable
// once it starts shutting down. It is set post-construction because the
// coordinator itself needs a reference back to the worker.
func (w *Worker) SetSignalCoordinator(c *SignalCoordinator) { w.coord = c }

// RequestStop asks the worker to begin shutting down. Safe to call from any
// goroutine; it is a non-blocking best-effort send, which is fine since the
// request is idempotent once delivered.
func (w *Worker) RequestStop() {
	select {
	case w.stopSig <- struct{}{}:
	default:
	}
}

// RequestStatsReport asks the worker to push a stats snapshot on its next
// event-loop iteration. Safe to call from any goroutine.
func (w *Worker) RequestStatsReport() {
	select {
	case w.statsSig <- struct{}{}:
	default:
	}
}

// Run drives the worker's single event loop until it stops, either because
// ctx was cancelled or because a stop was requested and the shutdown
// sequence ran to completion. It returns once the worker has reached the
// Stopped state.
func (w *Worker) Run(ctx context.Context) error {
	w.sm.Set(state.Connecting)
	w.reportState()
	connectResultCh := w.beginConnect(ctx)

	for {
		var reconnectC <-chan time.Time
		if w.reconnectTimer != nil {
			reconnectC = w.reconnectTimer.C
		}

		select {
		case <-ctx.Done():
			w.stop()

		case <-w.stopSig:
			w.stop()

		case <-w.statsSig:
			w.flushStats()

		case res := <-connectResultCh:
			connectResultCh = nil
			w.onConnectOutcome(res)

		case <-reconnectC:
			w.reconnectTimer = nil
			if w.pendingRetryFromInit {
				w.sm.Set(state.Connecting)
				w.pendingRetryFromInit = false
			}
			connectResultCh = w.beginConnect(ctx)

		case amqpErr := <-w.notifyConnClose:
			w.onConnectionClosed(amqpErr)

		case amqpErr := <-w.notifyChanClose:
			w.onChannelClosed(amqpErr)

		case d, ok := <-w.deliveries:
			if !ok {
				w.deliveries = nil
				continue
			}
			w.onDelivery(ctx, d)

		case res := <-w.handlerDone:
			w.completeDisposition(ctx, res.outcome, res.delivery, res.epoch, res.start)

		case <-w.doneCh:
			return nil
		}

		w.reportState()
	}
}

func (w *Worker) reportState() {
	st, _ := w.sm.Current()
	metrics.SetState(knownStates, st.String())
}

// beginConnect bumps the connection epoch and launches an async dial
// attempt; ack/reject calls captured against the previous epoch are
// rejected by completeDisposition's canRespond check once this resolves.
func (w *Worker) beginConnect(ctx context.Context) <-chan connectOutcome {
	w.epoch++
	return asyncConnect(ctx, w.dial, w.cfg.Connection, w.cfg.QueueName, w.consumerTag, w.cfg.Prefetch, w.cfg.AckEnabled)
}

func (w *Worker) onConnectOutcome(res connectOutcome) {
	if res.err != nil {
		w.logger.Error("connect attempt failed, retrying", zap.Error(res.err), zap.Duration("delay", w.cfg.ReconnectDelay))
		w.sm.Set(state.Initialising)
		w.pendingRetryFromInit = true
		w.reconnectTimer = time.NewTimer(w.cfg.ReconnectDelay)
		return
	}

	w.conn = res.conn
	w.channel = res.channel
	w.deliveries = res.deliveries
	w.notifyConnClose = res.notifyConnClose
	w.notifyChanClose = res.notifyChanClose
	w.budget.Reset()

	if rc, ok := res.channel.(*amqp.Channel); ok {
		w.adapter.SetChannel(rc)
	}
	w.adapter.SetStatsd(w.statsSink)

	w.sm.Set(state.Idle)
	w.logger.Info("connected", zap.String("queue", w.cfg.QueueName), zap.String("consumer_tag", w.consumerTag))
}

func (w *Worker) onConnectionClosed(err *amqp.Error) {
	w.logger.Error("connection closed", zap.Bool("critical", true), zap.Any("reason", err))
	w.conn = nil
	w.notifyConnClose = nil
	w.triggerReconnect()
}

func (w *Worker) onChannelClosed(err *amqp.Error) {
	w.logger.Error("channel closed", zap.Bool("critical", true), zap.Any("reason", err))
	w.channel = nil
	w.notifyChanClose = nil
	w.triggerReconnect()
}

// triggerReconnect implements the lost-link reconnect path: it forces the
// state machine into Connecting from wherever it currently is (refusing
// only if the worker is already stopping), tears down the stale
// connection/channel handles, and arms the reconnect-delay timer.
func (w *Worker) triggerReconnect() bool {
	if !w.sm.Reconnect() {
		return false
	}
	w.conn = nil
	w.channel = nil
	w.deliveries = nil
	w.notifyConnClose = nil
	w.notifyChanClose = nil
	w.stats.Incr(stats.Reconnected)
	metrics.ReconnectsTotal.Inc()
	w.pendingRetryFromInit = false
	w.reconnectTimer = time.NewTimer(w.cfg.ReconnectDelay)
	return true
}

func (w *Worker) cancelConsumer() {
	if w.channel != nil {
		if err := w.channel.Cancel(w.consumerTag, false); err != nil {
			w.logger.Warn("cancel consumer failed", zap.Error(err))
		}
	}
}

// onDelivery is the pipeline's entry point for a fresh delivery. A delivery
// arriving while the worker is not Idle means a previous message is still
// in flight; it is rejected with requeue and the worker keeps processing
// the one it already holds.
func (w *Worker) onDelivery(ctx context.Context, d amqp.Delivery) {
	if !w.sm.IsIdle() {
		w.logger.Error("delivery received while not idle, rejecting with requeue",
			zap.Bool("critical", true), zap.Uint64("delivery_tag", d.DeliveryTag))
		if w.channel != nil {
			if err := w.channel.Nack(d.DeliveryTag, false, true); err != nil {
				w.logger.Error("reject of out-of-turn delivery failed", zap.Error(err))
			}
		}
		return
	}

	w.sm.Set(state.Processing)

	epoch := w.epoch
	ch := w.channel
	tag := d.DeliveryTag

	delivery := &domain.Delivery{
		DeliveryTag: tag,
		Properties:  d.Headers,
		ContentType: d.ContentType,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		ReceivedAt:  time.Now(),
		Epoch:       epoch,
		Ack: func() error {
			return ch.Ack(tag, false)
		},
		Nack: func(requeue bool) error {
			return ch.Nack(tag, false, requeue)
		},
	}

	w.current = &domain.CurrentMessage{Delivery: delivery, InflightEpoch: epoch, ReceivedAt: delivery.ReceivedAt}

	if delivery.Redelivered {
		w.stats.Incr(stats.Redelivered)
	}

	if w.dupGuard != nil && d.MessageId != "" {
		dup, err := w.dupGuard.Seen(ctx, d.MessageId)
		if err != nil {
			w.logger.Warn("duplicate guard lookup failed, processing normally", zap.Error(err))
		} else if dup {
			w.logger.Info("duplicate delivery, acking without invoking handler", zap.String("message_id", d.MessageId))
			w.completeDisposition(ctx, domain.OK(), delivery, epoch, time.Now())
			return
		}
	}

	go w.invokeHandler(ctx, delivery)
}

func (w *Worker) invokeHandler(ctx context.Context, delivery *domain.Delivery) {
	start := time.Now()
	outcome := w.adapter.Execute(ctx, delivery)
	result := handlerResult{outcome: outcome, delivery: delivery, epoch: delivery.Epoch, start: start}
	select {
	case w.handlerDone <- result:
	case <-ctx.Done():
	}
}

// completeDisposition applies a handler's outcome: ack/reject routing,
// counter updates, error-budget bookkeeping, and the state transition back
// to Idle (or straight into drain if a stop was requested meanwhile).
// canRespond guards every broker call against a connection that was
// replaced since the delivery was accepted.
func (w *Worker) completeDisposition(ctx context.Context, outcome domain.Outcome, delivery *domain.Delivery, inflightEpoch int64, start time.Time) {
	elapsed := time.Since(start)
	w.stats.AddTiming(stats.ProcessingTime, elapsed.Seconds())
	metrics.ProcessingDuration.Observe(elapsed.Seconds())

	canRespond := w.channel != nil && inflightEpoch == w.epoch

	var brokerErr error
	isFailure := outcome.Kind != domain.OutcomeOK

	switch outcome.Kind {
	case domain.OutcomeOK:
		w.stats.Incr(stats.Processed)
		if w.cfg.AckEnabled {
			if canRespond {
				brokerErr = delivery.Ack()
				if brokerErr == nil {
					w.stats.Incr(stats.Acked)
				}
			} else {
				w.stats.Incr(stats.ClosedOnComplete)
			}
		}
	case domain.OutcomeExplicitFalse:
		w.stats.Incr(stats.Failed)
		if canRespond {
			brokerErr = delivery.Nack(true)
			if brokerErr == nil {
				w.stats.Incr(stats.Requeued)
			}
		} else {
			w.stats.Incr(stats.ClosedOnComplete)
		}
	case domain.OutcomeMessageException:
		w.stats.Incr(stats.Failed)
		if canRespond {
			brokerErr = delivery.Nack(false)
			if brokerErr == nil {
				w.stats.Incr(stats.Rejected)
			}
		} else {
			w.stats.Incr(stats.ClosedOnComplete)
		}
	case domain.OutcomeUnhandledException:
		w.stats.Incr(stats.Failed)
		w.stats.Incr(stats.UnhandledExceptions)
		if canRespond {
			brokerErr = delivery.Nack(true)
			if brokerErr == nil {
				w.stats.Incr(stats.Requeued)
			}
		} else {
			w.stats.Incr(stats.ClosedOnComplete)
		}
		w.reportUnhandled(ctx, delivery, outcome.Err, elapsed)
	}

	if brokerErr != nil {
		w.logger.Error("broker ack/reject failed", zap.Error(brokerErr), zap.Uint64("delivery_tag", delivery.DeliveryTag))
	}
	metrics.DispositionsTotal.WithLabelValues(outcome.Kind.String()).Inc()

	if w.auditLog != nil {
		entry := repository.AuditEntry{
			Outcome:       outcome.Kind.String(),
			Epoch:         inflightEpoch,
			ReceivedAt:    delivery.ReceivedAt,
			DisposedAt:    time.Now(),
			ProcessingSec: elapsed.Seconds(),
		}
		if delivery.Properties != nil {
			if id, ok := delivery.Properties["message_id"].(string); ok {
				entry.MessageID = id
			}
		}
		if err := w.auditLog.Record(ctx, entry); err != nil {
			w.logger.Warn("audit log record failed", zap.Error(err))
		}
	}

	budgetExceeded := false
	if isFailure {
		budgetExceeded = w.recordFailureAndMaybeReconnect()
	}

	w.current = nil

	if budgetExceeded {
		return
	}
	if w.sm.IsWaitingToShutdown() {
		w.drain()
		return
	}
	w.sm.Set(state.Idle)
}

func (w *Worker) recordFailureAndMaybeReconnect() bool {
	exceeded := w.budget.RecordFailure(time.Now())
	metrics.ErrorBudgetCount.Set(float64(w.budget.Count()))
	if !exceeded {
		return false
	}
	w.logger.Error("error budget exceeded, forcing reconnect",
		zap.Bool("critical", true), zap.Int("count", w.budget.Count()))
	w.cancelConsumer()
	if w.conn != nil {
		w.conn.Close()
	}
	return w.triggerReconnect()
}

func (w *Worker) reportUnhandled(ctx context.Context, delivery *domain.Delivery, err error, elapsed time.Duration) {
	rec := report.Record{
		Logger:         "drayman.consumer",
		ModuleVersions: w.moduleVersions(),
		ConsumerName:   w.cfg.HandlerName,
		ConnectionName: w.cfg.Connection.Host,
		Environment:    report.RedactEnv(environMap()),
		Message: map[string]interface{}{
			"delivery_tag": delivery.DeliveryTag,
			"redelivered":  delivery.Redelivered,
			"body_size":    len(delivery.Body),
		},
		TimeSpentMs: elapsed.Milliseconds(),
		Err:         err,
	}
	w.reportSink.Report(ctx, rec)
}

func (w *Worker) moduleVersions() map[string]string {
	versions := map[string]string{}
	if v := w.adapter.Version(); v != "" {
		versions[w.cfg.HandlerName] = v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		versions["drayman"] = info.Main.Version
	}
	return versions
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func (w *Worker) flushStats() {
	snap := w.stats.Report()
	w.statsSink.Push(snap)
	w.lastStatsAt = time.Now()
}

// stop begins the shutdown sequence. It is idempotent: a repeat request
// while already stopping is logged and ignored. If a delivery is in
// flight, the worker defers draining until that delivery's disposition
// completes.
func (w *Worker) stop() {
	if w.sm.IsStopped() || w.sm.IsShuttingDown() || w.sm.IsWaitingToShutdown() {
		st, _ := w.sm.Current()
		w.logger.Info("stop already in progress, ignoring repeat request", zap.String("state", st.String()))
		return
	}
	w.cancelConsumer()
	if w.sm.IsProcessing() {
		w.sm.Set(state.StopRequested)
		w.logger.Info("stop requested, waiting for in-flight delivery to finish")
		return
	}
	w.drain()
}

// drain runs the terminal shutdown sequence: force ShuttingDown regardless
// of the current state (stop() can be requested from Connecting or
// Initialising, which the legal-transition table does not otherwise cover),
// disable further signal handling, close the connection, invoke the
// handler's shutdown hook, mark Stopped, and notify the parent process. A
// watchdog guards the whole sequence against a hook that never returns.
func (w *Worker) drain() {
	if !w.sm.ForceShuttingDown() {
		return
	}
	w.reportState()

	watchdog := time.AfterFunc(w.cfg.MaxShutdownWait, func() {
		w.logger.Error("shutdown sequence exceeded its deadline, forcing exit", zap.Bool("critical", true))
		os.Exit(1)
	})
	defer watchdog.Stop()

	if w.coord != nil {
		w.coord.Disable()
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Warn("connection close during shutdown failed", zap.Error(err))
		}
	}
	w.adapter.Shutdown()

	w.sm.Set(state.Stopped)
	w.reportState()
	w.notifier.NotifyStopped()
	close(w.doneCh)
}

// noopStatsSink is the default stats.Sink when none is configured.
type noopStatsSink struct{}

func (noopStatsSink) Push(stats.Snapshot) {}
