// Package connection keeps one resilient connection to the session backend.
// It reconnects with exponential backoff, decodes inbound frames into typed
// events and hands them to subscribers through the dispatch throttle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/dispatch"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type (
	Handler func(events.Event)

	// Subscription identifies one registered handler; pass it to Off.
	Subscription struct {
		kind events.Kind
		id   uint64
	}

	subscriber struct {
		id      uint64
		handler Handler
	}

	Option func(*Manager)

	Manager struct {
		ctx         context.Context
		cancel      context.CancelFunc
		dialer      Dialer
		clock       clock.Clock
		l           *log.Logger
		backoffCfg  Backoff
		backoff     *backoffPolicy
		dialTimeout time.Duration
		throttle    *dispatch.Throttle
		throttleOps []dispatch.Option

		mu      sync.Mutex
		state   State
		attempt int
		conn    Conn
		timer   clock.Timer
		gen     uint64
		closed  bool

		subMu  sync.Mutex
		subs   map[events.Kind][]subscriber
		nextID uint64

		// handlers never run concurrently with each other
		deliverMu sync.Mutex

		metrics managerMetrics
	}

	managerMetrics struct {
		sent       metric.Int64Counter
		dropped    metric.Int64Counter
		received   metric.Int64Counter
		malformed  metric.Int64Counter
		reconnects metric.Int64Counter
	}
)

func WithContext(ctx context.Context) Option {
	return func(m *Manager) {
		m.ctx = ctx
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		m.l = l
	}
}

func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		m.backoffCfg = b
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// WithThrottle passes options to the dispatch throttle in front of the
// subscribers.
func WithThrottle(opts ...dispatch.Option) Option {
	return func(m *Manager) {
		m.throttleOps = append(m.throttleOps, opts...)
	}
}

func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		ctx:         context.Background(),
		dialer:      dialer,
		clock:       clock.Real(),
		l:           log.Default().Named("conn"),
		backoffCfg:  DefaultBackoff(),
		dialTimeout: 15 * time.Second,
		subs:        make(map[events.Kind][]subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(m.ctx)
	m.backoff = newBackoffPolicy(m.backoffCfg)
	throttleOps := append([]dispatch.Option{
		dispatch.WithClock(m.clock),
		dispatch.WithLogger(m.l.Named("throttle")),
	}, m.throttleOps...)
	m.throttle = dispatch.NewThrottle(m.deliver, throttleOps...)
	m.setupMetrics()
	return m
}

func (m *Manager) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("rbx.connection")
	register := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name,
			metric.WithDescription(desc),
			metric.WithUnit("{count}"))
		if err != nil {
			m.l.Warn("failed to register metric", log.String("metric", name), log.ErrorField(err))
		}
		return c
	}
	m.metrics = managerMetrics{
		sent:       register("rbx.connection.sent", "Number of frames sent"),
		dropped:    register("rbx.connection.dropped", "Number of outbound events dropped"),
		received:   register("rbx.connection.received", "Number of frames received"),
		malformed:  register("rbx.connection.malformed", "Number of discarded inbound frames"),
		reconnects: register("rbx.connection.reconnects", "Number of scheduled reconnect attempts"),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) Backoff() Backoff {
	return m.backoffCfg
}

// Connect opens the connection. It is a no-op while connecting or connected.
// From the failed state it resets the attempt counter and starts over; while a
// reconnect is scheduled it dials right away instead of waiting.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	switch m.state {
	case StateConnecting, StateConnected:
		return
	case StateFailed:
		m.attempt = 0
		m.backoff.reset()
	case StateReconnecting:
		m.stopTimerLocked()
	case StateDisconnected:
	}
	m.startDialLocked()
}

// Close tears the connection down for good. Pending timers are cancelled and
// no further events are delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.cancel()
	m.throttle.Stop()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.l.Debug("error closing connection", log.ErrorField(err))
		}
	}
	m.l.Info("connection manager closed")
}

// On registers handler for kind. Handlers of one kind run in registration
// order.
func (m *Manager) On(kind events.Kind, handler Handler) Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	m.subs[kind] = append(m.subs[kind], subscriber{id: m.nextID, handler: handler})
	return Subscription{kind: kind, id: m.nextID}
}

// Off removes a subscription. When the last handler of a kind goes away its
// throttle windows are cancelled.
func (m *Manager) Off(sub Subscription) {
	m.subMu.Lock()
	list := m.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	empty := len(list) == 0
	if empty {
		delete(m.subs, sub.kind)
	} else {
		m.subs[sub.kind] = list
	}
	m.subMu.Unlock()
	if empty {
		m.throttle.CancelKind(sub.kind)
	}
}

// CancelPending drops the open throttle window of key, so no trailing event
// of kind is delivered for it.
func (m *Manager) CancelPending(kind events.Kind, key string) {
	m.throttle.CancelKey(kind, key)
}

// Send transmits ev when connected. Otherwise, or when the write fails, the
// event is dropped and false is returned; a failed write also triggers a
// reconnect.
func (m *Manager) Send(ev events.Event) bool {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("kind", string(ev.Kind())))
	if state != StateConnected || conn == nil {
		m.metrics.dropped.Add(context.Background(), 1, attrs)
		m.l.Debug("dropping event, not connected",
			log.String("kind", string(ev.Kind())), log.Stringer("state", state))
		return false
	}
	data, err := events.Encode(ev)
	if err != nil {
		m.metrics.dropped.Add(context.Background(), 1, attrs)
		m.l.Error("could not encode event", log.String("kind", string(ev.Kind())), log.ErrorField(err))
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		m.metrics.dropped.Add(context.Background(), 1, attrs)
		m.l.Warn("send failed", log.String("kind", string(ev.Kind())), log.ErrorField(err))
		// the read loop notices the closed socket and schedules the reconnect
		if cErr := conn.Close(); cErr != nil {
			m.l.Debug("error closing connection", log.ErrorField(cErr))
		}
		return false
	}
	m.metrics.sent.Add(context.Background(), 1, attrs)
	return true
}

func (m *Manager) startDialLocked() {
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	defer cancel()
	m.l.Debug("dialing", log.Uint64("gen", gen))
	conn, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		if conn != nil {
			//nolint:errcheck // stale connection
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.handleFailure(gen, err, false)
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempt = 0
	m.backoff.reset()
	m.mu.Unlock()

	m.l.Info("connected")
	m.deliver(events.Connect{URL: m.url()})
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleFailure(gen, err, true)
			return
		}
		m.metrics.received.Add(context.Background(), 1)
		ev, err := events.Decode(data)
		if err != nil {
			m.metrics.malformed.Add(context.Background(), 1)
			m.l.Warn("discarding malformed frame", log.ErrorField(err), log.Int("len", len(data)))
			m.deliver(events.Error{Err: err})
			continue
		}
		m.route(ev)
	}
}

func (m *Manager) route(ev events.Event) {
	if t, ok := ev.(events.Telemetry); ok {
		if len(t.Sanitized) > 0 {
			m.l.Warn("telemetry fields replaced by defaults",
				log.String("driverId", t.DriverID), log.Strings("fields", t.Sanitized))
		}
		if t.Sample.Timestamp.IsZero() {
			t.Sample.Timestamp = m.clock.Now()
		}
		t.Sample.DriverID = t.DriverID
		ev = t
	}
	key := ""
	if k, ok := ev.(events.Keyed); ok {
		key = k.ThrottleKey()
	}
	m.throttle.Dispatch(ev.Kind(), key, ev)
}

// handleFailure moves a broken connection of generation gen to disconnected
// and schedules the next attempt, or gives up after MaxAttempts.
// Must not be called from within an event handler.
func (m *Manager) handleFailure(gen uint64, cause error, wasConnected bool) {
	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.state = StateDisconnected

	var toEmit []events.Event
	if wasConnected {
		toEmit = append(toEmit, events.Disconnect{Reason: errorText(cause)})
	} else {
		toEmit = append(toEmit, events.Error{Err: wrapTransport(cause)})
	}
	if ev := m.scheduleReconnectLocked(); ev != nil {
		toEmit = append(toEmit, ev)
	}
	m.mu.Unlock()

	m.l.Warn("connection lost", log.Bool("wasConnected", wasConnected), log.ErrorField(cause))
	for _, ev := range toEmit {
		m.deliver(ev)
	}
}

// scheduleReconnectLocked arms the single reconnect timer. It returns the
// event to emit, or nil when a timer is already pending.
func (m *Manager) scheduleReconnectLocked() events.Event {
	if m.timer != nil {
		return nil
	}
	if m.attempt >= m.backoffCfg.MaxAttempts {
		m.state = StateFailed
		m.l.Error("giving up reconnecting", log.Int("attempts", m.attempt))
		return events.ReconnectFailed{Attempts: m.attempt}
	}
	m.attempt++
	delay := m.backoff.next()
	m.state = StateReconnecting
	m.timer = m.clock.AfterFunc(delay, m.onReconnectTimer)
	m.metrics.reconnects.Add(context.Background(), 1)
	m.l.Info("reconnect scheduled",
		log.Int("attempt", m.attempt), log.Duration("delay", delay))
	return events.Reconnecting{
		Attempt:     m.attempt,
		Delay:       delay,
		MaxAttempts: m.backoffCfg.MaxAttempts,
	}
}

func (m *Manager) onReconnectTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = nil
	if m.closed || m.state != StateReconnecting {
		return
	}
	m.startDialLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// deliver hands ev to the handlers of its kind. A panicking handler is logged
// and does not affect the others.
func (m *Manager) deliver(ev events.Event) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.subMu.Lock()
	handlers := make([]Handler, 0, len(m.subs[ev.Kind()]))
	for _, s := range m.subs[ev.Kind()] {
		handlers = append(handlers, s.handler)
	}
	m.subMu.Unlock()

	for _, h := range handlers {
		m.invoke(h, ev)
	}
}

func (m *Manager) invoke(h Handler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.l.Error("event handler panicked",
				log.String("kind", string(ev.Kind())), log.Any("panic", r))
		}
	}()
	h(ev)
}

func (m *Manager) url() string {
	if d, ok := m.dialer.(interface{ Endpoint() string }); ok {
		return d.Endpoint()
	}
	return ""
}

func wrapTransport(err error) error {
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
