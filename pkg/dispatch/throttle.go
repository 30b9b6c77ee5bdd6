// Package dispatch coalesces high-frequency events before they reach
// listeners. Throttled kinds are delivered at most once per interval per key,
// always with the latest payload; other kinds pass straight through.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
)

const DefaultInterval = 100 * time.Millisecond

type (
	DeliverFunc func(events.Event)
	Option      func(*Throttle)

	slotKey struct {
		kind events.Kind
		key  string
	}
	// slot exists while a window is open for its key
	slot struct {
		timer   clock.Timer
		pending events.Event
	}

	Throttle struct {
		mu       sync.Mutex
		interval time.Duration
		kinds    map[events.Kind]bool
		slots    map[slotKey]*slot
		deliver  DeliverFunc
		clock    clock.Clock
		stopped  bool
		l        *log.Logger

		delivered  metric.Int64Counter
		superseded metric.Int64Counter
	}
)

func WithInterval(d time.Duration) Option {
	return func(t *Throttle) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithKinds replaces the set of throttled kinds.
func WithKinds(kinds ...events.Kind) Option {
	return func(t *Throttle) {
		t.kinds = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			t.kinds[k] = true
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(t *Throttle) {
		t.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Throttle) {
		t.l = l
	}
}

func NewThrottle(deliver DeliverFunc, opts ...Option) *Throttle {
	t := &Throttle{
		interval: DefaultInterval,
		kinds:    map[events.Kind]bool{events.KindTelemetry: true},
		slots:    make(map[slotKey]*slot),
		deliver:  deliver,
		clock:    clock.Real(),
		l:        log.Default().Named("throttle"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.setupMetrics()
	return t
}

func (t *Throttle) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("rbx.dispatch")
	var err error
	if t.delivered, err = meter.Int64Counter("rbx.dispatch.delivered",
		metric.WithDescription("Number of throttled events delivered"),
		metric.WithUnit("{count}")); err != nil {
		t.l.Warn("failed to register metric", log.ErrorField(err))
	}
	if t.superseded, err = meter.Int64Counter("rbx.dispatch.superseded",
		metric.WithDescription("Number of throttled events replaced by a newer one"),
		metric.WithUnit("{count}")); err != nil {
		t.l.Warn("failed to register metric", log.ErrorField(err))
	}
}

func (t *Throttle) Interval() time.Duration {
	return t.interval
}

func (t *Throttle) Throttled(kind events.Kind) bool {
	return t.kinds[kind]
}

// Dispatch forwards ev for the given key. The first event of a window is
// delivered right away; later ones replace each other until the window closes.
func (t *Throttle) Dispatch(kind events.Kind, key string, ev events.Event) {
	if !t.kinds[kind] {
		t.deliver(ev)
		return
	}
	k := slotKey{kind: kind, key: key}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if s, ok := t.slots[k]; ok {
		if s.pending != nil {
			t.count(t.superseded, kind)
		}
		s.pending = ev
		t.mu.Unlock()
		return
	}
	s := &slot{}
	t.slots[k] = s
	s.timer = t.clock.AfterFunc(t.interval, func() { t.flush(k, s) })
	t.mu.Unlock()

	t.count(t.delivered, kind)
	t.deliver(ev)
}

// flush closes the window of s. A pending event is delivered and opens the
// next window; otherwise the slot is released.
func (t *Throttle) flush(k slotKey, s *slot) {
	t.mu.Lock()
	if t.slots[k] != s {
		t.mu.Unlock()
		return
	}
	if s.pending == nil {
		delete(t.slots, k)
		t.mu.Unlock()
		return
	}
	ev := s.pending
	s.pending = nil
	s.timer = t.clock.AfterFunc(t.interval, func() { t.flush(k, s) })
	t.mu.Unlock()

	t.count(t.delivered, k.kind)
	t.deliver(ev)
}

// CancelKind drops all open windows and pending events of kind.
func (t *Throttle) CancelKind(kind events.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, s := range t.slots {
		if k.kind == kind {
			s.timer.Stop()
			delete(t.slots, k)
			n++
		}
	}
	if n > 0 {
		t.l.Debug("cancelled throttle windows", log.String("kind", string(kind)), log.Int("num", n))
	}
}

// CancelKey drops the window of a single key, e.g. when a driver leaves.
func (t *Throttle) CancelKey(kind events.Kind, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := slotKey{kind: kind, key: key}
	if s, ok := t.slots[k]; ok {
		s.timer.Stop()
		delete(t.slots, k)
		t.l.Debug("cancelled throttle window", log.String("kind", string(kind)), log.String("key", key))
	}
}

// Stop cancels every window. Later dispatches of throttled kinds are dropped.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for k, s := range t.slots {
		s.timer.Stop()
		delete(t.slots, k)
	}
}

// Pending returns the number of open windows.
func (t *Throttle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Throttle) count(c metric.Int64Counter, kind events.Kind) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
