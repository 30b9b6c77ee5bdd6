package handoff

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/audit"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrSwitchDisabled     = fmt.Errorf("%w: direct switch is disabled", ErrStateConflict)
	ErrSwitchInProgress   = fmt.Errorf("%w: another switch awaits acknowledgement", ErrStateConflict)
	ErrHandoffOutstanding = fmt.Errorf("%w: active driver has an outstanding handoff", ErrStateConflict)
	ErrUnknownSwitch      = errors.New("unknown switch")
)

type SwitchOutcome string

const (
	SwitchPending    SwitchOutcome = "pending"
	SwitchCommitted  SwitchOutcome = "committed"
	SwitchRolledBack SwitchOutcome = "rolled_back"
)

type (
	Switch struct {
		ID           string
		FromDriverID string
		ToDriverID   string
		Outcome      SwitchOutcome
		Reason       string
		CreatedAt    time.Time
		ResolvedAt   time.Time
	}

	SwitchOption func(*Switcher)

	// Switcher performs direct driver switches without the handoff
	// negotiation. The new driver is made active provisionally; the peer's
	// acknowledgement commits it, a rejection or a missing acknowledgement
	// restores the previous driver.
	Switcher struct {
		mu         sync.Mutex
		c          *Coordinator
		enabled    bool
		ackTimeout time.Duration
		l          *log.Logger
		current    *pendingSwitch
		history    []Switch
	}

	pendingSwitch struct {
		sw    Switch
		timer clock.Timer
	}
)

// AllowDirectSwitch enables Switch. It is off unless configured, switches
// are meant for administrative use.
func AllowDirectSwitch(enabled bool) SwitchOption {
	return func(s *Switcher) {
		s.enabled = enabled
	}
}

func WithAckTimeout(d time.Duration) SwitchOption {
	return func(s *Switcher) {
		if d > 0 {
			s.ackTimeout = d
		}
	}
}

// NewSwitcher shares registry, notifier, clock and audit sink with c.
func NewSwitcher(c *Coordinator, opts ...SwitchOption) *Switcher {
	s := &Switcher{
		c:          c,
		ackTimeout: DefaultAckTimeout,
		l:          c.l.Named("switch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Switcher) Enabled() bool {
	return s.enabled
}

// Switch puts driver to in the car right away and asks the peer to
// acknowledge. It returns the switch id, or "" if to already drives.
func (s *Switcher) Switch(ctx context.Context, to string) (string, error) {
	ctx, span := tracer.Start(ctx, "switch.request",
		trace.WithAttributes(attribute.String("to", to)))
	defer span.End()

	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return "", ErrSwitchDisabled
	}
	if s.current != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSwitchInProgress, s.current.sw.ID)
	}
	prior := s.c.registry.ActiveDriverID()
	if prior == to {
		s.mu.Unlock()
		return "", nil
	}
	if prior != "" && s.c.hasOutstanding(prior) {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrHandoffOutstanding, prior)
	}
	if err := s.c.registry.SetActive(to); err != nil {
		s.mu.Unlock()
		recordError(span, err)
		return "", err
	}
	sw := Switch{
		ID:           s.c.newID(),
		FromDriverID: prior,
		ToDriverID:   to,
		Outcome:      SwitchPending,
		CreatedAt:    s.c.clock.Now(),
	}
	p := &pendingSwitch{sw: sw}
	p.timer = s.c.clock.AfterFunc(s.ackTimeout, func() { s.onTimeout(sw.ID) })
	s.current = p
	s.mu.Unlock()

	span.SetAttributes(attribute.String("switch.id", sw.ID))
	s.l.Info("provisional driver switch",
		log.String("id", sw.ID), log.String("from", prior), log.String("to", to))
	if !s.c.notifier.Send(events.DriverSwitch{
		SwitchID:     sw.ID,
		FromDriverID: prior,
		ToDriverID:   to,
	}) {
		// nobody can acknowledge what was never sent
		s.resolve(ctx, sw.ID, false, "not delivered")
	}
	return sw.ID, nil
}

// HandleAck commits or rolls back the pending switch the ack refers to.
func (s *Switcher) HandleAck(ctx context.Context, ack events.DriverSwitchAck) error {
	reason := ack.Reason
	if !ack.Accepted && reason == "" {
		reason = "rejected"
	}
	if !s.resolve(ctx, ack.SwitchID, ack.Accepted, reason) {
		return fmt.Errorf("%w: %s", ErrUnknownSwitch, ack.SwitchID)
	}
	return nil
}

// Pending returns the switch awaiting acknowledgement.
func (s *Switcher) Pending() (Switch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Switch{}, false
	}
	return s.current.sw, true
}

// Switches returns the resolved switches, oldest first.
func (s *Switcher) Switches() []Switch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Close rolls back a switch that is still provisional.
func (s *Switcher) Close() {
	s.mu.Lock()
	var id string
	if s.current != nil {
		id = s.current.sw.ID
	}
	s.mu.Unlock()
	if id != "" {
		s.resolve(context.Background(), id, false, "shutdown")
	}
}

func (s *Switcher) onTimeout(id string) {
	s.resolve(context.Background(), id, false, "ack timeout")
}

// resolve ends the pending switch with id. It reports whether such a switch
// was pending.
func (s *Switcher) resolve(ctx context.Context, id string, commit bool, reason string) bool {
	_, span := tracer.Start(ctx, "switch.resolve",
		trace.WithAttributes(attribute.String("switch.id", id), attribute.Bool("commit", commit)))
	defer span.End()

	s.mu.Lock()
	if s.current == nil || s.current.sw.ID != id {
		s.mu.Unlock()
		return false
	}
	p := s.current
	s.current = nil
	p.timer.Stop()
	sw := p.sw
	if commit {
		sw.Outcome = SwitchCommitted
	} else {
		sw.Outcome = SwitchRolledBack
		sw.Reason = reason
		s.rollbackLocked(sw)
	}
	sw.ResolvedAt = s.c.clock.Now()
	s.history = append(s.history, sw)
	s.mu.Unlock()

	s.l.Info("driver switch resolved",
		log.String("id", id), log.String("outcome", string(sw.Outcome)), log.String("reason", reason))
	if err := s.c.sink.Record(ctx, audit.Entry{
		Kind:         audit.KindSwitch,
		ID:           sw.ID,
		FromDriverID: sw.FromDriverID,
		ToDriverID:   sw.ToDriverID,
		Outcome:      string(sw.Outcome),
		Reason:       sw.Reason,
		CreatedAt:    sw.CreatedAt,
		ResolvedAt:   sw.ResolvedAt,
	}); err != nil {
		s.l.Warn("could not record audit entry", log.String("id", id), log.ErrorField(err))
	}
	return true
}

// rollbackLocked restores the driver that was active before sw, unless the
// car changed hands again in the meantime.
func (s *Switcher) rollbackLocked(sw Switch) {
	reg := s.c.registry
	if reg.ActiveDriverID() != sw.ToDriverID {
		return
	}
	if sw.FromDriverID == "" {
		reg.ClearActive()
		return
	}
	if err := reg.SetActive(sw.FromDriverID); err != nil {
		s.l.Warn("previous driver unavailable, leaving car empty",
			log.String("driverId", sw.FromDriverID), log.ErrorField(err))
		reg.ClearActive()
	}
}
