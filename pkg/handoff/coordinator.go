// Package handoff negotiates the transfer of the car between two drivers.
// A request moves pending -> confirmed -> completed, or ends cancelled; the
// registry is only changed when a confirmed request completes.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/audit"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/driver"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

// DefaultTimeout cancels requests nobody acts upon.
const DefaultTimeout = 60 * time.Second

var (
	ErrStateConflict    = errors.New("state conflict")
	ErrNotActiveDriver  = fmt.Errorf("%w: initiator is not the active driver", ErrStateConflict)
	ErrTargetNotStandby = fmt.Errorf("%w: target is not on standby", ErrStateConflict)
	ErrAlreadyPending   = fmt.Errorf("%w: handoff already outstanding", ErrStateConflict)
	ErrUnknownHandoff   = errors.New("unknown handoff")
)

var tracer = otel.Tracer("rbx.handoff")

type (
	// Registry is the part of the driver registry the coordinator needs.
	Registry interface {
		ActiveDriverID() string
		Status(id string) (model.DriverStatus, error)
		SetActive(id string) error
		ClearActive()
	}
	// Notifier delivers events to the remote peer. A false return means the
	// event was dropped.
	Notifier interface {
		Send(ev events.Event) bool
	}

	Option func(*Coordinator)

	Coordinator struct {
		mu          sync.Mutex
		registry    Registry
		notifier    Notifier
		clock       clock.Clock
		timeout     time.Duration
		sink        audit.Sink
		newID       func() string
		onChange    []func(model.HandoffRequest)
		l           *log.Logger
		requests    map[string]*tracked
		order       []string
		outstanding map[string]string // from driver -> handoff id
		closed      bool
	}

	tracked struct {
		req      model.HandoffRequest
		timer    clock.Timer
		timerSeq uint64
		// set while the driver change is committed to the registry
		completing bool
	}

	// completion is a confirmed request claimed for the registry commit.
	completion struct {
		t      *tracked
		to     string
		notify bool
	}

	// effects are collected under the lock and carried out after it is
	// released.
	effects struct {
		send    []events.Event
		audit   []audit.Entry
		changed []model.HandoffRequest
	}
)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

func WithAuditSink(s audit.Sink) Option {
	return func(co *Coordinator) {
		co.sink = s
	}
}

func WithLogger(l *log.Logger) Option {
	return func(co *Coordinator) {
		co.l = l
	}
}

// WithIDGenerator replaces the uuid based request ids.
func WithIDGenerator(f func() string) Option {
	return func(co *Coordinator) {
		co.newID = f
	}
}

// WithTransitionHook registers f for every state change of a request. It is
// called after the coordinator lock is released.
func WithTransitionHook(f func(model.HandoffRequest)) Option {
	return func(co *Coordinator) {
		co.onChange = append(co.onChange, f)
	}
}

func NewCoordinator(registry Registry, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:    registry,
		notifier:    notifier,
		clock:       clock.Real(),
		timeout:     DefaultTimeout,
		sink:        audit.Discard{},
		newID:       func() string { return uuid.New().String() },
		l:           log.Default().Named("handoff"),
		requests:    make(map[string]*tracked),
		outstanding: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// InitiateHandoff creates a pending request from the active driver to a
// standby driver and announces it to the peer.
func (c *Coordinator) InitiateHandoff(ctx context.Context, from, to, notes string) (string, error) {
	ctx, span := tracer.Start(ctx, "handoff.initiate",
		trace.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
	defer span.End()

	c.mu.Lock()
	req, err := c.admitLocked(from, to)
	if err != nil {
		c.mu.Unlock()
		recordError(span, err)
		return "", err
	}
	req.ID = c.newID()
	req.Notes = notes
	fx := &effects{}
	c.trackLocked(req, fx)
	fx.send = append(fx.send, events.HandoffRequest{Handoff: req})
	c.mu.Unlock()

	span.SetAttributes(attribute.String("handoff.id", req.ID))
	c.l.Info("handoff initiated",
		log.String("id", req.ID), log.String("from", from), log.String("to", to))
	c.apply(ctx, fx)
	return req.ID, nil
}

// MirrorRequest registers a request the peer initiated. It is validated like
// a local initiation; a request already known by id is ignored.
func (c *Coordinator) MirrorRequest(ctx context.Context, remote model.HandoffRequest) error {
	ctx, span := tracer.Start(ctx, "handoff.mirror",
		trace.WithAttributes(attribute.String("handoff.id", remote.ID)))
	defer span.End()

	c.mu.Lock()
	if _, ok := c.requests[remote.ID]; ok || remote.ID == "" {
		c.mu.Unlock()
		return nil
	}
	req, err := c.admitLocked(remote.FromDriverID, remote.ToDriverID)
	if err != nil {
		c.mu.Unlock()
		recordError(span, err)
		return err
	}
	req.ID = remote.ID
	req.Notes = remote.Notes
	fx := &effects{}
	c.trackLocked(req, fx)
	c.mu.Unlock()

	c.l.Info("handoff mirrored from peer", log.String("id", req.ID))
	c.apply(ctx, fx)
	return nil
}

// ConfirmHandoff confirms a pending request and completes it in one step.
// If the registry refuses the transfer the request ends cancelled; the
// returned request carries the reason.
func (c *Coordinator) ConfirmHandoff(ctx context.Context, id string) (model.HandoffRequest, error) {
	ctx, span := tracer.Start(ctx, "handoff.confirm",
		trace.WithAttributes(attribute.String("handoff.id", id)))
	defer span.End()

	c.mu.Lock()
	fx := &effects{}
	t, err := c.acknowledgeLocked(id, true, fx)
	var cp *completion
	if err == nil && t.req.Status == model.HandoffConfirmed {
		cp = c.beginCompleteLocked(t, true, fx)
	}
	var ret model.HandoffRequest
	if t != nil {
		ret = t.req
	}
	c.mu.Unlock()

	if cp != nil {
		ret = c.commitCompletion(cp, fx)
	}
	c.apply(ctx, fx)
	if err != nil {
		recordError(span, err)
		return ret, err
	}
	span.SetAttributes(attribute.String("status", string(ret.Status)))
	return ret, nil
}

// AcknowledgeHandoff moves a pending request to confirmed and restarts its
// inactivity timer. A target that went offline cancels the request.
func (c *Coordinator) AcknowledgeHandoff(ctx context.Context, id string) (model.HandoffRequest, error) {
	ctx, span := tracer.Start(ctx, "handoff.acknowledge",
		trace.WithAttributes(attribute.String("handoff.id", id)))
	defer span.End()

	c.mu.Lock()
	fx := &effects{}
	t, err := c.acknowledgeLocked(id, true, fx)
	var ret model.HandoffRequest
	if t != nil {
		ret = t.req
	}
	c.mu.Unlock()

	c.apply(ctx, fx)
	if err != nil {
		recordError(span, err)
	}
	return ret, err
}

// CompleteHandoff transfers the car for a confirmed request.
func (c *Coordinator) CompleteHandoff(ctx context.Context, id string) (model.HandoffRequest, error) {
	ctx, span := tracer.Start(ctx, "handoff.complete",
		trace.WithAttributes(attribute.String("handoff.id", id)))
	defer span.End()

	c.mu.Lock()
	t, err := c.lookupLocked(id)
	if err == nil && (t.req.Status != model.HandoffConfirmed || t.completing) {
		err = conflict(t.req, "complete")
	}
	if err != nil {
		var ret model.HandoffRequest
		if t != nil {
			ret = t.req
		}
		c.mu.Unlock()
		recordError(span, err)
		return ret, err
	}
	fx := &effects{}
	cp := c.beginCompleteLocked(t, true, fx)
	ret := t.req
	c.mu.Unlock()

	if cp != nil {
		ret = c.commitCompletion(cp, fx)
	}
	c.apply(ctx, fx)
	return ret, nil
}

// CancelHandoff ends a pending or confirmed request. The active driver is
// never touched.
func (c *Coordinator) CancelHandoff(ctx context.Context, id string) (model.HandoffRequest, error) {
	return c.cancel(ctx, id, model.CancelExplicit, true)
}

// HandleRemoteResponse applies a transition reported by the peer.
func (c *Coordinator) HandleRemoteResponse(ctx context.Context, resp events.HandoffResponse) error {
	c.mu.Lock()
	t, err := c.lookupLocked(resp.HandoffID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	current := t.req.Status
	c.mu.Unlock()

	if current.Terminal() && current == resp.Status {
		return nil
	}
	switch resp.Status {
	case model.HandoffConfirmed, model.HandoffCompleted:
		ctx, span := tracer.Start(ctx, "handoff.remote_confirm",
			trace.WithAttributes(attribute.String("handoff.id", resp.HandoffID)))
		defer span.End()
		c.mu.Lock()
		fx := &effects{}
		var cp *completion
		switch {
		case t.completing:
		case t.req.Status == model.HandoffConfirmed:
			// acknowledged here already; a peer that completed needs no echo
			cp = c.beginCompleteLocked(t, resp.Status != model.HandoffCompleted, fx)
		default:
			t, err = c.acknowledgeLocked(resp.HandoffID, false, fx)
			if err == nil && t.req.Status == model.HandoffConfirmed {
				cp = c.beginCompleteLocked(t, true, fx)
			}
		}
		c.mu.Unlock()
		if cp != nil {
			c.commitCompletion(cp, fx)
		}
		c.apply(ctx, fx)
		return err
	case model.HandoffCancelled:
		_, err := c.cancel(ctx, resp.HandoffID, model.CancelRemote, false)
		return err
	case model.HandoffPending:
		return nil
	default:
		return fmt.Errorf("%w: unexpected remote status %q", ErrStateConflict, resp.Status)
	}
}

// Request returns a copy of the request with id, including finished ones.
func (c *Coordinator) Request(id string) (model.HandoffRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.lookupLocked(id)
	if err != nil {
		return model.HandoffRequest{}, err
	}
	return t.req, nil
}

// Requests returns all requests in creation order.
func (c *Coordinator) Requests() []model.HandoffRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]model.HandoffRequest, 0, len(c.order))
	for _, id := range c.order {
		ret = append(ret, c.requests[id].req)
	}
	return ret
}

// Outstanding returns the non-terminal request initiated by driver, if any.
func (c *Coordinator) Outstanding(driverID string) (model.HandoffRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.outstanding[driverID]
	if !ok {
		return model.HandoffRequest{}, false
	}
	return c.requests[id].req, true
}

// Close stops all inactivity timers. Outstanding requests stay as they are.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.requests {
		c.stopTimerLocked(t)
	}
}

func (c *Coordinator) admitLocked(from, to string) (model.HandoffRequest, error) {
	if from == "" || from != c.registry.ActiveDriverID() {
		return model.HandoffRequest{}, fmt.Errorf("%w: %s", ErrNotActiveDriver, from)
	}
	if id, ok := c.outstanding[from]; ok {
		return model.HandoffRequest{}, fmt.Errorf("%w: %s has %s", ErrAlreadyPending, from, id)
	}
	status, err := c.registry.Status(to)
	if err != nil || status != model.StatusStandby {
		return model.HandoffRequest{}, fmt.Errorf("%w: %s", ErrTargetNotStandby, to)
	}
	now := c.clock.Now()
	return model.HandoffRequest{
		FromDriverID: from,
		ToDriverID:   to,
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       model.HandoffPending,
	}, nil
}

func (c *Coordinator) trackLocked(req model.HandoffRequest, fx *effects) {
	t := &tracked{req: req}
	c.requests[req.ID] = t
	c.order = append(c.order, req.ID)
	c.outstanding[req.FromDriverID] = req.ID
	c.armTimerLocked(t)
	fx.changed = append(fx.changed, t.req)
}

func (c *Coordinator) lookupLocked(id string) (*tracked, error) {
	t, ok := c.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandoff, id)
	}
	return t, nil
}

func (c *Coordinator) acknowledgeLocked(id string, notify bool, fx *effects) (*tracked, error) {
	t, err := c.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if t.req.Status != model.HandoffPending {
		return t, conflict(t.req, "confirm")
	}
	status, err := c.registry.Status(t.req.ToDriverID)
	if err != nil || status == model.StatusOffline {
		c.finishLocked(t, model.HandoffCancelled, model.CancelTargetOffline, notify, fx)
		return t, nil
	}
	c.transitionLocked(t, model.HandoffConfirmed, notify, fx)
	c.armTimerLocked(t)
	return t, nil
}

// beginCompleteLocked claims a confirmed request for completion. A request
// whose initiator no longer drives is cancelled right away and nil returned.
// notify only applies to the completed outcome.
func (c *Coordinator) beginCompleteLocked(t *tracked, notify bool, fx *effects) *completion {
	active := c.registry.ActiveDriverID()
	if active != "" && active != t.req.FromDriverID {
		c.finishLocked(t, model.HandoffCancelled, model.CancelSuperseded, true, fx)
		return nil
	}
	c.stopTimerLocked(t)
	t.completing = true
	return &completion{t: t, to: t.req.ToDriverID, notify: notify}
}

// commitCompletion moves the target into the car and finishes the request.
// c.mu must not be held: registry listeners run on this goroutine.
func (c *Coordinator) commitCompletion(cp *completion, fx *effects) model.HandoffRequest {
	err := c.registry.SetActive(cp.to)

	c.mu.Lock()
	defer c.mu.Unlock()
	t := cp.t
	t.completing = false
	if err != nil {
		reason := model.CancelRejected
		if errors.Is(err, driver.ErrDriverOffline) || errors.Is(err, driver.ErrUnknownDriver) {
			reason = model.CancelTargetOffline
		}
		c.l.Warn("registry refused handoff",
			log.String("id", t.req.ID), log.ErrorField(err))
		c.finishLocked(t, model.HandoffCancelled, reason, true, fx)
		return t.req
	}
	c.finishLocked(t, model.HandoffCompleted, model.CancelNone, cp.notify, fx)
	return t.req
}

func (c *Coordinator) cancel(
	ctx context.Context, id string, reason model.CancelReason, notify bool,
) (model.HandoffRequest, error) {
	ctx, span := tracer.Start(ctx, "handoff.cancel",
		trace.WithAttributes(attribute.String("handoff.id", id), attribute.String("reason", string(reason))))
	defer span.End()

	c.mu.Lock()
	t, err := c.lookupLocked(id)
	if err == nil && (t.req.Status.Terminal() || t.completing) {
		err = conflict(t.req, "cancel")
	}
	if err != nil {
		var ret model.HandoffRequest
		if t != nil {
			ret = t.req
		}
		c.mu.Unlock()
		recordError(span, err)
		return ret, err
	}
	fx := &effects{}
	c.finishLocked(t, model.HandoffCancelled, reason, notify, fx)
	ret := t.req
	c.mu.Unlock()

	c.apply(ctx, fx)
	return ret, nil
}

func (c *Coordinator) onTimeout(id string, seq uint64) {
	c.mu.Lock()
	t, ok := c.requests[id]
	if !ok || c.closed || t.timerSeq != seq || t.req.Status.Terminal() || t.completing {
		c.mu.Unlock()
		return
	}
	t.timer = nil
	fx := &effects{}
	c.finishLocked(t, model.HandoffCancelled, model.CancelTimeout, true, fx)
	c.mu.Unlock()

	c.l.Info("handoff timed out", log.String("id", id), log.Duration("timeout", c.timeout))
	c.apply(context.Background(), fx)
}

func (c *Coordinator) transitionLocked(
	t *tracked, status model.HandoffStatus, notify bool, fx *effects,
) {
	t.req.Status = status
	t.req.UpdatedAt = c.clock.Now()
	fx.changed = append(fx.changed, t.req)
	if notify {
		fx.send = append(fx.send, events.HandoffResponse{
			HandoffID: t.req.ID,
			Status:    status,
			Reason:    t.req.CancelReason,
		})
	}
}

func (c *Coordinator) finishLocked(
	t *tracked, status model.HandoffStatus, reason model.CancelReason, notify bool, fx *effects,
) {
	c.stopTimerLocked(t)
	t.req.CancelReason = reason
	c.transitionLocked(t, status, notify, fx)
	if c.outstanding[t.req.FromDriverID] == t.req.ID {
		delete(c.outstanding, t.req.FromDriverID)
	}
	fx.audit = append(fx.audit, audit.Entry{
		Kind:         audit.KindHandoff,
		ID:           t.req.ID,
		FromDriverID: t.req.FromDriverID,
		ToDriverID:   t.req.ToDriverID,
		Outcome:      string(status),
		Reason:       string(reason),
		Notes:        t.req.Notes,
		CreatedAt:    t.req.CreatedAt,
		ResolvedAt:   t.req.UpdatedAt,
	})
}

func (c *Coordinator) armTimerLocked(t *tracked) {
	c.stopTimerLocked(t)
	if c.closed {
		return
	}
	t.timerSeq++
	seq, id := t.timerSeq, t.req.ID
	t.timer = c.clock.AfterFunc(c.timeout, func() { c.onTimeout(id, seq) })
}

func (c *Coordinator) stopTimerLocked(t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (c *Coordinator) apply(ctx context.Context, fx *effects) {
	for _, ev := range fx.send {
		if !c.notifier.Send(ev) {
			c.l.Warn("peer not notified, connection down", log.String("kind", string(ev.Kind())))
		}
	}
	for _, e := range fx.audit {
		if err := c.sink.Record(ctx, e); err != nil {
			c.l.Warn("could not record audit entry", log.String("key", e.Key()), log.ErrorField(err))
		}
	}
	for _, req := range fx.changed {
		for _, f := range c.onChange {
			f(req)
		}
	}
}

func conflict(req model.HandoffRequest, op string) error {
	return fmt.Errorf("%w: cannot %s handoff %s in state %s", ErrStateConflict, op, req.ID, req.Status)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (c *Coordinator) hasOutstanding(driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outstanding[driverID]
	return ok
}
