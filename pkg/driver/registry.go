// Package driver owns the driver profiles of a team session and the pointer
// to the driver currently in the car. SetActive is the only way a profile
// becomes active.
package driver

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aarondl/opt/omit"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

var (
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnknownDriver      = fmt.Errorf("%w: unknown driver", ErrInvariantViolation)
	ErrDriverOffline      = fmt.Errorf("%w: driver is offline", ErrInvariantViolation)
	ErrDuplicateDriver    = fmt.Errorf("%w: driver already registered", ErrInvariantViolation)
)

type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeUpdated   ChangeKind = "updated"
	ChangeRemoved   ChangeKind = "removed"
	ChangeActive    ChangeKind = "active"
	ChangeTelemetry ChangeKind = "telemetry"
)

type (
	// Change describes one committed mutation. Profile is a copy taken at
	// commit time.
	Change struct {
		Kind     ChangeKind
		DriverID string
		Profile  model.DriverProfile
		// set for ChangeActive
		PreviousActiveID string
		ActiveID         string
		// set for ChangeTelemetry
		Sample model.TelemetrySample
	}
	Listener func(Change)

	// Patch carries the fields of a partial profile update. Unset fields are
	// left untouched.
	Patch struct {
		Name        omit.Val[string]
		Team        omit.Val[string]
		Role        omit.Val[model.DriverRole]
		Status      omit.Val[model.DriverStatus]
		Preferences omit.Val[model.Preferences]
		Stats       omit.Val[model.DriverStats]
	}

	Option func(*Registry)

	Registry struct {
		mu       sync.RWMutex
		profiles map[string]*model.DriverProfile
		order    []string
		activeID string
		buffers  map[string]*ring
		capacity int
		clock    clock.Clock
		l        *log.Logger

		// notifyMu keeps listener calls in commit order. Listeners must not
		// mutate the registry.
		notifyMu  sync.Mutex
		lmu       sync.Mutex
		listeners []listenerEntry
		nextID    uint64
	}
	listenerEntry struct {
		id uint64
		fn Listener
	}
)

func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.l = l
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		profiles: make(map[string]*model.DriverProfile),
		buffers:  make(map[string]*ring),
		capacity: DefaultBufferSize,
		clock:    clock.Real(),
		l:        log.Default().Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Profiles returns copies of all profiles in join order.
func (r *Registry) Profiles() []model.DriverProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]model.DriverProfile, 0, len(r.order))
	for _, id := range r.order {
		ret = append(ret, *r.profiles[id].Clone())
	}
	return ret
}

func (r *Registry) Profile(id string) (model.DriverProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return model.DriverProfile{}, false
	}
	return *p.Clone(), true
}

// ActiveDriverID returns the driver in the car or "" if nobody is active.
func (r *Registry) ActiveDriverID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

func (r *Registry) Status(id string) (model.DriverStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	return p.Status, nil
}

// AddProfile registers a joining driver. An empty status becomes standby; an
// active status is rejected, use SetActive afterwards.
func (r *Registry) AddProfile(p model.DriverProfile) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if p.ID == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: profile without id", ErrInvariantViolation)
	}
	if _, ok := r.profiles[p.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, p.ID)
	}
	switch {
	case p.Status == "":
		p.Status = model.StatusStandby
	case p.Status == model.StatusActive:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s cannot join as active", ErrInvariantViolation, p.ID)
	case !p.Status.Valid():
		r.mu.Unlock()
		return fmt.Errorf("%w: invalid status %q", ErrInvariantViolation, p.Status)
	}
	if p.Role != "" && !p.Role.Valid() {
		r.mu.Unlock()
		return fmt.Errorf("%w: invalid role %q", ErrInvariantViolation, p.Role)
	}
	stored := p.Clone()
	r.profiles[p.ID] = stored
	r.order = append(r.order, p.ID)
	r.buffers[p.ID] = newRing(r.capacity)
	change := Change{Kind: ChangeAdded, DriverID: p.ID, Profile: *stored.Clone()}
	r.mu.Unlock()

	r.l.Debug("driver added", log.String("driverId", p.ID), log.String("status", string(p.Status)))
	r.notify(change)
	return nil
}

// RemoveProfile drops a driver and its telemetry. Removing the active driver
// leaves nobody active.
func (r *Registry) RemoveProfile(id string) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	p, ok := r.profiles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	var changes []Change
	if r.activeID == id {
		changes = append(changes, r.clearActiveLocked())
	}
	delete(r.profiles, id)
	delete(r.buffers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	changes = append(changes, Change{Kind: ChangeRemoved, DriverID: id, Profile: *p.Clone()})
	r.mu.Unlock()

	r.l.Debug("driver removed", log.String("driverId", id))
	r.notify(changes...)
	return nil
}

// SetActive puts id in the car. The previously active driver becomes standby
// unless it is offline. An id that is already active is a no-op.
func (r *Registry) SetActive(id string) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	p, ok := r.profiles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	if r.activeID == id {
		r.mu.Unlock()
		return nil
	}
	if p.Status == model.StatusOffline {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDriverOffline, id)
	}
	prev := r.activeID
	if prev != "" {
		r.retireLocked(r.profiles[prev])
	}
	p.Status = model.StatusActive
	r.activeID = id
	change := Change{
		Kind:             ChangeActive,
		DriverID:         id,
		Profile:          *p.Clone(),
		PreviousActiveID: prev,
		ActiveID:         id,
	}
	r.mu.Unlock()

	r.l.Info("active driver changed", log.String("from", prev), log.String("to", id))
	r.notify(change)
	return nil
}

// ClearActive leaves nobody in the car. It exists for rolling back a
// provisional switch.
func (r *Registry) ClearActive() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.activeID == "" {
		r.mu.Unlock()
		return
	}
	change := r.clearActiveLocked()
	r.mu.Unlock()

	r.l.Info("active driver cleared", log.String("from", change.PreviousActiveID))
	r.notify(change)
}

// UpdateProfile merges patch into the profile of id. Setting status active is
// rejected; setting the active driver to standby or offline clears the
// pointer.
func (r *Registry) UpdateProfile(id string, patch Patch) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	p, ok := r.profiles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDriver, id)
	}
	if err := validatePatch(patch); err != nil {
		r.mu.Unlock()
		return err
	}

	var changes []Change
	if patch.Status.IsSet() && r.activeID == id {
		changes = append(changes, r.clearActiveLocked())
	}
	if v, ok := patch.Name.Get(); ok {
		p.Name = v
	}
	if v, ok := patch.Team.Get(); ok {
		p.Team = v
	}
	if v, ok := patch.Role.Get(); ok {
		p.Role = v
	}
	if v, ok := patch.Status.Get(); ok {
		p.Status = v
	}
	if v, ok := patch.Preferences.Get(); ok {
		p.Preferences = v
		p.Preferences.Overlay = slices.Clone(v.Overlay)
	}
	if v, ok := patch.Stats.Get(); ok {
		// LastActiveAt is maintained here, not by the sender
		last := p.Stats.LastActiveAt
		p.Stats = v
		p.Stats.LastActiveAt = last
	}
	changes = append(changes, Change{Kind: ChangeUpdated, DriverID: id, Profile: *p.Clone()})
	r.mu.Unlock()

	r.notify(changes...)
	return nil
}

// RecordTelemetry appends sample to the buffer of its driver.
func (r *Registry) RecordTelemetry(sample model.TelemetrySample) error {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	buf, ok := r.buffers[sample.DriverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDriver, sample.DriverID)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.clock.Now()
	}
	buf.push(sample)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeTelemetry, DriverID: sample.DriverID, Sample: sample})
	return nil
}

// Samples returns a copy of the buffered telemetry of id, oldest first.
func (r *Registry) Samples(id string) []model.TelemetrySample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.buffers[id]
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// LatestSample returns the newest buffered sample of id.
func (r *Registry) LatestSample(id string) (model.TelemetrySample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.buffers[id]
	if !ok {
		return model.TelemetrySample{}, false
	}
	return buf.latest()
}

func (r *Registry) BufferLen(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if buf, ok := r.buffers[id]; ok {
		return buf.len()
	}
	return 0
}

// Subscribe registers l for every committed mutation. The returned func
// removes it again.
//
// Listeners run synchronously on the mutating goroutine and in commit order.
// They must not mutate the registry. The handoff coordinator holds no lock
// while it changes the active driver, but a provisional direct switch does:
// a listener must not call into the handoff Switcher.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: l})
	return func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		r.listeners = slices.DeleteFunc(r.listeners, func(e listenerEntry) bool {
			return e.id == id
		})
	}
}

func (r *Registry) notify(changes ...Change) {
	r.lmu.Lock()
	listeners := slices.Clone(r.listeners)
	r.lmu.Unlock()
	for _, c := range changes {
		for _, e := range listeners {
			r.invoke(e.fn, c)
		}
	}
}

func (r *Registry) invoke(fn Listener, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			r.l.Error("registry listener panicked",
				log.String("change", string(c.Kind)), log.Any("panic", rec))
		}
	}()
	fn(c)
}

func (r *Registry) clearActiveLocked() Change {
	prev := r.activeID
	p := r.profiles[prev]
	r.retireLocked(p)
	r.activeID = ""
	return Change{
		Kind:             ChangeActive,
		DriverID:         prev,
		Profile:          *p.Clone(),
		PreviousActiveID: prev,
	}
}

// retireLocked takes p out of the car.
func (r *Registry) retireLocked(p *model.DriverProfile) {
	if p.Status != model.StatusOffline {
		p.Status = model.StatusStandby
	}
	p.Stats.LastActiveAt = r.clock.Now()
}

func validatePatch(patch Patch) error {
	if status, ok := patch.Status.Get(); ok {
		if status == model.StatusActive {
			return fmt.Errorf("%w: status active can only be set by SetActive", ErrInvariantViolation)
		}
		if !status.Valid() {
			return fmt.Errorf("%w: invalid status %q", ErrInvariantViolation, status)
		}
	}
	if role, ok := patch.Role.Get(); ok && !role.Valid() {
		return fmt.Errorf("%w: invalid role %q", ErrInvariantViolation, role)
	}
	return nil
}
