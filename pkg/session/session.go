// Package session wires the connection manager, driver registry, handoff
// coordinator and comparison engine of one team session together and routes
// inbound events to them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aarondl/opt/omit"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/audit"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/comparison"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/connection"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/dispatch"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/driver"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/handoff"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/utils/broadcast"
)

// capacity of change feed sources and subscriber channels
const feedBuffer = 256

type (
	Config struct {
		Team string
		// label for this client's log lines, may be empty
		DriverID          string
		Backoff           connection.Backoff
		ThrottleInterval  time.Duration
		HandoffTimeout    time.Duration
		SwitchAckTimeout  time.Duration
		AllowDirectSwitch bool
		BufferSize        int
		ComparisonWindow  time.Duration
	}

	Option func(*Session)

	Session struct {
		cfg   Config
		ctx   context.Context
		clock clock.Clock
		sink  audit.Sink
		l     *log.Logger

		conn     *connection.Manager
		registry *driver.Registry
		coord    *handoff.Coordinator
		switcher *handoff.Switcher
		engine   *comparison.Engine

		changeSrc    chan driver.Change
		changes      broadcast.BroadcastServer[driver.Change]
		handoffSrc   chan model.HandoffRequest
		handoffs     broadcast.BroadcastServer[model.HandoffRequest]
		subs         []connection.Subscription
		unsubscribe  func()
		mu           sync.Mutex
		info         events.SessionInfo
		closeOnce    sync.Once
		feedMu       sync.RWMutex
		feedsStopped bool
	}
)

func DefaultConfig() Config {
	return Config{
		Backoff:          connection.DefaultBackoff(),
		ThrottleInterval: dispatch.DefaultInterval,
		HandoffTimeout:   handoff.DefaultTimeout,
		SwitchAckTimeout: handoff.DefaultAckTimeout,
		BufferSize:       driver.DefaultBufferSize,
		ComparisonWindow: comparison.DefaultWindow,
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

func WithAuditSink(sink audit.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		s.l = l
	}
}

// New builds all components; nothing is started before Start.
func New(dialer connection.Dialer, opts ...Option) *Session {
	s := &Session{
		cfg:   DefaultConfig(),
		ctx:   context.Background(),
		clock: clock.Real(),
		sink:  audit.NewMemorySink(),
		l:     log.Default().Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.l = s.l.With(log.String("team", s.cfg.Team), log.String("driver", s.cfg.DriverID))

	s.conn = connection.NewManager(dialer,
		connection.WithContext(s.ctx),
		connection.WithClock(s.clock),
		connection.WithLogger(s.l.Named("conn")),
		connection.WithBackoff(s.cfg.Backoff),
		connection.WithThrottle(dispatch.WithInterval(s.cfg.ThrottleInterval)),
	)
	s.registry = driver.NewRegistry(
		driver.WithClock(s.clock),
		driver.WithBufferSize(s.cfg.BufferSize),
		driver.WithLogger(s.l.Named("registry")),
	)

	s.handoffSrc = make(chan model.HandoffRequest, feedBuffer)
	s.handoffs = broadcast.NewBroadcastServer("handoffs", s.handoffSrc,
		broadcast.WithBufferSize[model.HandoffRequest](feedBuffer),
		broadcast.WithLogger[model.HandoffRequest](s.l.Named("broadcast")))
	s.coord = handoff.NewCoordinator(s.registry, s.conn,
		handoff.WithClock(s.clock),
		handoff.WithTimeout(s.cfg.HandoffTimeout),
		handoff.WithAuditSink(s.sink),
		handoff.WithLogger(s.l.Named("handoff")),
		handoff.WithTransitionHook(func(r model.HandoffRequest) { feed(s, s.handoffSrc, r) }),
	)
	s.switcher = handoff.NewSwitcher(s.coord,
		handoff.AllowDirectSwitch(s.cfg.AllowDirectSwitch),
		handoff.WithAckTimeout(s.cfg.SwitchAckTimeout),
	)
	s.engine = comparison.NewEngine(s.registry,
		comparison.WithWindow(s.cfg.ComparisonWindow),
		comparison.WithLogger(s.l.Named("comparison")),
	)

	s.changeSrc = make(chan driver.Change, feedBuffer)
	s.changes = broadcast.NewBroadcastServer("drivers", s.changeSrc,
		broadcast.WithBufferSize[driver.Change](feedBuffer),
		broadcast.WithLogger[driver.Change](s.l.Named("broadcast")))
	s.unsubscribe = s.registry.Subscribe(func(c driver.Change) { feed(s, s.changeSrc, c) })
	return s
}

// feed hands v to a broadcast source without blocking the caller.
func feed[T any](s *Session, ch chan T, v T) {
	s.feedMu.RLock()
	defer s.feedMu.RUnlock()
	if s.feedsStopped {
		return
	}
	select {
	case ch <- v:
	default:
		s.l.Debug("change feed full, dropping update")
	}
}

// Start registers the routes and opens the connection.
func (s *Session) Start() {
	routes := map[events.Kind]connection.Handler{
		events.KindConnect:         s.onConnect,
		events.KindDisconnect:      s.onDisconnect,
		events.KindReconnectFailed: s.onReconnectFailed,
		events.KindError:           s.onError,
		events.KindTelemetry:       s.onTelemetry,
		events.KindSessionInfo:     s.onSessionInfo,
		events.KindDriverUpdate:    s.onDriverUpdate,
		events.KindHandoffRequest:  s.onHandoffRequest,
		events.KindHandoffResponse: s.onHandoffResponse,
		events.KindDriverSwitch:    s.onDriverSwitch,
		events.KindDriverSwitchAck: s.onDriverSwitchAck,
	}
	for _, kind := range events.AllKinds {
		if h, ok := routes[kind]; ok {
			s.subs = append(s.subs, s.conn.On(kind, h))
		}
	}
	s.conn.Connect()
}

// Close tears everything down in reverse order of construction.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			s.conn.Off(sub)
		}
		s.conn.Close()
		s.switcher.Close()
		s.coord.Close()
		s.unsubscribe()

		s.feedMu.Lock()
		s.feedsStopped = true
		s.feedMu.Unlock()
		s.changes.Close()
		s.handoffs.Close()
		s.l.Info("session closed")
	})
}

func (s *Session) Connection() *connection.Manager   { return s.conn }
func (s *Session) Registry() *driver.Registry        { return s.registry }
func (s *Session) Coordinator() *handoff.Coordinator { return s.coord }
func (s *Session) Switcher() *handoff.Switcher       { return s.switcher }
func (s *Session) Comparison() *comparison.Engine    { return s.engine }

// Changes is the feed of committed registry mutations.
func (s *Session) Changes() broadcast.BroadcastServer[driver.Change] {
	return s.changes
}

// Handoffs is the feed of handoff request transitions.
func (s *Session) Handoffs() broadcast.BroadcastServer[model.HandoffRequest] {
	return s.handoffs
}

// Info returns the last session_info received from the backend.
func (s *Session) Info() events.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Compare runs the comparison engine and announces the result to the peer.
// The result is returned even if it could not be sent.
func (s *Session) Compare(a, b string, metrics ...string) comparison.Result {
	res := s.engine.Compare(a, b, metrics...)
	if !s.conn.Send(res.ToEvent(uuid.New().String())) {
		s.l.Debug("comparison result not sent", log.String("driverA", a), log.String("driverB", b))
	}
	return res
}

func (s *Session) onConnect(ev events.Event) {
	s.l.Info("connected to session backend", log.String("url", ev.(events.Connect).URL))
}

func (s *Session) onDisconnect(ev events.Event) {
	s.l.Warn("disconnected from session backend", log.String("reason", ev.(events.Disconnect).Reason))
}

func (s *Session) onReconnectFailed(ev events.Event) {
	s.l.Error("giving up on session backend",
		log.Int("attempts", ev.(events.ReconnectFailed).Attempts))
}

func (s *Session) onError(ev events.Event) {
	s.l.Warn("session error", log.ErrorField(ev.(events.Error)))
}

func (s *Session) onTelemetry(ev events.Event) {
	t := ev.(events.Telemetry)
	if err := s.registry.RecordTelemetry(t.Sample); err != nil {
		s.l.Debug("telemetry dropped", log.String("driverId", t.DriverID), log.ErrorField(err))
	}
}

func (s *Session) onSessionInfo(ev events.Event) {
	info := ev.(events.SessionInfo)
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	if err := s.syncRoster(info); err != nil {
		s.l.Warn("roster out of sync", log.String("sessionId", info.SessionID), log.ErrorField(err))
	}
}

func (s *Session) onDriverUpdate(ev events.Event) {
	if err := s.applyPeerDriverUpdate(ev.(events.DriverUpdate)); err != nil {
		s.l.Warn("driver update rejected", log.ErrorField(err))
	}
}

func (s *Session) onHandoffRequest(ev events.Event) {
	req := ev.(events.HandoffRequest).Handoff
	if err := s.coord.MirrorRequest(s.ctx, req); err != nil {
		s.l.Warn("peer handoff request rejected", log.String("id", req.ID), log.ErrorField(err))
		s.conn.Send(events.HandoffResponse{
			HandoffID: req.ID,
			Status:    model.HandoffCancelled,
			Reason:    model.CancelRejected,
		})
	}
}

func (s *Session) onHandoffResponse(ev events.Event) {
	resp := ev.(events.HandoffResponse)
	if err := s.coord.HandleRemoteResponse(s.ctx, resp); err != nil {
		s.l.Warn("peer handoff response not applied",
			log.String("id", resp.HandoffID), log.String("status", string(resp.Status)),
			log.ErrorField(err))
	}
}

// onDriverSwitch answers a direct switch made by the peer.
func (s *Session) onDriverSwitch(ev events.Event) {
	sw := ev.(events.DriverSwitch)
	ack := events.DriverSwitchAck{SwitchID: sw.SwitchID, Accepted: true}
	err := s.peerSwitchAllowed()
	if err == nil {
		err = s.registry.SetActive(sw.ToDriverID)
	}
	if err != nil {
		ack.Accepted, ack.Reason = false, err.Error()
	}
	s.l.Info("peer driver switch",
		log.String("id", sw.SwitchID), log.String("to", sw.ToDriverID), log.Bool("accepted", ack.Accepted))
	s.conn.Send(ack)
}

func (s *Session) onDriverSwitchAck(ev events.Event) {
	ack := ev.(events.DriverSwitchAck)
	if err := s.switcher.HandleAck(s.ctx, ack); err != nil {
		s.l.Debug("stale switch ack", log.String("id", ack.SwitchID), log.ErrorField(err))
	}
}

// peerSwitchAllowed reports whether the peer may move the car without a
// handoff.
func (s *Session) peerSwitchAllowed() error {
	if !s.cfg.AllowDirectSwitch {
		return handoff.ErrSwitchDisabled
	}
	if req, ok := s.coord.Outstanding(s.registry.ActiveDriverID()); ok {
		return fmt.Errorf("%w: %s", handoff.ErrHandoffOutstanding, req.ID)
	}
	return nil
}

// applyPeerDriverUpdate applies a driver_update sent by the peer. Moving a
// driver into the car counts as a direct switch; other fields still apply if
// the switch is refused.
func (s *Session) applyPeerDriverUpdate(u events.DriverUpdate) error {
	status, _ := u.Status.Get()
	if status != model.StatusActive || s.registry.ActiveDriverID() == u.DriverID {
		return s.applyDriverUpdate(u)
	}
	refused := s.peerSwitchAllowed()
	if refused != nil {
		u.Status = omit.Val[model.DriverStatus]{}
	}
	if err := s.applyDriverUpdate(u); err != nil {
		return errors.Join(refused, err)
	}
	if refused != nil {
		return fmt.Errorf("driver %s not activated: %w", u.DriverID, refused)
	}
	return nil
}

// applyDriverUpdate adds unknown drivers and merges updates into known ones.
// An update to status active goes through SetActive.
func (s *Session) applyDriverUpdate(u events.DriverUpdate) error {
	status, hasStatus := u.Status.Get()
	if _, known := s.registry.Profile(u.DriverID); !known {
		p := model.DriverProfile{
			ID:          u.DriverID,
			Name:        u.Name.GetOrZero(),
			Team:        u.Team.GetOrZero(),
			Role:        u.Role.GetOrZero(),
			Status:      status,
			Preferences: u.Preferences.GetOrZero(),
			Stats:       u.Stats.GetOrZero(),
		}
		if status == model.StatusActive {
			p.Status = model.StatusStandby
		}
		if err := s.registry.AddProfile(p); err != nil {
			return err
		}
	} else {
		patch := driver.Patch{
			Name:        u.Name,
			Team:        u.Team,
			Role:        u.Role,
			Preferences: u.Preferences,
			Stats:       u.Stats,
		}
		if hasStatus && status != model.StatusActive {
			patch.Status = u.Status
		}
		if err := s.registry.UpdateProfile(u.DriverID, patch); err != nil {
			return err
		}
	}
	if hasStatus && status == model.StatusActive {
		return s.registry.SetActive(u.DriverID)
	}
	return nil
}

// syncRoster makes the registry match a full session snapshot.
func (s *Session) syncRoster(info events.SessionInfo) error {
	var errs []error
	present := lo.SliceToMap(info.Drivers, func(p model.DriverProfile) (string, bool) {
		return p.ID, true
	})
	for _, p := range info.Drivers {
		status := p.Status
		if status == model.StatusActive {
			status = model.StatusStandby
		}
		u := events.DriverUpdate{
			DriverID:    p.ID,
			Name:        omit.From(p.Name),
			Team:        omit.From(p.Team),
			Role:        omit.From(p.Role),
			Preferences: omit.From(p.Preferences),
			Stats:       omit.From(p.Stats),
		}
		// the current driver stays in the car until the pointer is applied
		if p.ID != s.registry.ActiveDriverID() || status != model.StatusStandby {
			u.Status = omit.From(status)
		}
		if err := s.applyDriverUpdate(u); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range s.registry.Profiles() {
		if !present[p.ID] {
			if err := s.registry.RemoveProfile(p.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			s.conn.CancelPending(events.KindTelemetry, p.ID)
		}
	}
	if info.ActiveDriverID == "" {
		s.registry.ClearActive()
	} else if err := s.registry.SetActive(info.ActiveDriverID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
