// Package session implements the Session State Machine (spec §4.8):
// Hello → Opened → [Opened|Streaming] → Closed, with handlers for
// open_tuner, open_tuner_with_group, select, start_stream, stop_stream,
// and close. The idle-scan-loop shape (ticker + per-id state map,
// select-on-ticker-or-done) is grounded on
// internal/tuner/plex_session_reaper.go's run/scanAndReap loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/protocol"
	"github.com/bonproxy/tunerproxy/internal/selector"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
	"github.com/bonproxy/tunerproxy/internal/tunerpool"
)

// State is one position in the session state machine.
type State int

const (
	StateHello State = iota
	StateOpened
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "hello"
	case StateOpened:
		return "opened"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation is replied (not returned as a Go error to the
// transport) when a message doesn't match the current state.
var ErrProtocolViolation = errors.New("session: unexpected message for current state")

// Deps bundles the collaborators a Session needs to resolve selections.
type Deps struct {
	Catalog  *catalog.Catalog
	Pool     *tunerpool.Pool
	Selector *selector.Selector
}

// subscription is one held Shared Tuner handle.
type subscription struct {
	tuner *sharedtuner.SharedTuner
	id    string
	ck    tunerpool.ChannelKey
	mk    tunerpool.MuxKey
	recv  <-chan []byte
}

// Session tracks one client connection's state across the wire protocol.
type Session struct {
	ID   string
	deps Deps

	mu          sync.Mutex
	state       State
	driverID    int64
	driverPath  string
	groupSpaces map[string]int // virtualspace mapping, populated by open_tuner_with_group
	sub         *subscription

	lastActivity time.Time
}

// New returns a Session in StateHello.
func New(id string, deps Deps) *Session {
	return &Session{ID: id, deps: deps, state: StateHello, lastActivity: time.Now()}
}

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// IdleSince reports how long the session has gone without activity.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// OpenTuner handles 0x0001: resolves/creates a driver row for path and
// transitions Hello → Opened.
func (s *Session) OpenTuner(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHello {
		return ErrProtocolViolation
	}
	id, err := s.deps.Catalog.UpsertDriver(ctx, path)
	if err != nil {
		return fmt.Errorf("session: open_tuner: %w", err)
	}
	s.driverID = id
	s.driverPath = path
	s.state = StateOpened
	s.touch()
	return nil
}

// OpenTunerWithGroup handles the grouped-driver variant of open_tuner by
// storing the caller-supplied virtual-space mapping (spec §9) on the
// session. It does not look up the group's drivers or compute the mapping
// itself; group is not used.
func (s *Session) OpenTunerWithGroup(ctx context.Context, group string, mapping map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHello {
		return ErrProtocolViolation
	}
	s.groupSpaces = mapping
	s.state = StateOpened
	s.touch()
	return nil
}

// priorityFor resolves the session's priority hierarchy (spec §4.8): exclusive
// wins outright; otherwise a positive caller priority is honored; otherwise
// the channel's own catalog priority; otherwise 0.
func priorityFor(exclusive bool, callerPriority int, channelPriority int) int {
	if exclusive {
		return tunerpool.ExclusivePriority
	}
	if callerPriority > 0 {
		return callerPriority
	}
	if channelPriority > 0 {
		return channelPriority
	}
	return 0
}

// SelectPhysical handles select(Physical{path,space,ch}) (spec §4.8):
// bypasses is_enabled and calls the pool with the literal key.
func (s *Session) SelectPhysical(ctx context.Context, msg protocol.SetChannelPhysical, factory tunerpool.Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpened && s.state != StateStreaming {
		return ErrProtocolViolation
	}
	s.dropSubscriptionLocked()

	driverID, err := s.deps.Catalog.UpsertDriver(ctx, msg.Path)
	if err != nil {
		return fmt.Errorf("session: select physical: %w", err)
	}
	ck := tunerpool.ChannelKey{DriverID: int(driverID), Space: int(msg.Space), Channel: fmt.Sprintf("%d", msg.Channel)}
	mk := tunerpool.MuxKey{DriverID: int(driverID)}
	priority := priorityFor(msg.Exclusive, int(msg.Priority), 0)

	tuner, subID, recv, err := s.deps.Pool.Acquire(ctx, int(driverID), ck, mk, priority, msg.Exclusive, s.ID, factory)
	if err != nil {
		return fmt.Errorf("session: channel set failed: %w", err)
	}
	s.sub = &subscription{tuner: tuner, id: subID, ck: ck, mk: mk, recv: recv}
	s.touch()
	return nil
}

// SelectLogical handles select(Logical{nid,tsid,sid?}) via the Selector
// (spec §4.7/§4.8).
func (s *Session) SelectLogical(ctx context.Context, msg protocol.SetChannelLogical, priority int, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpened && s.state != StateStreaming {
		return ErrProtocolViolation
	}
	s.dropSubscriptionLocked()

	var sidPtr *uint16
	if msg.HasSID {
		v := msg.SID
		sidPtr = &v
	}
	res, err := s.deps.Selector.Select(ctx, msg.NID, msg.TSID, sidPtr, s.ID, priority, exclusive)
	if err != nil {
		return fmt.Errorf("session: channel set failed: %w", err)
	}
	ck := tunerpool.ChannelKey{DriverID: int(res.Candidate.Driver.ID), Space: res.Candidate.Channel.BonSpace, Channel: fmt.Sprintf("%d", res.Candidate.Channel.SID)}
	mk := tunerpool.MuxKey{DriverID: int(res.Candidate.Driver.ID), NID: msg.NID, TSID: msg.TSID}
	s.sub = &subscription{tuner: res.Tuner, id: res.SubscriptionID, ck: ck, mk: mk, recv: res.Recv}
	s.touch()
	return nil
}

// StartStream handles 0x0401: transitions Opened → Streaming. The caller
// (transport loop) is responsible for draining the returned channel and writing
// StreamData frames.
func (s *Session) StartStream() (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpened || s.sub == nil {
		return nil, ErrProtocolViolation
	}
	if err := s.sub.tuner.StartReader(); err != nil {
		return nil, err
	}
	s.state = StateStreaming
	s.touch()
	return s.sub.recv, nil
}

// StopStream handles stop_stream: drops the subscription, returning to
// Opened; if this was the last subscriber, the Pool releases the tuner.
func (s *Session) StopStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSubscriptionLocked()
	if s.state == StateStreaming {
		s.state = StateOpened
	}
	s.touch()
}

// Close handles close or a transport-level disconnect: drops all held
// subscriptions and transitions to Closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSubscriptionLocked()
	s.state = StateClosed
}

// SignalLevel reports the currently-selected tuner's last sampled signal
// level (spec §6's get_signal_level). ok is false when nothing is selected.
func (s *Session) SignalLevel() (level float32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return 0, false
	}
	return s.sub.tuner.SignalLevel(), true
}

// Lagged returns the currently-subscribed Shared Tuner's lag-notification
// channel (spec §4.4, §8), or nil if nothing is selected. The transport
// loop closes the session when this fires instead of silently losing
// stream data.
func (s *Session) Lagged() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	return s.sub.tuner.Lagged(s.sub.id)
}

func (s *Session) dropSubscriptionLocked() {
	if s.sub == nil {
		return
	}
	s.deps.Pool.Release(int(s.driverID), s.sub.ck, s.sub.mk, s.sub.tuner, s.sub.id)
	s.sub = nil
}

// Manager tracks all live sessions and reaps idle ones — the idle-scan loop
// is grounded on plexSessionReaper.run's ticker-driven scanAndReap shape.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	logPrefix   string
}

// NewManager returns a Manager that reaps sessions idle past idleTimeout.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{sessions: make(map[string]*Session), idleTimeout: idleTimeout, logPrefix: "session-reaper:"}
}

// IdleTimeout reports the timeout this manager reaps against.
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

// Register adds a session to the manager.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// Unregister removes a session (called once its transport closes).
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Run ticks every idleTimeout/4 (bounded to at least 1s), closing any
// session idle past idleTimeout, until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.reapOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.IdleSince() > m.idleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		log.Printf("%s closing idle session %s", m.logPrefix, s.ID)
		s.Close()
	}
}
