package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/eventbus"
)

// defaultConnectTimeout bounds Open when the caller's context has no deadline.
const defaultConnectTimeout = 10 * time.Second

// Config holds connection manager settings.
type Config struct {
	// ConnectTimeout bounds a single Open call.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// EventBus configures the bus carrying state changes and group events.
	EventBus eventbus.Config
}

// Session is a snapshot of the current connection.
type Session struct {
	Handle Handle
	Epoch  uint64
}

// Status summarises the connection for health reporting.
type Status struct {
	State     State           `json:"state"`
	Epoch     uint64          `json:"epoch"`
	Params    string          `json:"params,omitempty"`
	Since     time.Time       `json:"since"`
	LastError string          `json:"last_error,omitempty"`
	Connects  uint64          `json:"connects"`
	Losses    uint64          `json:"losses"`
	Transport *TransportStats `json:"transport,omitempty"`
}

// Manager owns the single bus connection.
//
// State machine: Closed → Opening → Connected → Closing → Closed. Only one
// Connect or Disconnect runs at a time; a call made while another is in
// flight fails with knx.ErrBusy. A connection that drops on its own moves
// straight from Connected to Closed with reason knx.ErrConnectionLost.
//
// Every connection gets a new epoch. Inbound group events are stamped with
// the epoch they arrived in and events from an older epoch are discarded.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	transport Transport
	cfg       Config
	bus       *eventbus.Bus[Event]
	logger    knx.Logger

	mu       sync.Mutex
	state    State
	epoch    uint64
	since    time.Time
	params   string
	lastErr  error
	handle   Handle
	pumpStop chan struct{}
	pumpDone chan struct{}

	// pubMu is taken before mu is released so events reach the bus in the
	// order the state changed.
	pubMu sync.Mutex

	connects    atomic.Uint64
	losses      atomic.Uint64
	disconnects atomic.Uint64
}

// NewManager creates a manager for transport. The connection starts Closed.
func NewManager(transport Transport, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		bus:       eventbus.New[Event](cfg.EventBus),
		since:     time.Now(),
	}
}

// SetLogger sets the logger for the manager and its event bus.
func (m *Manager) SetLogger(logger knx.Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
	m.bus.SetLogger(logger)
}

// Subscribe registers fn for every state change and group event.
func (m *Manager) Subscribe(name string, fn func(Event)) (*eventbus.Subscription, error) {
	return m.bus.Subscribe(name, fn)
}

// Connect opens the bus connection.
//
// A handle left over from a lost connection is closed first; errors doing
// so are logged and not returned.
func (m *Manager) Connect(ctx context.Context, params string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return knx.ErrAlreadyConnected
	case StateOpening, StateClosing:
		m.mu.Unlock()
		return knx.ErrBusy
	}

	stale, staleStop, staleDone := m.detachLocked()
	m.epoch++
	epoch := m.epoch
	m.params = params
	m.transitionLocked(StateOpening, nil)

	if stale != nil {
		m.release(stale, staleStop, staleDone)
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	h, err := m.transport.Open(openCtx, params)
	cancel()
	if err == nil && h == nil {
		err = errors.New("transport returned no handle")
	}

	m.mu.Lock()
	if err != nil {
		m.lastErr = err
		m.transitionLocked(StateClosed, err)
		m.logWarn("bus connection failed", "params", params, "epoch", epoch, "error", err)
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: %w", knx.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %w", knx.ErrTransport, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.handle = h
	m.pumpStop = stop
	m.pumpDone = done
	m.lastErr = nil
	m.connects.Add(1)
	m.transitionLocked(StateConnected, nil)

	go m.pump(h, epoch, stop, done)

	m.logInfo("bus connected", "params", params, "epoch", epoch)
	return nil
}

// Disconnect closes the bus connection. It is a no-op when already
// Closed, apart from releasing a handle left over from a lost connection.
//
// The state always ends Closed. A failure to close the handle is returned
// wrapped in knx.ErrTransport.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateOpening, StateClosing:
		m.mu.Unlock()
		return knx.ErrBusy
	case StateClosed:
		m.disconnects.Add(1)
		h, stop, done := m.detachLocked()
		m.mu.Unlock()
		if h != nil {
			m.release(h, stop, done)
		}
		return nil
	}

	m.disconnects.Add(1)
	h, stop, done := m.detachLocked()
	m.transitionLocked(StateClosing, nil)

	close(stop)
	errCh := make(chan error, 1)
	go func() { errCh <- h.Close() }()

	var closeErr error
	select {
	case closeErr = <-errCh:
		<-done
	case <-ctx.Done():
		closeErr = fmt.Errorf("%w: %w", knx.ErrCancelled, ctx.Err())
		m.logWarn("disconnect interrupted, handle closing in background")
	}

	m.mu.Lock()
	m.transitionLocked(StateClosed, nil)
	m.logInfo("bus disconnected")

	if closeErr != nil {
		if errors.Is(closeErr, knx.ErrCancelled) {
			return closeErr
		}
		return fmt.Errorf("%w: close: %w", knx.ErrTransport, closeErr)
	}
	return nil
}

// Close disconnects and shuts down the event bus. The manager cannot be
// used afterwards.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.bus.Close()
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected returns true if the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Epoch returns the current connection epoch. It increases on every
// Connect attempt.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Disconnects returns how many times Disconnect has been accepted.
func (m *Manager) Disconnects() uint64 {
	return m.disconnects.Load()
}

// Params returns the parameters of the most recent Connect.
func (m *Manager) Params() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Session returns the handle and epoch of the live connection, or
// knx.ErrNotConnected.
func (m *Manager) Session() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.handle == nil {
		return Session{}, knx.ErrNotConnected
	}
	return Session{Handle: m.handle, Epoch: m.epoch}, nil
}

// Status returns a snapshot for health reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:    m.state,
		Epoch:    m.epoch,
		Params:   m.params,
		Since:    m.since,
		Connects: m.connects.Load(),
		Losses:   m.losses.Load(),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	h := m.handle
	m.mu.Unlock()

	if r, ok := h.(StatsReporter); ok {
		stats := r.Stats()
		st.Transport = &stats
	}
	return st
}

// BusStats returns the event bus subscriber statistics.
func (m *Manager) BusStats() []eventbus.SubscriberStats {
	return m.bus.Stats()
}

// pump forwards events from one handle until it is told to stop or the
// stream ends.
func (m *Manager) pump(h Handle, epoch uint64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	events := h.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				m.connectionLost(epoch)
				return
			}
			m.dispatch(epoch, ev)
		}
	}
}

// dispatch publishes a group event if it belongs to the live connection.
func (m *Manager) dispatch(epoch uint64, ev knx.GroupEvent) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	ev.Epoch = epoch
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.pubMu.Lock()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventGroup, Group: ev})
	m.pubMu.Unlock()
}

// connectionLost handles the end of a handle's event stream. The handle is
// kept so the next Connect or Disconnect can release it.
func (m *Manager) connectionLost(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.pumpStop = nil
	m.lastErr = knx.ErrConnectionLost
	m.losses.Add(1)
	m.transitionLocked(StateClosed, knx.ErrConnectionLost)

	m.logWarn("bus connection lost", "epoch", epoch)
}

// detachLocked takes ownership of the current handle and its pump.
// Must be called with mu held.
func (m *Manager) detachLocked() (Handle, chan struct{}, chan struct{}) {
	h, stop, done := m.handle, m.pumpStop, m.pumpDone
	m.handle, m.pumpStop, m.pumpDone = nil, nil, nil
	return h, stop, done
}

// release closes a handle that is no longer current, best-effort.
func (m *Manager) release(h Handle, stop, done chan struct{}) {
	if stop != nil {
		close(stop)
	}
	if err := h.Close(); err != nil {
		m.logWarn("closing previous bus handle", "error", err)
	}
	if done != nil {
		<-done
	}
}

// transitionLocked moves to state to and publishes the change. Must be
// called with mu held; returns with mu released.
func (m *Manager) transitionLocked(to State, reason error) {
	change := StateChange{
		From:      m.state,
		To:        to,
		Epoch:     m.epoch,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	m.state = to
	m.since = change.Timestamp

	m.pubMu.Lock()
	m.mu.Unlock()
	m.bus.Publish(Event{Type: EventStateChanged, State: change})
	m.pubMu.Unlock()
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
