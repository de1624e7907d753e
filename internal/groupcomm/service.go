package groupcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/eventbus"
)

// defaultReadTimeout bounds ReadOne when neither the caller nor the config
// sets a timeout.
const defaultReadTimeout = 5 * time.Second

// Config holds group communication settings.
type Config struct {
	// DefaultPriority is used when a call does not pass WithPriority:
	// "system", "alarm", "high" or "low". Default: "high".
	DefaultPriority string

	// ReadTimeout bounds ReadOne when a call does not pass WithTimeout.
	// Default: 5 seconds.
	ReadTimeout time.Duration

	// BulkInterval is the pause between consecutive operations of
	// ReadMany and WriteMany. Zero means no pause.
	BulkInterval time.Duration
}

// ReadResult is the outcome of one address in ReadMany.
type ReadResult struct {
	Value knx.GroupValue
	Err   error
}

// WriteRequest is one write in WriteMany.
type WriteRequest struct {
	Address knx.GroupAddress
	Value   knx.GroupValue
}

// WriteResult is the outcome of one WriteRequest.
type WriteResult struct {
	Address knx.GroupAddress
	Err     error
}

// Stats holds service counters.
type Stats struct {
	Writes        uint64 `json:"writes"`
	WriteErrors   uint64 `json:"write_errors"`
	ReadRequests  uint64 `json:"read_requests"`
	ReadsJoined   uint64 `json:"reads_joined"`
	ReadsAnswered uint64 `json:"reads_answered"`
	ReadTimeouts  uint64 `json:"read_timeouts"`
	PendingReads  int    `json:"pending_reads"`
}

// pendingRead correlates one outstanding read with its answer. It is
// shared by every ReadOne waiting on the same address in the same epoch.
type pendingRead struct {
	ga      knx.GroupAddress
	epoch   uint64
	waiters int

	done     chan struct{}
	resolved bool
	value    knx.GroupValue
	err      error
}

// Service issues group reads and writes over the manager's connection.
//
// Thread Safety: All methods are safe for concurrent use.
type Service struct {
	mgr      *connection.Manager
	cfg      Config
	priority knx.Priority
	logger   knx.Logger
	sub      *eventbus.Subscription

	mu      sync.Mutex
	pending map[knx.GroupAddress]*pendingRead
	closed  bool

	writes        atomic.Uint64
	writeErrors   atomic.Uint64
	readRequests  atomic.Uint64
	readsJoined   atomic.Uint64
	readsAnswered atomic.Uint64
	readTimeouts  atomic.Uint64
}

// New creates a service bound to mgr.
func New(mgr *connection.Manager, cfg Config) (*Service, error) {
	priority := knx.DefaultPriority
	if cfg.DefaultPriority != "" {
		p, err := knx.ParsePriority(cfg.DefaultPriority)
		if err != nil {
			return nil, fmt.Errorf("groupcomm: default priority: %w", err)
		}
		priority = p
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	s := &Service{
		mgr:      mgr,
		cfg:      cfg,
		priority: priority,
		pending:  make(map[knx.GroupAddress]*pendingRead),
	}
	sub, err := mgr.Subscribe("groupcomm", s.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribing to connection events: %w", err)
	}
	s.sub = sub
	return s, nil
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger knx.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Close detaches from the manager and fails outstanding reads with
// knx.ErrCancelled.
func (s *Service) Close() {
	s.sub.Unsubscribe()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, p := range s.pending {
		s.resolveLocked(p, knx.GroupValue{}, knx.ErrCancelled)
	}
}

// Write sends value to ga once. It fails with knx.ErrNotConnected without
// touching the transport when there is no connection.
func (s *Service) Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, opts ...Option) error {
	o := s.options(opts)

	if value.IsEmpty() {
		return fmt.Errorf("%w: write needs a non-empty value", knx.ErrInvalidGroupValue)
	}
	sess, err := s.mgr.Session()
	if err != nil {
		return err
	}

	s.writes.Add(1)
	if err := sess.Handle.Write(ctx, ga, value, o.priority); err != nil {
		s.writeErrors.Add(1)
		return callError(ctx, err)
	}

	s.logDebug("group write", "ga", ga.String(), "value", value.String(), "bits", value.Bits(), "priority", o.priority.String())
	return nil
}

// ReadOne requests the current value of ga and waits for the answer.
//
// A concurrent ReadOne for the same address joins the outstanding request
// instead of sending another one. A Write seen on the bus for ga also
// answers the read. The wait ends with knx.ErrTimeout, knx.ErrCancelled or
// knx.ErrConnectionLost when no value arrives.
func (s *Service) ReadOne(ctx context.Context, ga knx.GroupAddress, opts ...Option) (knx.GroupValue, error) {
	o := s.options(opts)

	sess, err := s.mgr.Session()
	if err != nil {
		return knx.GroupValue{}, err
	}

	p, created, err := s.join(ga, sess.Epoch)
	if err != nil {
		return knx.GroupValue{}, err
	}

	// a state change that happened before the insert has already been
	// handled and would never fail this record
	if cur, err := s.mgr.Session(); err != nil || cur.Epoch != sess.Epoch {
		s.mu.Lock()
		s.resolveLocked(p, knx.GroupValue{}, knx.ErrConnectionLost)
		s.mu.Unlock()
	}

	if created {
		s.readRequests.Add(1)
		if err := sess.Handle.RequestRead(ctx, ga, o.priority); err != nil {
			s.mu.Lock()
			s.resolveLocked(p, knx.GroupValue{}, callError(ctx, err))
			s.mu.Unlock()
		}
	} else {
		s.readsJoined.Add(1)
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		s.leave(p)
		if p.err == nil {
			s.readsAnswered.Add(1)
		}
		return p.value, p.err
	case <-ctx.Done():
		s.leave(p)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.readTimeouts.Add(1)
			return knx.GroupValue{}, fmt.Errorf("%w: reading %s: %w", knx.ErrTimeout, ga, ctx.Err())
		}
		return knx.GroupValue{}, fmt.Errorf("%w: reading %s: %w", knx.ErrCancelled, ga, ctx.Err())
	case <-timer.C:
		s.leave(p)
		s.readTimeouts.Add(1)
		return knx.GroupValue{}, fmt.Errorf("%w: no answer from %s within %s", knx.ErrTimeout, ga, o.timeout)
	}
}

// ReadMany reads each address in turn.
//
// Per-address failures are reported in the result map. The call as a
// whole fails only when the connection is gone or ctx is done; the
// results gathered up to that point are still returned.
func (s *Service) ReadMany(ctx context.Context, gas []knx.GroupAddress, opts ...Option) (map[knx.GroupAddress]ReadResult, error) {
	results := make(map[knx.GroupAddress]ReadResult, len(gas))
	for i, ga := range gas {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return results, err
			}
		}
		value, err := s.ReadOne(ctx, ga, opts...)
		results[ga] = ReadResult{Value: value, Err: err}
		if abortsBulk(ctx, err) {
			return results, err
		}
	}
	return results, nil
}

// WriteMany performs each write in turn. Results line up with reqs; on an
// aborting failure the slice holds the outcomes up to and including the
// failing write.
func (s *Service) WriteMany(ctx context.Context, reqs []WriteRequest, opts ...Option) ([]WriteResult, error) {
	results := make([]WriteResult, 0, len(reqs))
	for i, req := range reqs {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				return results, err
			}
		}
		err := s.Write(ctx, req.Address, req.Value, opts...)
		results = append(results, WriteResult{Address: req.Address, Err: err})
		if abortsBulk(ctx, err) {
			return results, err
		}
	}
	return results, nil
}

// SubscribeEvents registers fn for every inbound group event, in bus order.
func (s *Service) SubscribeEvents(name string, fn func(knx.GroupEvent)) (*eventbus.Subscription, error) {
	return s.mgr.Subscribe(name, func(ev connection.Event) {
		if ev.Type == connection.EventGroup {
			fn(ev.Group)
		}
	})
}

// SubscribeState registers fn for every connection state change.
func (s *Service) SubscribeState(name string, fn func(connection.StateChange)) (*eventbus.Subscription, error) {
	return s.mgr.Subscribe(name, func(ev connection.Event) {
		if ev.Type == connection.EventStateChanged {
			fn(ev.State)
		}
	})
}

// Manager returns the connection manager the service uses.
func (s *Service) Manager() *connection.Manager {
	return s.mgr
}

// Stats returns service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()

	return Stats{
		Writes:        s.writes.Load(),
		WriteErrors:   s.writeErrors.Load(),
		ReadRequests:  s.readRequests.Load(),
		ReadsJoined:   s.readsJoined.Load(),
		ReadsAnswered: s.readsAnswered.Load(),
		ReadTimeouts:  s.readTimeouts.Load(),
		PendingReads:  pending,
	}
}

// join returns the pending read for ga in epoch, creating it if needed.
func (s *Service) join(ga knx.GroupAddress, epoch uint64) (*pendingRead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, knx.ErrCancelled
	}

	if p, ok := s.pending[ga]; ok {
		if p.epoch == epoch {
			p.waiters++
			return p, false, nil
		}
		s.resolveLocked(p, knx.GroupValue{}, knx.ErrConnectionLost)
	}

	p := &pendingRead{
		ga:      ga,
		epoch:   epoch,
		waiters: 1,
		done:    make(chan struct{}),
	}
	s.pending[ga] = p
	return p, true, nil
}

// leave drops one waiter. The last waiter of an unresolved read removes it.
func (s *Service) leave(p *pendingRead) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.waiters--
	if p.waiters == 0 && s.pending[p.ga] == p {
		delete(s.pending, p.ga)
	}
}

// resolveLocked completes p once. Must be called with mu held.
func (s *Service) resolveLocked(p *pendingRead, value knx.GroupValue, err error) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.value = value
	p.err = err
	close(p.done)

	if s.pending[p.ga] == p {
		delete(s.pending, p.ga)
	}
}

// handleEvent runs on the manager's event bus, in bus order.
func (s *Service) handleEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventGroup:
		if !ev.Group.Kind.CarriesValue() {
			return
		}
		s.mu.Lock()
		if p, ok := s.pending[ev.Group.Destination]; ok && p.epoch == ev.Group.Epoch {
			s.resolveLocked(p, ev.Group.Value, nil)
		}
		s.mu.Unlock()

	case connection.EventStateChanged:
		s.mu.Lock()
		for _, p := range s.pending {
			if endsEpoch(ev.State, p.epoch) {
				s.resolveLocked(p, knx.GroupValue{}, fmt.Errorf("%w: connection %s", knx.ErrConnectionLost, ev.State.To))
			}
		}
		s.mu.Unlock()
	}
}

// endsEpoch reports whether c finishes the connection of epoch. Subscribers
// run on their own goroutines, so the Opening of the current epoch or the
// Closed of an earlier one can arrive after a read was registered.
func endsEpoch(c connection.StateChange, epoch uint64) bool {
	switch {
	case c.Epoch > epoch:
		return true
	case c.Epoch < epoch:
		return false
	}
	return c.To == connection.StateClosing || c.To == connection.StateClosed
}

// pace waits BulkInterval between bulk operations.
func (s *Service) pace(ctx context.Context) error {
	if s.cfg.BulkInterval <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.BulkInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return contextError(ctx)
	case <-t.C:
		return nil
	}
}

// abortsBulk reports whether a bulk operation must stop after err.
func abortsBulk(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, knx.ErrConnectionLost) ||
		errors.Is(err, knx.ErrNotConnected) ||
		errors.Is(err, knx.ErrCancelled) ||
		ctx.Err() != nil
}

// callError maps a transport failure to the error taxonomy. A failure
// caused by the caller's context becomes knx.ErrCancelled or knx.ErrTimeout.
func callError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", contextError(ctx), err)
	}
	if errors.Is(err, knx.ErrNotConnected) || errors.Is(err, knx.ErrConnectionLost) {
		return err
	}
	return fmt.Errorf("%w: %w", knx.ErrTransport, err)
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return knx.ErrTimeout
	}
	return knx.ErrCancelled
}

func (s *Service) logDebug(msg string, keysAndValues ...any) {
	s.mu.Lock()
	logger := s.logger
	s.mu.Unlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
