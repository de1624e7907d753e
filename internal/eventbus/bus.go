package eventbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultQueueSize is the backlog above which a slow subscriber is reported.
const DefaultQueueSize = 256

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("eventbus: closed")

// Logger is the logging interface used by this package.
// Compatible with *slog.Logger and *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds event bus settings.
type Config struct {
	// QueueSize is the per-subscriber backlog that triggers a warning.
	// Queues are not bounded by it; events are never dropped.
	// Default: 256.
	QueueSize int
}

// Bus is an ordered in-process publish/subscribe channel for events of type E.
//
// Each subscriber has its own queue and delivery goroutine, so a slow
// handler only delays itself. Every subscriber sees events in the order
// they were published.
//
// Thread Safety: All methods are safe for concurrent use. Handlers may call
// back into the bus, including Unsubscribe on their own subscription.
type Bus[E any] struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	subs   map[string]*subscriber[E]
	closed bool
}

// SubscriberStats describes one subscription.
type SubscriberStats struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Delivered uint64 `json:"delivered"`
	Panics    uint64 `json:"panics"`
}

// New creates an event bus.
func New[E any](cfg Config) *Bus[E] {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Bus[E]{
		cfg:  cfg,
		subs: make(map[string]*subscriber[E]),
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus[E]) SetLogger(logger Logger) {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers fn to receive every event published from now on.
// The name only appears in logs and stats.
func (b *Bus[E]) Subscribe(name string, fn func(E)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("eventbus: nil handler for %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &subscriber[E]{
		id:        uuid.NewString(),
		name:      name,
		fn:        fn,
		highWater: b.cfg.QueueSize,
		logger:    b.logger,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.subs[s.id] = s
	go s.run()

	return &Subscription{
		ID:   s.id,
		Name: name,
		unsubscribe: func() {
			b.remove(s.id)
		},
	}, nil
}

// Publish queues e for every current subscriber. It never blocks on a
// handler. Events published after Close are discarded.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close stops accepting events and waits until every subscriber has
// handled what was already queued.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[E], 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	for _, s := range subs {
		<-s.done
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus[E]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats returns per-subscriber statistics sorted by name.
func (b *Bus[E]) Stats() []SubscriberStats {
	b.mu.Lock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.stats())
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// remove drops a subscription and discards its queued events.
func (b *Bus[E]) remove(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		s.stop(true)
	}
}

// Subscription is a handle to a registered handler.
type Subscription struct {
	ID   string
	Name string

	once        sync.Once
	unsubscribe func()
}

// Unsubscribe stops delivery to the handler. Events still queued for it
// are discarded. It does not wait for an in-flight handler call to return.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.unsubscribe)
}

// subscriber owns one handler, its unbounded FIFO and delivery goroutine.
type subscriber[E any] struct {
	id        string
	name      string
	fn        func(E)
	highWater int
	logger    Logger

	mu      sync.Mutex
	queue   []E
	stopped bool
	discard bool
	warned  bool

	wake chan struct{}
	done chan struct{}

	delivered atomic.Uint64
	panics    atomic.Uint64
}

func (s *subscriber[E]) push(e E) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	backlog := len(s.queue)
	warn := backlog > s.highWater && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()

	if warn && s.logger != nil {
		s.logger.Warn("event subscriber falling behind", "subscriber", s.name, "pending", backlog)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[E]) stop(discard bool) {
	s.mu.Lock()
	s.stopped = true
	if discard {
		s.discard = true
		s.queue = nil
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[E]) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.warned = false
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			if s.discarding() {
				break
			}
			s.deliver(e)
		}
	}
}

func (s *subscriber[E]) discarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discard
}

func (s *subscriber[E]) deliver(e E) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			if s.logger != nil {
				s.logger.Error("event handler panic", "subscriber", s.name, "panic", fmt.Sprint(r))
			}
		}
	}()
	s.fn(e)
	s.delivered.Add(1)
}

func (s *subscriber[E]) stats() SubscriberStats {
	s.mu.Lock()
	pending := len(s.queue)
	s.mu.Unlock()

	return SubscriberStats{
		ID:        s.id,
		Name:      s.name,
		Pending:   pending,
		Delivered: s.delivered.Load(),
		Panics:    s.panics.Load(),
	}
}
