package simbus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
)

// Scheme is the connection URL scheme served by this package.
const Scheme = "sim"

// defaultSource is the individual address simulated devices send from.
const defaultSource = "1.1.250"

// defaultEventBuffer is the size of a connection's event channel.
const defaultEventBuffer = 64

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("simbus: connection closed")

// Config holds simulator settings.
type Config struct {
	// Latency delays read responses. Overridden per connection by the
	// "latency" URL parameter (e.g. "sim://?latency=20ms").
	Latency time.Duration

	// Source is the individual address answers and injected events come
	// from. Default: "1.1.250".
	Source string

	// Values seeds the value table.
	Values map[knx.GroupAddress]knx.GroupValue

	// EventBuffer is the event channel capacity. Default: 64.
	EventBuffer int
}

// Transport is a simulated KNX line. Connections opened from it share one
// value table, so values survive a reconnect.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	values    map[knx.GroupAddress]knx.GroupValue
	muted     map[knx.GroupAddress]bool
	reads     map[knx.GroupAddress]int
	writes    map[knx.GroupAddress]int
	lastPrio  map[knx.GroupAddress]knx.Priority
	writeErr  error
	openErr   error
	current   *Conn
	openCount int
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport creates a simulated line.
func NewTransport(cfg Config) *Transport {
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	t := &Transport{
		cfg:      cfg,
		values:   make(map[knx.GroupAddress]knx.GroupValue, len(cfg.Values)),
		muted:    make(map[knx.GroupAddress]bool),
		reads:    make(map[knx.GroupAddress]int),
		writes:   make(map[knx.GroupAddress]int),
		lastPrio: make(map[knx.GroupAddress]knx.Priority),
	}
	for ga, v := range cfg.Values {
		t.values[ga] = v
	}
	return t
}

// Open starts a simulated connection. params is "sim://" with optional
// query parameters: latency (a Go duration).
func (t *Transport) Open(ctx context.Context, params string) (connection.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := url.Parse(params)
	if err != nil {
		return nil, fmt.Errorf("simbus: invalid URL: %w", err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("simbus: unsupported scheme %q", u.Scheme)
	}
	latency := t.cfg.Latency
	if s := u.Query().Get("latency"); s != "" {
		if latency, err = time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("simbus: invalid latency %q: %w", s, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.openCount++
	if t.openErr != nil {
		return nil, t.openErr
	}

	c := &Conn{
		t:       t,
		latency: latency,
		events:  make(chan knx.GroupEvent, t.cfg.EventBuffer),
		work:    make(chan func()),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	t.current = c
	go c.processWork()
	return c, nil
}

// Set stores a value as if a device on the line held it.
func (t *Transport) Set(ga knx.GroupAddress, v knx.GroupValue) {
	t.mu.Lock()
	t.values[ga] = v
	t.mu.Unlock()
}

// Value returns the stored value of ga.
func (t *Transport) Value(ga knx.GroupAddress) (knx.GroupValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[ga]
	return v, ok
}

// Mute stops (or resumes) answering read requests for ga.
func (t *Transport) Mute(ga knx.GroupAddress, muted bool) {
	t.mu.Lock()
	t.muted[ga] = muted
	t.mu.Unlock()
}

// ReadRequests returns how many read requests were sent for ga.
func (t *Transport) ReadRequests(ga knx.GroupAddress) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads[ga]
}

// Writes returns how many writes were sent to ga.
func (t *Transport) Writes(ga knx.GroupAddress) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes[ga]
}

// LastPriority returns the priority of the last telegram sent to ga.
func (t *Transport) LastPriority(ga knx.GroupAddress) (knx.Priority, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.lastPrio[ga]
	return p, ok
}

// Opens returns how many times Open was called.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCount
}

// SetWriteError makes every Write fail with err. nil restores success.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// SetOpenError makes every Open fail with err. nil restores success.
func (t *Transport) SetOpenError(err error) {
	t.mu.Lock()
	t.openErr = err
	t.mu.Unlock()
}

// Inject delivers ev on the current connection as if a device sent it.
// An empty Source is filled in from the config.
func (t *Transport) Inject(ev knx.GroupEvent) error {
	c := t.conn()
	if c == nil {
		return ErrClosed
	}
	if ev.Source == "" {
		ev.Source = t.cfg.Source
	}
	if ev.Kind.CarriesValue() {
		t.Set(ev.Destination, ev.Value)
	}
	return c.do(context.Background(), func() error {
		c.emit(ev)
		return nil
	})
}

// Drop ends the current connection's event stream without a Close call,
// which is how a lost link looks to the connection manager.
func (t *Transport) Drop() {
	if c := t.conn(); c != nil {
		c.shutdown()
	}
}

func (t *Transport) conn() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Conn is one simulated connection. All bus activity is serialised through
// its work goroutine, so events come out in the order they were caused.
type Conn struct {
	t       *Transport
	latency time.Duration

	events chan knx.GroupEvent
	work   chan func()
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	telegramsTx  atomic.Uint64
	telegramsRx  atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

var (
	_ connection.Handle        = (*Conn)(nil)
	_ connection.StatsReporter = (*Conn)(nil)
)

// Write stores the value and echoes it as a Write event.
func (c *Conn) Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, prio knx.Priority) error {
	return c.do(ctx, func() error {
		c.t.mu.Lock()
		if err := c.t.writeErr; err != nil {
			c.t.mu.Unlock()
			c.errorsTotal.Add(1)
			return err
		}
		c.t.values[ga] = value
		c.t.writes[ga]++
		c.t.lastPrio[ga] = prio
		c.t.mu.Unlock()

		c.telegramsTx.Add(1)
		c.emit(knx.GroupEvent{
			Source:      c.t.cfg.Source,
			Destination: ga,
			Value:       value,
			Kind:        knx.EventWrite,
			Timestamp:   time.Now(),
		})
		return nil
	})
}

// RequestRead answers from the value table after the configured latency,
// unless the address is unknown or muted.
func (c *Conn) RequestRead(ctx context.Context, ga knx.GroupAddress, prio knx.Priority) error {
	return c.do(ctx, func() error {
		c.t.mu.Lock()
		c.t.reads[ga]++
		c.t.lastPrio[ga] = prio
		value, known := c.t.values[ga]
		muted := c.t.muted[ga]
		c.t.mu.Unlock()

		c.telegramsTx.Add(1)
		if !known || muted {
			return nil
		}

		answer := knx.GroupEvent{
			Source:      c.t.cfg.Source,
			Destination: ga,
			Value:       value,
			Kind:        knx.EventReadResponse,
		}
		if c.latency <= 0 {
			answer.Timestamp = time.Now()
			c.emit(answer)
			return nil
		}
		time.AfterFunc(c.latency, func() {
			//nolint:errcheck // a closed connection drops the answer
			c.do(context.Background(), func() error {
				answer.Timestamp = time.Now()
				c.emit(answer)
				return nil
			})
		})
		return nil
	})
}

// Events returns the inbound event stream.
func (c *Conn) Events() <-chan knx.GroupEvent {
	return c.events
}

// Close ends the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Stats returns operational counters.
func (c *Conn) Stats() connection.TransportStats {
	return connection.TransportStats{
		TelegramsTx:  c.telegramsTx.Load(),
		TelegramsRx:  c.telegramsRx.Load(),
		ErrorsTotal:  c.errorsTotal.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
	<-c.exited
}

// do runs fn on the work goroutine and waits for its result.
func (c *Conn) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.work <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// emit queues an event for the reader. Only called on the work goroutine.
func (c *Conn) emit(ev knx.GroupEvent) {
	select {
	case c.events <- ev:
		c.telegramsRx.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())
	case <-c.done:
	}
}

func (c *Conn) processWork() {
	defer func() {
		close(c.events)
		close(c.exited)
	}()

	for {
		select {
		case <-c.done:
			return
		case fn := <-c.work:
			fn()
		}
	}
}
