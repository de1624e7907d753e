package knxd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
)

// Default timeouts for knxd communication.
const (
	// defaultConnectTimeout bounds dial plus handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultHandshakeTimeout bounds the wait for the EIB_OPEN_GROUPCON reply.
	defaultHandshakeTimeout = 5 * time.Second

	// defaultWriteTimeout is the timeout for a single telegram write.
	defaultWriteTimeout = 5 * time.Second

	// defaultEventBuffer is the capacity of a connection's event channel.
	defaultEventBuffer = 64

	// defaultTCPAddress is used for "tcp://" without a host.
	defaultTCPAddress = "localhost:6720"

	// readBufferSize bounds one knxd message. Larger frames desync the stream.
	readBufferSize = 256
)

// Schemes served by this package.
const (
	SchemeUnix = "unix"
	SchemeTCP  = "tcp"
)

// Config holds knxd connection settings.
type Config struct {
	// ConnectTimeout bounds dial plus handshake when the caller's context
	// has no earlier deadline. Default: 10 seconds.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the wait for knxd to confirm the group
	// socket. Default: 5 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds a single telegram write. Default: 5 seconds.
	WriteTimeout time.Duration

	// EventBuffer is the event channel capacity. Default: 64.
	EventBuffer int
}

// Transport opens group-socket connections to a knxd daemon.
//
// Supported connection URLs:
//   - "unix:///run/knxd" (Unix socket)
//   - "tcp://localhost:6720" (TCP)
type Transport struct {
	cfg    Config
	logger knx.Logger
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport creates a knxd transport.
func NewTransport(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Transport{cfg: cfg}
}

// SetLogger sets the logger handed to every connection opened afterwards.
func (t *Transport) SetLogger(logger knx.Logger) {
	t.logger = logger
}

// Open dials knxd, opens a group socket and starts the receive loop.
//
// There is no internal reconnect: when the link fails the event channel is
// closed and the caller decides what to do.
func (t *Transport) Open(ctx context.Context, params string) (connection.Handle, error) {
	network, address, err := parseConnectionURL(params)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", network, address, err)
	}

	c := &Conn{
		cfg:    t.cfg,
		conn:   conn,
		logger: t.logger,
		events: make(chan knx.GroupEvent, t.cfg.EventBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())

	if err := c.openGroupCon(dialCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s://%s: %w", network, address, err)
	}

	go c.receiveLoop()

	c.logInfo("knxd group socket open", "network", network, "address", address)
	return c, nil
}

// Probe reports whether knxd accepts connections at connURL. It dials and
// hangs up without opening a group socket.
func Probe(ctx context.Context, connURL string) error {
	network, address, err := parseConnectionURL(connURL)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("%w: dial %s://%s: %v", knx.ErrTransport, network, address, err)
	}
	return conn.Close()
}

// parseConnectionURL parses a knxd connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case SchemeUnix:
		if u.Path == "" {
			return "", "", fmt.Errorf("unix URL %q has no socket path", connURL)
		}
		return "unix", u.Path, nil
	case SchemeTCP:
		host := u.Host
		if host == "" {
			host = defaultTCPAddress
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// Conn is one knxd group-socket connection.
//
// Thread Safety:
//   - Write and RequestRead are safe for concurrent use; frames are
//     written whole under a mutex.
//   - Events are produced by a single receive goroutine in socket order.
type Conn struct {
	cfg    Config
	conn   net.Conn
	logger knx.Logger

	writeMu sync.Mutex

	events    chan knx.GroupEvent
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	telegramsTx  atomic.Uint64
	telegramsRx  atomic.Uint64
	errorsTotal  atomic.Uint64
	lastActivity atomic.Int64
}

var (
	_ connection.Handle        = (*Conn)(nil)
	_ connection.StatsReporter = (*Conn)(nil)
)

// openGroupCon sends EIB_OPEN_GROUPCON and waits for knxd to confirm it.
//
// The payload is reserved(1) + write_only(1) + reserved(1); write_only=0
// opens a bidirectional socket that sees every group address.
func (c *Conn) openGroupCon(ctx context.Context) error {
	msg := knx.EncodeKNXDMessage(knx.EIBOpenGroupCon, []byte{0x00, 0x00, 0x00})

	if err := c.conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := c.conn.SetReadDeadline(deadline(ctx, c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, readBufferSize)
	msgType, _, err := readMessage(c.conn, buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return fmt.Errorf("read response: %w", err)
	}
	if msgType != knx.EIBOpenGroupCon {
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}

	return c.conn.SetReadDeadline(time.Time{})
}

// receiveLoop reads knxd messages until the socket fails or Close is called.
// It is the only sender on the events channel and closes it on exit.
func (c *Conn) receiveLoop() {
	defer func() {
		close(c.events)
		close(c.exited)
	}()

	buf := make([]byte, readBufferSize)
	for {
		msgType, payload, err := readMessage(c.conn, buf)
		if err != nil {
			if !c.isClosed() {
				c.errorsTotal.Add(1)
				c.logError("knxd connection lost", err)
				c.conn.Close()
			}
			return
		}

		if msgType != knx.EIBGroupPacket {
			continue
		}

		telegram, err := knx.ParseTelegram(payload)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("parse telegram failed", err)
			continue
		}
		ev, err := telegram.Event()
		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("unsupported telegram", err)
			continue
		}

		c.telegramsRx.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// readMessage reads one complete knxd message into buf.
//
// An oversized or undersized frame returns knx.ErrProtocolDesync: the
// stream position can no longer be trusted and the socket must be dropped.
func readMessage(r io.Reader, buf []byte) (uint16, []byte, error) {
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	// size field = type(2) + payload, not counting itself
	msgSize := binary.BigEndian.Uint16(buf[:2])
	if msgSize < 2 {
		return 0, nil, fmt.Errorf("%w: message size %d", knx.ErrProtocolDesync, msgSize)
	}
	totalLen := 2 + int(msgSize)
	if totalLen > len(buf) {
		return 0, nil, fmt.Errorf("%w: message size %d exceeds %d", knx.ErrProtocolDesync, totalLen, len(buf))
	}

	if _, err := io.ReadFull(r, buf[2:totalLen]); err != nil {
		return 0, nil, fmt.Errorf("read message: %w", err)
	}

	return knx.ParseKNXDMessage(buf[:totalLen])
}

// Write sends a group write. knxd's group socket carries no priority, so
// prio is accepted for the interface and not transmitted.
func (c *Conn) Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, _ knx.Priority) error {
	return c.send(ctx, knx.NewWriteTelegram(ga, value))
}

// RequestRead sends a group read request. Answers arrive as events.
func (c *Conn) RequestRead(ctx context.Context, ga knx.GroupAddress, _ knx.Priority) error {
	return c.send(ctx, knx.NewReadTelegram(ga))
}

func (c *Conn) send(ctx context.Context, t knx.Telegram) error {
	if c.isClosed() || c.isExited() {
		return knx.ErrConnectionLost
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := knx.EncodeKNXDMessage(knx.EIBGroupPacket, t.Encode())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %w", knx.ErrConnectionLost, err)
		}
		return fmt.Errorf("write: %w", err)
	}

	c.telegramsTx.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Events returns the inbound event stream. It is closed when the
// connection ends, whether through Close or a socket failure.
func (c *Conn) Events() <-chan knx.GroupEvent {
	return c.events
}

// Close sends EIB_CLOSE, closes the socket and waits for the receive loop.
// Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if !c.isExited() {
			c.writeMu.Lock()
			//nolint:errcheck // best-effort goodbye
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			//nolint:errcheck // best-effort goodbye
			c.conn.Write(knx.EncodeKNXDMessage(knx.EIBClose, nil))
			c.writeMu.Unlock()
		}

		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-c.exited
		c.logInfo("knxd connection closed")
	})
	return err
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

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) isExited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// deadline returns now+d, or the context deadline when that is sooner.
func deadline(ctx context.Context, d time.Duration) time.Time {
	dl := time.Now().Add(d)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

func (c *Conn) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Conn) logError(msg string, err error) {
	if c.logger != nil {
		c.logger.Error(msg, "error", err)
	}
}
