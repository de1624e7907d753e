package connection

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Transport opens bus connections. params is a connection URL such as
// "tcp://localhost:6720", "unix:///run/knxd" or "sim://".
type Transport interface {
	Open(ctx context.Context, params string) (Handle, error)
}

// Handle is one open bus connection.
//
// Implementations must be safe for concurrent Write and RequestRead calls.
// The Events channel delivers inbound group events in bus order and is
// closed when the link ends. A close that was not requested through Close
// is how a transport reports a lost connection.
type Handle interface {
	// Write sends a group write. A nil error is the transport's positive
	// acknowledgement.
	Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, prio knx.Priority) error

	// RequestRead sends a group read request. The answer, if any, arrives
	// as a ReadResponse event.
	RequestRead(ctx context.Context, ga knx.GroupAddress, prio knx.Priority) error

	// Events returns the inbound event stream.
	Events() <-chan knx.GroupEvent

	// Close releases the connection. The Events channel is closed once
	// Close returns. Safe to call more than once.
	Close() error
}

// TransportStats holds operational counters reported by a handle.
type TransportStats struct {
	TelegramsTx  uint64    `json:"telegrams_tx"`
	TelegramsRx  uint64    `json:"telegrams_rx"`
	ErrorsTotal  uint64    `json:"errors_total"`
	LastActivity time.Time `json:"last_activity"`
}

// StatsReporter is implemented by handles that keep statistics.
type StatsReporter interface {
	Stats() TransportStats
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, params string) (Handle, error)

// Open calls f(ctx, params).
func (f TransportFunc) Open(ctx context.Context, params string) (Handle, error) {
	return f(ctx, params)
}

// Registry selects a transport by the scheme of the connection URL.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byScheme map[string]Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byScheme: make(map[string]Transport)}
}

// Register binds a URL scheme to a transport, replacing any previous one.
func (r *Registry) Register(scheme string, t Transport) {
	r.mu.Lock()
	r.byScheme[strings.ToLower(scheme)] = t
	r.mu.Unlock()
}

// Schemes returns the registered URL schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byScheme))
	for s := range r.byScheme {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Open dispatches to the transport registered for the scheme of params.
func (r *Registry) Open(ctx context.Context, params string) (Handle, error) {
	scheme, err := Scheme(params)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	t, ok := r.byScheme[scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported connection scheme %q (registered: %s)", scheme, strings.Join(r.Schemes(), ", "))
	}
	return t.Open(ctx, params)
}

// Scheme returns the lowercase URL scheme of a connection string.
func Scheme(params string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(params))
	if err != nil {
		return "", fmt.Errorf("invalid connection URL: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("invalid connection URL %q: missing scheme", params)
	}
	return strings.ToLower(u.Scheme), nil
}
