package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Default reconnect backoff settings.
const (
	defaultInitialDelay = 5 * time.Second
	defaultMaxDelay     = 2 * time.Minute
	backoffFactor       = 1.5
)

// SupervisorConfig holds reconnect settings.
type SupervisorConfig struct {
	// Params is the connection URL used for reconnect attempts.
	Params string

	// InitialDelay is the wait after the first failed attempt.
	// Default: 5 seconds.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	// Default: 2 minutes.
	MaxDelay time.Duration

	// ConnectOnStart makes Run establish the connection itself, retrying
	// with backoff, instead of waiting for the first loss.
	ConnectOnStart bool
}

// SupervisorStats holds reconnect counters.
type SupervisorStats struct {
	Attempts     uint64 `json:"attempts"`
	Reconnects   uint64 `json:"reconnects"`
	Reconnecting bool   `json:"reconnecting"`
}

// Supervisor re-establishes the connection after it is lost.
//
// It only reacts to losses (knx.ErrConnectionLost). An explicit Disconnect
// is left alone.
type Supervisor struct {
	m      *Manager
	cfg    SupervisorConfig
	logger knx.Logger

	attempts     atomic.Uint64
	reconnects   atomic.Uint64
	reconnecting atomic.Bool
}

// NewSupervisor creates a supervisor for m.
func NewSupervisor(m *Manager, cfg SupervisorConfig) *Supervisor {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Supervisor{m: m, cfg: cfg}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger knx.Logger) {
	s.logger = logger
}

// Stats returns reconnect counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		Attempts:     s.attempts.Load(),
		Reconnects:   s.reconnects.Load(),
		Reconnecting: s.reconnecting.Load(),
	}
}

// Run watches the connection until ctx is cancelled. It always returns nil
// once ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	lost := make(chan struct{}, 1)
	sub, err := s.m.Subscribe("supervisor", func(ev Event) {
		if ev.Type == EventStateChanged && ev.State.Lost() {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if s.cfg.ConnectOnStart {
		s.reconnect(ctx, false)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			s.reconnect(ctx, true)
		}
	}
}

// reconnect retries Connect with exponential backoff until the connection
// is up or ctx is done.
func (s *Supervisor) reconnect(ctx context.Context, afterLoss bool) {
	s.reconnecting.Store(true)
	defer s.reconnecting.Store(false)

	disconnects := s.m.Disconnects()
	backoff := s.cfg.InitialDelay
	for {
		if ctx.Err() != nil {
			return
		}

		attempt := s.attempts.Add(1)
		s.logInfo("attempting connection", "attempt", attempt, "backoff", backoff.String())

		err := s.m.Connect(ctx, s.cfg.Params)
		switch {
		case err == nil:
			if afterLoss {
				s.reconnects.Add(1)
				s.logInfo("reconnection successful", "total_reconnects", s.reconnects.Load())
			}
			return
		case errors.Is(err, knx.ErrAlreadyConnected):
			return
		case errors.Is(err, knx.ErrBusy):
			// someone else is connecting or disconnecting; look again later
		default:
			s.logError("connection attempt failed", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// an explicit Disconnect meanwhile cancels the retry
		if s.m.Disconnects() != disconnects {
			s.logInfo("reconnect abandoned after disconnect")
			return
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > s.cfg.MaxDelay {
			backoff = s.cfg.MaxDelay
		}
	}
}

func (s *Supervisor) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Supervisor) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "error", err)
	}
}
