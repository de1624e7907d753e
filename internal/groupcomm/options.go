package groupcomm

import (
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Option adjusts a single Write or Read call.
type Option func(*callOptions)

type callOptions struct {
	priority knx.Priority
	timeout  time.Duration
}

// WithPriority sets the telegram priority. Invalid priorities are ignored.
func WithPriority(p knx.Priority) Option {
	return func(o *callOptions) {
		if p.IsValid() {
			o.priority = p
		}
	}
}

// WithTimeout bounds how long ReadOne waits for an answer. Non-positive
// durations are ignored. Writes are bounded by their context only.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func (s *Service) options(opts []Option) callOptions {
	o := callOptions{
		priority: s.priority,
		timeout:  s.cfg.ReadTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
