package telemetry

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/eventbus"
	"github.com/nerrad567/knxlink/internal/infrastructure/influxdb"
)

// Writer is the time-series sink. Satisfied by *influxdb.Client.
type Writer interface {
	WriteGroupValue(p influxdb.GroupValuePoint)
	WriteConnectionState(scheme, state string, epoch uint64, ts time.Time)
}

var _ Writer = (*influxdb.Client)(nil)

// EventSource delivers group events and connection state changes.
// Satisfied by *groupcomm.Service.
type EventSource interface {
	SubscribeEvents(name string, fn func(knx.GroupEvent)) (*eventbus.Subscription, error)
	SubscribeState(name string, fn func(connection.StateChange)) (*eventbus.Subscription, error)
}

// Stats holds sink counters.
type Stats struct {
	Written      uint64 `json:"written"`
	Skipped      uint64 `json:"skipped"`
	DecodeErrors uint64 `json:"decode_errors"`
	StateChanges uint64 `json:"state_changes"`
}

// Sink forwards bus traffic to a Writer.
//
// Thread Safety: All methods are safe for concurrent use.
type Sink struct {
	writer     Writer
	datapoints *knx.DatapointMap
	scheme     string

	mu   sync.Mutex
	subs []*eventbus.Subscription

	written      atomic.Uint64
	skipped      atomic.Uint64
	decodeErrors atomic.Uint64
	stateChanges atomic.Uint64

	logger   knx.Logger
	loggerMu sync.RWMutex
}

// NewSink creates a sink. scheme tags connection points ("tcp", "sim").
func NewSink(writer Writer, datapoints *knx.DatapointMap, scheme string) *Sink {
	if datapoints == nil {
		datapoints = knx.NewDatapointMap(nil)
	}
	return &Sink{writer: writer, datapoints: datapoints, scheme: scheme}
}

// SetLogger sets the logger for the sink.
func (s *Sink) SetLogger(logger knx.Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Start subscribes to src.
func (s *Sink) Start(src EventSource) error {
	events, err := src.SubscribeEvents("telemetry", s.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribing to group events: %w", err)
	}
	states, err := src.SubscribeState("telemetry", s.HandleState)
	if err != nil {
		events.Unsubscribe()
		return fmt.Errorf("subscribing to state changes: %w", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, events, states)
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes. Points already handed to the writer stay queued there.
func (s *Sink) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// HandleEvent converts one group event into a point.
func (s *Sink) HandleEvent(ev knx.GroupEvent) {
	if !ev.Kind.CarriesValue() {
		s.skipped.Add(1)
		return
	}
	dp, ok := s.datapoints.Lookup(ev.Destination)
	if !ok || !dp.Telemetry {
		s.skipped.Add(1)
		return
	}

	x, err := knx.Decode(ev.Value, dp.Descriptor)
	if err != nil {
		s.decodeErrors.Add(1)
		s.logDebug("telemetry decode failed", "ga", ev.Destination.String(), "dpt", dp.Descriptor.ID, "error", err)
		return
	}

	p := influxdb.GroupValuePoint{
		GA:     ev.Destination.String(),
		Name:   dp.Name,
		DPT:    dp.Descriptor.ID,
		Unit:   dp.Descriptor.Unit,
		Source: ev.Source,
		Kind:   ev.Kind.String(),
		Raw:    hex.EncodeToString(ev.Value.Bytes()),
		Time:   ev.Timestamp,
	}
	if !setField(&p, x, dp.Descriptor) {
		s.skipped.Add(1)
		return
	}

	s.writer.WriteGroupValue(p)
	s.written.Add(1)
}

// setField stores x in the point's value field. Composite values are
// written as their text form.
func setField(p *influxdb.GroupValuePoint, x any, d knx.Descriptor) bool {
	switch v := x.(type) {
	case bool:
		p.Bool = &v
	case float64:
		p.Number = &v
	case int64:
		f := float64(v)
		p.Number = &f
	case string:
		if v == "" {
			return false
		}
		p.Text = v
	default:
		p.Text = knx.Format(x, d)
	}
	return true
}

// HandleState records a connection state change.
func (s *Sink) HandleState(c connection.StateChange) {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	state := c.To.String()
	if c.Lost() {
		state = "lost"
	}
	s.writer.WriteConnectionState(s.scheme, state, c.Epoch, ts)
	s.stateChanges.Add(1)
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Written:      s.written.Load(),
		Skipped:      s.skipped.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		StateChanges: s.stateChanges.Load(),
	}
}

func (s *Sink) logDebug(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
