package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by knxlink.
const (
	MeasurementGroupValue = "knx_group_value"
	MeasurementConnection = "knx_connection"
)

// GroupValuePoint is one decoded group value. Exactly one of Number, Text or
// Bool is written as the "value" field; Raw is always written as hex.
type GroupValuePoint struct {
	GA     string
	Name   string
	DPT    string
	Unit   string
	Source string
	Kind   string

	Number *float64
	Text   string
	Bool   *bool
	Raw    string

	Time time.Time
}

// NewGroupValuePoint builds the line-protocol point for p.
func NewGroupValuePoint(p GroupValuePoint) *write.Point {
	tags := map[string]string{"ga": p.GA}
	addTag(tags, "name", p.Name)
	addTag(tags, "dpt", p.DPT)
	addTag(tags, "unit", p.Unit)
	addTag(tags, "kind", p.Kind)

	fields := map[string]any{}
	switch {
	case p.Number != nil:
		fields["value"] = *p.Number
	case p.Bool != nil:
		fields["value"] = *p.Bool
	case p.Text != "":
		fields["value"] = p.Text
	}
	if p.Raw != "" {
		fields["raw"] = p.Raw
	}
	if p.Source != "" {
		fields["source"] = p.Source
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementGroupValue, tags, fields, ts)
}

func addTag(tags map[string]string, key, value string) {
	if value != "" {
		tags[key] = value
	}
}

// WriteGroupValue queues one group value point.
func (c *Client) WriteGroupValue(p GroupValuePoint) {
	c.enqueue(NewGroupValuePoint(p))
}

// WriteConnectionState records a connection lifecycle transition.
func (c *Client) WriteConnectionState(scheme, state string, epoch uint64, ts time.Time) {
	c.WritePointWithTime(MeasurementConnection,
		map[string]string{"scheme": scheme, "state": state},
		map[string]any{"epoch": int64(epoch)}, //nolint:gosec // epochs stay far below MaxInt64
		ts,
	)
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	c.enqueue(write.NewPoint(measurement, tags, fields, timestamp))
}
