// Package telemetry writes decoded group values to InfluxDB.
//
// A Sink subscribes to the group communication service. Every Write or
// ReadResponse event for an address bound in the datapoint map with
// telemetry enabled becomes one knx_group_value point; every connection
// state change becomes one knx_connection point. Unbound addresses and
// read requests are skipped.
package telemetry
