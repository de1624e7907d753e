// Package influxdb writes knxlink telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library: connection
// management, batched non-blocking writes and health checks. Two
// measurements are written:
//
//	knx_group_value  tags ga,name,dpt,unit,kind  fields value,raw,source
//	knx_connection   tags scheme,state           fields epoch
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteGroupValue(influxdb.GroupValuePoint{GA: "1/2/3", Number: &v})
//
// Write errors surface asynchronously through SetOnError.
package influxdb
