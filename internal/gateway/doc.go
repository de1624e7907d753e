// Package gateway exposes group communication over MQTT.
//
// Topics, under the configured prefix:
//
//	{prefix}/command/knx/{ga}     group write        → {prefix}/ack/knx/{ga}
//	{prefix}/request/knx/{id}     read, read_many,   → {prefix}/response/knx/{id}
//	                              write_many
//	{prefix}/event/knx/{ga}       every bus event
//	{prefix}/state/knx/{ga}       last value, retained
//	{prefix}/health/knx           status, retained, also the LWT
//
// Group addresses in topics are URL-encoded ("1%2F2%2F3") so that the
// slashes do not split topic levels. Payloads name addresses in their
// canonical "1/2/3" form.
package gateway
