// Package api implements the HTTP REST API and WebSocket server for knxlink.
//
// This package provides:
//   - REST endpoints for the bus connection, group reads and writes, the
//     datapoint catalog, the recorded event log and the operator audit log
//   - WebSocket hub broadcasting group events and connection state changes
//   - Optional JWT bearer authentication
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// # Group addresses in paths
//
// A group address is one path segment, URL-escaped: /api/v1/groups/1%2F2%2F3.
// The three-segment form /api/v1/groups/1/2/3 is accepted as well.
//
// # Errors
//
// Bus errors carry the same codes as MQTT acks (NOT_CONNECTED, TIMEOUT, ...)
// and map onto HTTP statuses: 503 when the bus is down, 504 on a read
// timeout, 409 while the connection is busy, 400 for bad input.
//
// # Graceful Degradation
//
// The server runs without a database; /api/v1/events and /api/v1/audit
// answer 503 and operator actions go unrecorded.
package api
