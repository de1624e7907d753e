// Package knxd connects to the KNX bus through a knxd daemon.
//
// knxd (KNX daemon) owns the physical interface (USB, IP tunnel, serial).
// This package speaks knxd's client protocol over its Unix or TCP socket
// and opens a group socket (EIB_OPEN_GROUPCON), which sees every group
// telegram on the line and can send to any group address.
//
//	reg := connection.NewRegistry()
//	tr := knxd.NewTransport(knxd.Config{})
//	reg.Register(knxd.SchemeUnix, tr)
//	reg.Register(knxd.SchemeTCP, tr)
//	mgr := connection.NewManager(reg, connection.Config{})
//	err := mgr.Connect(ctx, "tcp://localhost:6720")
//
// # Framing
//
// Every knxd message is size(2) + type(2) + payload, big-endian, where
// size counts the type and payload. A frame that does not fit the read
// buffer means the stream can no longer be parsed; the connection is
// dropped with knx.ErrProtocolDesync and its event channel closed.
//
// A connection never reconnects on its own. Recovery is the job of
// connection.Supervisor.
package knxd
