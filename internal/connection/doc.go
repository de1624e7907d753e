// Package connection owns the lifecycle of the single KNX bus connection.
//
// A Transport opens a Handle; the Manager keeps at most one Handle open,
// tracks the Closed/Opening/Connected/Closing state machine and republishes
// state changes and inbound group events on one ordered event bus.
//
//	reg := connection.NewRegistry()
//	reg.Register("tcp", knxd.NewTransport(knxd.Config{}))
//	reg.Register("sim", simbus.NewTransport(simbus.Config{}))
//
//	mgr := connection.NewManager(reg, connection.Config{})
//	if err := mgr.Connect(ctx, "tcp://localhost:6720"); err != nil {
//	    return err
//	}
//
// Each Connect starts a new epoch. Group events are stamped with the epoch
// they arrived in, so consumers can tell results of an old connection from
// the current one.
//
// The Supervisor reconnects with exponential backoff after the link drops.
package connection
