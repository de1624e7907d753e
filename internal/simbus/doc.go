// Package simbus is an in-memory KNX line for development and tests.
//
// It registers under the "sim" URL scheme. Writes are stored in a shared
// value table and echoed back as Write events; read requests are answered
// from the table with a ReadResponse, optionally after a delay:
//
//	sim := simbus.NewTransport(simbus.Config{})
//	reg.Register(simbus.Scheme, sim)
//	mgr.Connect(ctx, "sim://?latency=20ms")
//
// Tests drive the line through the Transport: Inject simulates a device
// sending a telegram, Mute silences an address, Drop simulates a lost
// connection and the counters report what was sent.
package simbus
