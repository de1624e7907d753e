// Package groupcomm issues KNX group reads and writes over the shared bus
// connection and correlates read responses with the callers waiting on
// them.
//
//	svc, err := groupcomm.New(mgr, groupcomm.Config{ReadTimeout: 5 * time.Second})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	ga := knx.MustParseGroupAddress("1/2/3")
//	if err := svc.Write(ctx, ga, knx.BitValue(true)); err != nil {
//	    return err
//	}
//	v, err := svc.ReadOne(ctx, ga, groupcomm.WithTimeout(2*time.Second))
//
// # Read correlation
//
// There is at most one outstanding read per group address. A second
// ReadOne for the same address while the first is waiting joins it: only
// one read request goes on the bus and both callers get the same value.
// Reads belong to the connection epoch they were issued in; when the
// connection leaves the Connected state every outstanding read fails with
// knx.ErrConnectionLost.
//
// # Bulk operations
//
// ReadMany and WriteMany run sequentially, optionally paced by
// Config.BulkInterval. They stop early only when the connection is gone or
// the caller's context ends, and return what they gathered so far.
package groupcomm
