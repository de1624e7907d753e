// Package process runs knxd as a child of knxlink.
//
// When knx.knxd.managed is set, knxlink launches the knxd binary itself
// instead of expecting a system service. The Daemon waits until knxd's
// group socket accepts connections before Start returns, so the bus
// supervisor never races the daemon's startup. After that it watches the
// child: an unexpected exit or repeated failed health checks restart it
// with exponential backoff, up to a configured limit.
//
// Example usage:
//
//	d := process.New(process.Config{
//	    Name:   "knxd",
//	    Binary: "/usr/bin/knxd",
//	    Args:   []string{"-e", "0.0.1", "-E", "0.0.2:8", "-u", "/run/knxd", "usb:"},
//	    Ready:  func(ctx context.Context) error { return knxd.Probe(ctx, "unix:///run/knxd") },
//	    RestartOnFailure: true,
//	})
//	if err := d.Start(ctx); err != nil {
//	    return err
//	}
//	defer d.Stop()
package process
