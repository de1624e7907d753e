// Package logging builds knxlink's structured logger on log/slog.
//
// Every entry carries service=knxlink and the build version; components
// add their own name with Component:
//
//	log := logging.New(cfg.Logging, version)
//	mgr.SetLogger(log.Component("connection"))
//
// The logging section selects the level (debug, info, warn, error), the
// format (json or text) and the output (stdout, stderr or a file path).
//
// Secrets stay out of log lines: the MQTT password, the InfluxDB token and
// the JWT secret are never passed as attributes.
package logging
