// Package config handles loading and validating knxlink configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with KNXLINK_* environment variables
//   - Validation of the bus URL, datapoint map and outer surfaces
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - An empty api.auth.jwt_secret leaves the HTTP API unauthenticated
//
// Usage:
//
//	cfg, err := config.Load("configs/knxlink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.KNX.Connection)
package config
