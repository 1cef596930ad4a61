// Package config handles loading and validating supervisor configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with STSUP_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Secrets (GUI API key, MQTT password, InfluxDB token, JWT secret) should
//     be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/stsupervisor.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Daemon.BinaryPath())
package config
