// Package config handles loading and validating the Tuya bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Cloud tokens, device local keys and the JWT secret should be set via
//     environment variables or a file with restricted permissions (0600)
//   - Types carrying secrets print them as [REDACTED]
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.ID)
package config
