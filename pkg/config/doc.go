// Package config provides configuration management for h2edge.
//
// Configuration is read from a YAML file, completed with defaults, optionally
// overridden from the environment and validated before use.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("h2edge.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("h2edge.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention H2EDGE_SECTION_FIELD:
//
//   - H2EDGE_FRONTEND_LISTEN_ADDRESS overrides frontend.listen_address
//   - H2EDGE_BACKEND_PROTOCOL overrides backend.protocol
//   - H2EDGE_SECURITY_TLS_ENABLED overrides security.tls.enabled
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Validation
//
// Validate collects every problem as a FieldError and returns them together
// in a ValidationError:
//
//	if err := config.Validate(cfg); err != nil {
//	    var verr config.ValidationError
//	    if errors.As(err, &verr) {
//	        for _, fe := range verr.Errors {
//	            fmt.Println(fe.Field, fe.Message)
//	        }
//	    }
//	}
package config
