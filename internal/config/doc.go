// Package config provides configuration types and loading for the
// gateway.
//
// Configuration is read once at startup from a YAML document. Every
// field the document omits keeps its DefaultConfig value, so an empty
// file (or no file at all) yields a runnable gateway in front of
// http://localhost:8001-8003.
//
// # Features
//
//   - YAML configuration file loading with unknown-key rejection
//   - Environment variable substitution with ${VAR:-default} syntax
//   - Human-readable durations ("10s", "1m")
//   - Validation with path-qualified error reporting
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
package config
