// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It supports configuration for the MCP
// server, the execution engine (concurrency and default resource limits),
// the sandbox manager, and the policy engine.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
