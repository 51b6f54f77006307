// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant front-end over the job
// execution engine. It uses the mark3labs/mcp-go library to handle the
// protocol details and exposes tools for submitting jobs, querying active
// jobs and history, and reading the security audit trail.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
