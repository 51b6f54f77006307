// Package main is the entry point for the Bruno execution engine.
//
// Bruno is a secure job execution service exposed over the Model Context
// Protocol (MCP). Submitted jobs (shell commands, scripts, file operations,
// API and database requests) are screened by a policy engine, granted only
// the capabilities they declare, and executed inside isolated sandboxes
// with resource limits. The server supports both stdio and HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/bruno/config"
	"github.com/isdmx/bruno/executor"
	"github.com/isdmx/bruno/logger"
	"github.com/isdmx/bruno/mcpserver"
	"github.com/isdmx/bruno/policy"
	"github.com/isdmx/bruno/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Policy engine with the built-in blocklist plus configured rules
			policy.NewFromConfig,

			// Sandbox manager based on config
			sandbox.NewManagerFromConfig,

			// Execution engine
			executor.New,

			// MCP Server
			mcpserver.New,
		),

		// Shut the engine down when the app stops, tearing down any
		// sandboxes that are still alive.
		fx.Invoke(
			func(lc fx.Lifecycle, engine *executor.Engine) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						engine.Shutdown(ctx)
						return nil
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application. Run blocks until SIGINT or SIGTERM and then
	// executes the registered OnStop hooks.
	app.Run()
}
