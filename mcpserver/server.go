package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/bruno/config"
	"github.com/isdmx/bruno/executor"
	"github.com/isdmx/bruno/job"
)

// MCPServer represents the MCP front-end over the execution engine
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    *executor.Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, engine *executor.Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: engine,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.Int("engine.max_concurrent_jobs", s.config.Engine.MaxConcurrentJobs),
		zap.Int("engine.default_timeout_ms", s.config.Engine.DefaultTimeoutMS),
		zap.Int("engine.memory_mb", s.config.Engine.MemoryMB),
		zap.Bool("engine.network_enabled", s.config.Engine.NetworkEnabled),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image", s.config.Sandbox.Image),
	)

	s.mcpServer = server.NewMCPServer("bruno-executor", "A secure sandboxed job execution engine")

	s.registerExecuteJobTool()
	s.registerManagementTools()

	return s, nil
}

// registerExecuteJobTool registers the execute_job tool
func (s *MCPServer) registerExecuteJobTool() {
	tool := mcp.Tool{
		Name:        "execute_job",
		Description: "Validate a job against security policy and execute it in an isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Unique job id (generated when omitted)",
				},
				"type": map[string]any{
					"type":        "string",
					"description": "Job type",
					"enum":        []string{"shell", "script", "file", "api", "database"},
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command (shell jobs)",
				},
				"script": map[string]any{
					"type":        "string",
					"description": "Script source (script jobs)",
				},
				"interpreter": map[string]any{
					"type":        "string",
					"description": "Script interpreter, defaults to sh (script jobs)",
				},
				"operation": map[string]any{
					"type":        "string",
					"description": "File or database operation: read, write, exists (file) / read, write (database)",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the sandbox working directory (file jobs)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "File content for write operations (file jobs)",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "HTTP method (api jobs)",
				},
				"url": map[string]any{
					"type":        "string",
					"description": "Request URL (api jobs)",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Query text (database jobs)",
				},
				"permissions": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Declared capabilities, e.g. execute, filesystem:read, network",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Named workspace shared by jobs using the same name (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Job timeout in milliseconds (engine default when omitted)",
				},
			},
			Required: []string{"type"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteJob)
}

// handleExecuteJob handles the execute_job tool
func (s *MCPServer) handleExecuteJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobType, err := request.RequireString("type")
	if err != nil {
		return nil, fmt.Errorf("type parameter is required: %w", err)
	}

	spec, err := specFromRequest(jobType, request)
	if err != nil {
		return nil, err
	}

	id := request.GetString("id", "")
	if id == "" {
		id = uuid.NewString()
	}

	j := job.Job{
		ID:          id,
		Spec:        spec,
		Permissions: job.ParseCapabilities(request.GetStringSlice("permissions", nil)),
		WorkDir:     request.GetString("working_dir", ""),
		Timeout:     time.Duration(request.GetInt("timeout_ms", 0)) * time.Millisecond,
	}

	s.logger.Info("job submitted",
		zap.String("job_id", j.ID),
		zap.String("type", jobType))

	result := s.engine.Execute(ctx, j)

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
		IsError: result.Status != job.StatusSuccess,
	}, nil
}

// specFromRequest builds the typed spec for the requested job type
func specFromRequest(jobType string, request mcp.CallToolRequest) (job.Spec, error) {
	switch jobType {
	case "shell":
		command, err := request.RequireString("command")
		if err != nil {
			return nil, fmt.Errorf("command parameter is required for shell jobs: %w", err)
		}
		return job.ShellSpec{Command: command}, nil
	case "script":
		source, err := request.RequireString("script")
		if err != nil {
			return nil, fmt.Errorf("script parameter is required for script jobs: %w", err)
		}
		return job.ScriptSpec{
			Interpreter: request.GetString("interpreter", ""),
			Source:      source,
		}, nil
	case "file":
		path, err := request.RequireString("path")
		if err != nil {
			return nil, fmt.Errorf("path parameter is required for file jobs: %w", err)
		}
		return job.FileSpec{
			Op:      job.FileOp(request.GetString("operation", string(job.FileRead))),
			Path:    path,
			Content: []byte(request.GetString("content", "")),
		}, nil
	case "api":
		url, err := request.RequireString("url")
		if err != nil {
			return nil, fmt.Errorf("url parameter is required for api jobs: %w", err)
		}
		return job.APISpec{
			Method: request.GetString("method", "GET"),
			URL:    url,
		}, nil
	case "database":
		return job.DatabaseSpec{
			Op:    job.DatabaseOp(request.GetString("operation", string(job.DatabaseRead))),
			Query: request.GetString("query", ""),
		}, nil
	default:
		return nil, fmt.Errorf("invalid type: %s, must be one of: shell, script, file, api, database", jobType)
	}
}

// registerManagementTools registers the engine's management surface
func (s *MCPServer) registerManagementTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_active_jobs",
		Description: "List the ids of jobs currently executing",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetActiveJobs)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_job_history",
		Description: "Fetch the stored result for one job id, or the full history",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"job_id": map[string]any{
					"type":        "string",
					"description": "Job id to look up (full history when omitted)",
				},
			},
		},
	}, s.handleGetJobHistory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "clear_job_history",
		Description: "Empty the stored job history",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleClearJobHistory)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_security_events",
		Description: "Read the most recent security events, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"limit": map[string]any{
					"type":        "number",
					"description": "Maximum number of events to return (all when omitted)",
				},
			},
		},
	}, s.handleGetSecurityEvents)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "set_max_concurrent_jobs",
		Description: "Change the engine's concurrency cap at runtime",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"max": map[string]any{
					"type":        "number",
					"description": "New maximum number of concurrent jobs",
				},
			},
			Required: []string{"max"},
		},
	}, s.handleSetMaxConcurrentJobs)
}

func (s *MCPServer) handleGetActiveJobs(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"active_jobs": s.engine.ActiveJobs()})
}

func (s *MCPServer) handleGetJobHistory(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return jsonResult(map[string]any{"history": s.engine.History()})
	}

	result, ok := s.engine.JobHistory(jobID)
	if !ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: fmt.Sprintf("no result for job %s", jobID)},
			},
			IsError: true,
		}, nil
	}
	return jsonResult(result)
}

func (s *MCPServer) handleClearJobHistory(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.engine.ClearHistory()
	return jsonResult(map[string]any{"cleared": true})
}

func (s *MCPServer) handleGetSecurityEvents(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 0)
	return jsonResult(map[string]any{"events": s.engine.SecurityEvents(limit)})
}

func (s *MCPServer) handleSetMaxConcurrentJobs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	max, err := request.RequireInt("max")
	if err != nil {
		return nil, fmt.Errorf("max parameter is required: %w", err)
	}
	if err := s.engine.SetMaxConcurrentJobs(max); err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: err.Error()},
			},
			IsError: true,
		}, nil
	}
	return jsonResult(map[string]any{"max_concurrent_jobs": max})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
