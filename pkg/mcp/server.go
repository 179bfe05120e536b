package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/exo/pkg/tool"
)

// Server publishes the tools of a tool.Registry over MCP. Calls go through
// Registry.Invoke, so arguments are validated exactly as they are for the agent.
type Server struct {
	mcpServer *server.MCPServer
	registry  *tool.Registry
}

// NewServer creates a server exposing every tool in registry.
func NewServer(name, version string, registry *tool.Registry) (*Server, error) {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		registry:  registry,
	}
	for _, toolName := range registry.Names() {
		spec, err := registry.Spec(toolName)
		if err != nil {
			return nil, err
		}
		def, err := remoteTool(spec)
		if err != nil {
			return nil, err
		}
		s.mcpServer.AddTool(def, s.handler(toolName))
	}
	return s, nil
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin/stdout until the input is closed.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Serve speaks the stdio transport over in and out until ctx is done or in
// is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := s.registry.Invoke(ctx, name, request.GetArguments())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(msg.Content), nil
	}
}

func remoteTool(spec tool.Spec) (mcp.Tool, error) {
	schema, err := json.Marshal(spec.Definition().Function.Parameters)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("encode schema for %s: %w", spec.Name, err)
	}
	t := mcp.NewToolWithRawSchema(spec.Name, spec.Description, schema)
	if spec.Idempotent {
		idempotent := true
		t.Annotations.IdempotentHint = &idempotent
	}
	return t, nil
}
