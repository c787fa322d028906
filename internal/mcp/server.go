// Package mcp exposes the session manager as MCP tools over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"cartpilot/internal/browser"
	"cartpilot/internal/config"
	"cartpilot/internal/coordinator"
	"cartpilot/internal/session"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Tool is the interface every CartPilot tool implements.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// SessionService is the slice of the session manager the tools drive.
type SessionService interface {
	StartSession(ctx context.Context, req coordinator.Request) (*session.Snapshot, error)
	GetSessionStatus(ctx context.Context, id string) (*session.Snapshot, error)
	SubmitApproval(ctx context.Context, id string, a session.Approval) (*session.ApprovalResult, error)
	CancelSession(id string) (bool, error)
	ListSessions() []session.Summary
}

// BrowserControl starts and stops the shared Chrome instance.
type BrowserControl interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsConnected() bool
	ControlURL() string
	List() []browser.PageInfo
}

// Server wires the tools into an mcp-go server.
type Server struct {
	cfg       config.Config
	sessions  SessionService
	browser   BrowserControl
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	logger    *zap.Logger
}

func NewServer(cfg config.Config, sessions SessionService, bc BrowserControl, logger *zap.Logger) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("session service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		browser:   bc,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		logger:    logger,
	}

	tools := []Tool{
		&StartSessionTool{sessions: sessions},
		&GetSessionStatusTool{sessions: sessions},
		&SubmitApprovalTool{sessions: sessions},
		&CancelSessionTool{sessions: sessions},
		&ListSessionsTool{sessions: sessions},
	}
	if bc != nil {
		tools = append(tools,
			&LaunchBrowserTool{browser: bc},
			&ShutdownBrowserTool{browser: bc},
		)
	}
	for _, tool := range tools {
		if err := s.registerTool(tool); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ToolNames lists registered tools, sorted.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start serves MCP over stdio until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE serves MCP over SSE on the given port and shuts down gracefully
// when ctx is cancelled.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("SSE server listening", zap.String("url", baseURL+"/sse"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}
}

func (s *Server) registerTool(tool Tool) error {
	if _, dup := s.tools[tool.Name()]; dup {
		return fmt.Errorf("tool %s registered twice", tool.Name())
	}
	schemaJSON, err := json.Marshal(tool.InputSchema())
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", tool.Name(), err)
	}

	s.tools[tool.Name()] = tool
	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schemaJSON)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
	return nil
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.invoke(ctx, tool, request.GetArguments())
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: fmt.Sprintf("tool %s failed: %v", tool.Name(), err)}},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: marshalToolPayload(result)}},
		}, nil
	}
}

// invoke validates args against the tool schema before executing. Schema
// violations become a failure payload rather than a transport error.
func (s *Server) invoke(ctx context.Context, tool Tool, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArgs(tool.InputSchema(), args); err != nil {
		s.logger.Debug("rejected tool arguments", zap.String("tool", tool.Name()), zap.Error(err))
		return failure(err), nil
	}
	start := time.Now()
	out, err := tool.Execute(ctx, args)
	s.logger.Debug("tool executed",
		zap.String("tool", tool.Name()),
		zap.Duration("took", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	return out, err
}

// ExecuteTool runs a registered tool directly, with the same argument
// validation as an MCP call.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return s.invoke(ctx, tool, args)
}

func marshalToolPayload(payload interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}
