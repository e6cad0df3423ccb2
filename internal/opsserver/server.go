// Package opsserver exposes operator tooling over MCP. Dashboards and
// operator CLIs connect over SSE or Streamable HTTP and get read access to
// the roster, states, contexts and archive, plus one write path: injecting
// a message as "operator".
package opsserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
	"github.com/claude-orc/orc/internal/supervisor"
)

const (
	serverName    = "orc-ops"
	serverVersion = "0.1.0"
)

// Roster provides the live agent roster in pane order.
type Roster interface {
	Agents() []supervisor.Agent
}

// Messenger injects operator messages into the normal delivery path.
type Messenger interface {
	SendMessageToAgent(ctx context.Context, to, from, body string, priority mailbox.Priority) error
}

// ContextStore lists saved team contexts.
type ContextStore interface {
	List() ([]*contextreg.TeamContext, error)
}

// MessageLog queries recently archived message traffic.
type MessageLog interface {
	RecentMessages(ctx context.Context, limit int) ([]archive.Message, error)
}

// Deps are the collaborators the ops tools read from and write to.
// Archive may be nil when the archive is disabled.
type Deps struct {
	Roster   Roster
	States   *statemon.Monitor
	Mailbox  *mailbox.Mailbox
	Delivery Messenger
	Contexts ContextStore
	Archive  MessageLog
}

// Server hosts the ops MCP server on its own port, with both transports:
// SSE (/sse, /message) for Claude Desktop style clients and Streamable
// HTTP (/mcp) for the rest.
type Server struct {
	cfg                  config.OpsConfig
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	port                 int
	logger               *logger.Logger
}

// New creates the ops server. Start must be called before clients connect.
func New(cfg config.OpsConfig, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		port:   cfg.Port,
		logger: log.WithComponent("opsserver"),
	}
}

// Port returns the bound port. Before Start it is the configured one.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the port and serves in the background, returning once the
// server goroutine is up. Binding first keeps port conflicts synchronous.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("opsserver: already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	// Operator tooling stays on loopback, like the broker.
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("opsserver: listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.mu.Lock()
		s.port = tcpAddr.Port
		s.mu.Unlock()
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("ops server listening",
			zap.Int("port", s.Port()),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the HTTP server, then the transport sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("opsserver: shutdown: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("SSE server shutdown failed", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("streamable HTTP server shutdown failed", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the URL SSE clients connect to.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.Port())
}

// StreamableHTTPEndpoint returns the URL Streamable HTTP clients connect to.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.Port())
}
