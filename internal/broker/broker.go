// Package broker serves the JSON-RPC surface that agents call through
// their MCP stdio proxies. Each agent gets its own URL path; the broker
// routes tool calls into the mailbox and delivery engine.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/httpmw"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/common/portutil"
	"github.com/claude-orc/orc/pkg/jsonrpc"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "orc-orchestrator"
	serverVersion   = "0.1.0"

	defaultKeepalive = 15 * time.Second
	shutdownJoin     = 2 * time.Second
)

// Server is the per-agent JSON-RPC broker. It binds to loopback only;
// the OAuth surface it exposes is a compatibility stub, not security.
type Server struct {
	cfg       config.BrokerConfig
	tools     *ToolHandler
	sse       *sseHub
	logger    *logger.Logger
	router    *gin.Engine
	keepalive time.Duration

	mu      sync.Mutex
	httpSrv *http.Server
	port    int
}

// NewServer builds the broker around a tool handler. Start must be
// called before agents can connect.
func NewServer(cfg config.BrokerConfig, tools *ToolHandler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		tools:     tools,
		sse:       newSSEHub(),
		logger:    log.WithComponent("broker"),
		keepalive: defaultKeepalive,
	}
	s.router = gin.New()
	s.router.Use(httpmw.Recovery(s.logger))
	s.router.Use(httpmw.RequestLogger(s.logger, "broker"))
	s.router.Use(httpmw.OtelTracing("broker"))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/mcp/:agent", s.handleRPC)
	s.router.GET("/mcp/:agent", s.handleSSE)
	s.router.POST("/mcp/:agent/messages", s.handleMessages)

	s.router.GET("/.well-known/oauth-protected-resource", s.handleProtectedResource)
	s.router.GET("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	s.router.POST("/register", s.handleRegister)
	s.router.GET("/authorize", s.handleAuthorize)
	s.router.POST("/token", s.handleToken)
}

// Router exposes the gin engine so callers can mount extra surfaces
// (the observer gateway) and tests can drive requests directly.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Port returns the bound port, or zero before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start finds a free port near the configured one, binds it, and serves
// in the background. The bound port is readable via Port when it returns.
func (s *Server) Start() error {
	port, err := portutil.FindAvailablePort(s.cfg.Port, s.cfg.PortAttempts)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeoutDuration(),
		// WriteTimeout mirrors the config; zero keeps SSE streams open.
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.port = port
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broker server error", zap.Error(err))
		}
	}()

	s.logger.Info("broker listening",
		zap.String("host", s.cfg.Host),
		zap.Int("port", port))
	return nil
}

// Stop closes all event streams, then shuts the HTTP server down with a
// bounded join, force-closing if open connections outlive it.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.sse.close()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownJoin)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("broker shutdown timed out, forcing close", zap.Error(err))
		return srv.Close()
	}
	s.logger.Info("broker stopped")
	return nil
}

// handleRPC answers a plain JSON-RPC POST. Notifications are executed
// but get no body back, only 202.
func (s *Server) handleRPC(c *gin.Context) {
	agent := c.Param("agent")
	req, perr := readRequest(c)
	if perr != nil {
		c.JSON(http.StatusOK, jsonrpc.NewError(nil, jsonrpc.ParseError, perr.Error()))
		return
	}
	if req.IsNotification() {
		s.dispatch(c.Request.Context(), agent, req)
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, s.dispatch(c.Request.Context(), agent, req))
}

// handleMessages is the SSE companion endpoint: request bodies arrive
// here and responses ride the agent's open event stream. Without an open
// stream the response is returned inline, same as the plain POST path.
func (s *Server) handleMessages(c *gin.Context) {
	agent := c.Param("agent")
	req, perr := readRequest(c)
	if perr != nil {
		c.JSON(http.StatusOK, jsonrpc.NewError(nil, jsonrpc.ParseError, perr.Error()))
		return
	}
	if req.IsNotification() {
		s.dispatch(c.Request.Context(), agent, req)
		c.Status(http.StatusAccepted)
		return
	}

	resp := s.dispatch(c.Request.Context(), agent, req)
	if payload, err := json.Marshal(resp); err == nil && s.sse.push(agent, payload) {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func readRequest(c *gin.Context) (*jsonrpc.Request, error) {
	body, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return &req, nil
}
