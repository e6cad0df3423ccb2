package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/tracing"
	"github.com/claude-orc/orc/pkg/jsonrpc"
)

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      serverInfo             `json:"serverInfo"`
}

type toolListResult struct {
	Tools []Tool `json:"tools"`
}

// dispatch routes one JSON-RPC request. Panics inside handlers become
// internal errors carrying the panic text, so a bad tool call can never
// take the broker down.
func (s *Server) dispatch(ctx context.Context, agent string, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	ctx, span := tracing.TraceRPCRequest(ctx, req.Method, agent)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panic",
				zap.Any("panic", r),
				zap.String("method", req.Method),
				zap.String("agent", agent))
			resp = jsonrpc.NewError(req.ID, jsonrpc.InternalError, fmt.Sprintf("%v", r))
		}
		if resp != nil && resp.Error != nil {
			tracing.TraceRPCResponse(span, resp.Error.Code)
		}
		span.End()
	}()

	switch req.Method {
	case "initialize":
		return jsonrpc.NewResult(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		})
	case "ping":
		return jsonrpc.NewResult(req.ID, map[string]interface{}{})
	case "tools/list":
		return jsonrpc.NewResult(req.ID, toolListResult{Tools: ToolCatalog()})
	case "tools/call":
		return s.handleToolCall(ctx, agent, req)
	case "notifications/initialized", "notifications/cancelled":
		// Fire-and-forget client lifecycle notices.
		return jsonrpc.NewResult(req.ID, map[string]interface{}{})
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolCall(ctx context.Context, agent string, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
		}
	}
	if params.Name == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.InvalidParams, "tool name is required")
	}

	ctx, span := tracing.TraceToolCall(ctx, params.Name, agent)
	defer span.End()

	result := s.tools.Call(ctx, agent, params.Name, params.Arguments)
	tracing.TraceToolResult(span, result.IsError, nil)
	return jsonrpc.NewResult(req.ID, result)
}
