package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/delivery"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
	"github.com/claude-orc/orc/internal/mailbox"
)

const defaultCheckLimit = 10

// Messenger routes traffic between agents: point-to-point sends that
// queue and notify, and mailbox-only broadcast fan-out.
type Messenger interface {
	SendMessageToAgent(ctx context.Context, to, from, body string, priority mailbox.Priority) error
	BroadcastFromAgent(ctx context.Context, from, body string) int
}

// AgentDirectory lists the agents the broker may route between.
type AgentDirectory interface {
	RegisteredAgents() []string
}

// Tool describes one entry of the fixed tool catalog.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	InputSchema ToolSchema `json:"inputSchema"`
}

// ToolSchema is the JSON schema advertised for a tool's arguments.
type ToolSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single tool argument.
type SchemaProperty struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolResult is the content-bearing result of a tools/call dispatch.
// Argument and routing problems surface here as IsError results rather
// than protocol errors, so the calling agent sees them as tool output.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is a single content block inside a ToolResult.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps plain text in a successful ToolResult.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error string in a ToolResult flagged as failed.
func ErrorResult(text string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: text}}, IsError: true}
}

// ToolCatalog returns the fixed set of tools every agent sees.
func ToolCatalog() []Tool {
	return []Tool{
		{
			Name:        "send_message",
			Description: "Send a message to another agent's mailbox. The recipient is notified in their terminal.",
			InputSchema: ToolSchema{
				Type: "object",
				Properties: map[string]SchemaProperty{
					"to":      {Type: "string", Description: "Name of the recipient agent"},
					"message": {Type: "string", Description: "Message body to deliver"},
				},
				Required: []string{"to", "message"},
			},
		},
		{
			Name:        "check_messages",
			Description: "Read and remove pending messages from your mailbox.",
			InputSchema: ToolSchema{
				Type: "object",
				Properties: map[string]SchemaProperty{
					"limit": {Type: "integer", Description: "Maximum number of messages to return", Default: defaultCheckLimit},
				},
			},
		},
		{
			Name:        "list_agents",
			Description: "List the names of all registered agents.",
			InputSchema: ToolSchema{
				Type:       "object",
				Properties: map[string]SchemaProperty{},
			},
		},
		{
			Name:        "broadcast_message",
			Description: "Send a message to every other agent's mailbox.",
			InputSchema: ToolSchema{
				Type: "object",
				Properties: map[string]SchemaProperty{
					"message": {Type: "string", Description: "Message body to broadcast"},
				},
				Required: []string{"message"},
			},
		},
	}
}

// ToolHandler executes tool calls on behalf of the agent named in the
// request path.
type ToolHandler struct {
	engine   Messenger
	box      *mailbox.Mailbox
	agents   AgentDirectory
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewToolHandler wires the tool dispatch to its collaborators. The event
// bus may be nil.
func NewToolHandler(engine Messenger, box *mailbox.Mailbox, agents AgentDirectory, eventBus bus.EventBus, log *logger.Logger) *ToolHandler {
	if log == nil {
		log = logger.Default()
	}
	return &ToolHandler{
		engine:   engine,
		box:      box,
		agents:   agents,
		eventBus: eventBus,
		logger:   log.WithComponent("broker.tools"),
	}
}

// Call dispatches a named tool for the calling agent. Unknown tool names
// come back as error results, never as dispatch failures.
func (h *ToolHandler) Call(ctx context.Context, caller, name string, args map[string]interface{}) ToolResult {
	switch name {
	case "send_message":
		return h.sendMessage(ctx, caller, args)
	case "check_messages":
		return h.checkMessages(caller, args)
	case "list_agents":
		return h.listAgents()
	case "broadcast_message":
		return h.broadcastMessage(ctx, caller, args)
	default:
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}
}

func (h *ToolHandler) sendMessage(ctx context.Context, caller string, args map[string]interface{}) ToolResult {
	to := stringArg(args, "to")
	body := stringArg(args, "message")
	if to == "" {
		return ErrorResult("Error: 'to' parameter is required")
	}
	if body == "" {
		return ErrorResult("Error: 'message' parameter is required")
	}

	if err := h.engine.SendMessageToAgent(ctx, to, caller, body, mailbox.PriorityNormal); err != nil {
		if errors.Is(err, delivery.ErrUnknownAgent) {
			return ErrorResult(fmt.Sprintf("Error: agent '%s' is not registered", to))
		}
		h.logger.Warn("send_message failed",
			zap.String("from", caller),
			zap.String("to", to),
			zap.Error(err))
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	return TextResult(fmt.Sprintf("Message sent to %s", to))
}

func (h *ToolHandler) checkMessages(caller string, args map[string]interface{}) ToolResult {
	limit := intArg(args, "limit", defaultCheckLimit)
	if limit <= 0 {
		limit = defaultCheckLimit
	}

	messages, remaining := h.box.DrainLimit(caller, limit)
	text := mailbox.Render(messages)
	if remaining > 0 {
		text += fmt.Sprintf("\n(%d more message(s) queued; call check_messages again)", remaining)
	}
	return TextResult(text)
}

func (h *ToolHandler) listAgents() ToolResult {
	names := h.agents.RegisteredAgents()
	if len(names) == 0 {
		return TextResult("No agents registered")
	}
	sort.Strings(names)
	return TextResult("Registered agents: " + strings.Join(names, ", "))
}

func (h *ToolHandler) broadcastMessage(ctx context.Context, caller string, args map[string]interface{}) ToolResult {
	body := stringArg(args, "message")
	if body == "" {
		return ErrorResult("Error: 'message' parameter is required")
	}

	count := h.engine.BroadcastFromAgent(ctx, caller, body)

	h.logger.Info("broadcast queued",
		zap.String("from", caller),
		zap.Int("recipients", count))
	h.publish(ctx, events.MessageBroadcast, map[string]interface{}{
		"from":       caller,
		"recipients": count,
	})
	return TextResult(fmt.Sprintf("Broadcast sent to %d agent(s)", count))
}

func (h *ToolHandler) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	if err := h.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "broker", data)); err != nil {
		h.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]interface{}, key string, def int) int {
	if args == nil {
		return def
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
