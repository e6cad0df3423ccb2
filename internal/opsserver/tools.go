package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/mailbox"
	"github.com/claude-orc/orc/internal/statemon"
)

// operatorSender is the sender name stamped on messages injected through
// the ops surface. Agents see it like any other peer.
const operatorSender = "operator"

const defaultRecentLimit = 20

// emptySchema keeps "properties": {} in the schema of parameter-less
// tools. The default ToolInputSchema drops empty maps via omitempty, which
// some clients reject as an invalid object schema.
var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewToolWithRawSchema("orc_list_agents",
			"List registered agents with pane index, role, model and transcript id.",
			emptySchema,
		),
		listAgentsHandler(deps),
	)

	s.AddTool(
		mcp.NewToolWithRawSchema("orc_team_status",
			"Show each agent's inferred state and unread mailbox count.",
			emptySchema,
		),
		teamStatusHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("orc_send_message",
			mcp.WithDescription("Send a message to an agent as the operator. The agent is notified in its pane and reads the message with check_messages."),
			mcp.WithString("agent",
				mcp.Required(),
				mcp.Description("Recipient agent name"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("Message body"),
			),
			mcp.WithString("priority",
				mcp.Description("'normal' (default) or 'high'. High priority may interrupt a busy agent."),
			),
		),
		sendMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewToolWithRawSchema("orc_list_contexts",
			"List saved team contexts with session names and agent counts.",
			emptySchema,
		),
		listContextsHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("orc_recent_anomalies",
			mcp.WithDescription("Show recent terminal anomalies recorded by the state monitor."),
			mcp.WithString("agent",
				mcp.Description("Only anomalies for this agent (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum records to return (default %d)", defaultRecentLimit)),
			),
		),
		recentAnomaliesHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("orc_recent_messages",
			mcp.WithDescription("Show recently archived message traffic, newest first."),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum records to return (default %d)", defaultRecentLimit)),
			),
		),
		recentMessagesHandler(deps),
	)

	log.Info("registered ops tools", zap.Int("count", 6))
}

type agentRow struct {
	Name         string `json:"name"`
	Role         string `json:"role,omitempty"`
	Model        string `json:"model,omitempty"`
	Pane         int    `json:"pane"`
	TranscriptID string `json:"transcriptId,omitempty"`
}

func listAgentsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := deps.Roster.Agents()
		if len(agents) == 0 {
			return mcp.NewToolResultText("No agents registered"), nil
		}
		rows := make([]agentRow, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, agentRow{
				Name:         a.Name,
				Role:         a.Role,
				Model:        a.Model,
				Pane:         a.PaneIndex,
				TranscriptID: a.TranscriptID,
			})
		}
		formatted, _ := json.MarshalIndent(rows, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

type statusRow struct {
	Agent           string    `json:"agent"`
	State           string    `json:"state"`
	PendingMessages int       `json:"pendingMessages"`
	LastStateUpdate time.Time `json:"lastStateUpdate"`
}

func teamStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := deps.Roster.Agents()
		if len(agents) == 0 {
			return mcp.NewToolResultText("No agents registered"), nil
		}
		statuses := deps.States.AllStatuses()
		rows := make([]statusRow, 0, len(agents))
		for _, a := range agents {
			row := statusRow{
				Agent:           a.Name,
				State:           string(statemon.StateUnknown),
				PendingMessages: deps.Mailbox.Count(a.Name),
			}
			if status, ok := statuses[a.Name]; ok {
				row.State = string(status.State)
				row.LastStateUpdate = status.LastStateUpdate
			}
			rows = append(rows, row)
		}
		formatted, _ := json.MarshalIndent(rows, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		to, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		priority := mailbox.ParsePriority(req.GetString("priority", ""))

		if err := deps.Delivery.SendMessageToAgent(ctx, to, operatorSender, body, priority); err != nil {
			log.Warn("operator send failed", zap.String("to", to), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		log.Info("operator message sent", zap.String("to", to), zap.String("priority", string(priority)))
		return mcp.NewToolResultText(fmt.Sprintf("Message sent to %s", to)), nil
	}
}

type contextRow struct {
	ContextName string    `json:"contextName"`
	TmuxSession string    `json:"tmuxSession"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Agents      int       `json:"agents"`
}

func listContextsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		contexts, err := deps.Contexts.List()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list contexts: %v", err)), nil
		}
		if len(contexts) == 0 {
			return mcp.NewToolResultText("No saved contexts"), nil
		}
		rows := make([]contextRow, 0, len(contexts))
		for _, tc := range contexts {
			rows = append(rows, contextRow{
				ContextName: tc.ContextName,
				TmuxSession: tc.TmuxSession,
				CreatedAt:   tc.CreatedAt,
				UpdatedAt:   tc.UpdatedAt,
				Agents:      len(tc.Agents),
			})
		}
		formatted, _ := json.MarshalIndent(rows, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func recentAnomaliesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent := req.GetString("agent", "")
		limit := intArg(req.GetArguments(), "limit", defaultRecentLimit)
		if limit <= 0 {
			limit = defaultRecentLimit
		}

		records := deps.States.History().Query(statemon.QueryFilter{Agent: agent})
		if len(records) == 0 {
			return mcp.NewToolResultText("No anomalies recorded"), nil
		}
		if len(records) > limit {
			records = records[len(records)-limit:]
		}
		formatted, _ := json.MarshalIndent(records, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func recentMessagesHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Archive == nil {
			return mcp.NewToolResultError("Archive is disabled; no message history available"), nil
		}
		limit := intArg(req.GetArguments(), "limit", defaultRecentLimit)
		if limit <= 0 {
			limit = defaultRecentLimit
		}

		messages, err := deps.Archive.RecentMessages(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to query archive: %v", err)), nil
		}
		if len(messages) == 0 {
			return mcp.NewToolResultText("No archived messages"), nil
		}
		formatted, _ := json.MarshalIndent(messages, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
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
