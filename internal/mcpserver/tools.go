package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/channel"
	"github.com/searle-dev/anywork/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all agent sessions, most recently active first. Use this to find session IDs."),
		),
		listSessionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get a task's current status, result and cost stats."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to fetch"),
			),
		),
		getTaskHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_task_logs",
			mcp.WithDescription("Page through a task's event log (text, tool calls, errors) in stream order."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to read logs from"),
			),
			mcp.WithString("after",
				mcp.Description("Return entries with seq greater than this value (optional, default from the start)"),
			),
			mcp.WithString("limit",
				mcp.Description("Maximum entries to return (optional, default 50, cap 500)"),
			),
		),
		getTaskLogsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("submit_task",
			mcp.WithDescription("Submit a new task. Returns the accepted task ID; follow progress with get_task and get_task_logs."),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The instruction for the agent"),
			),
			mcp.WithString("session_id",
				mcp.Description("Session to continue (optional, a new session is created when omitted)"),
			),
		),
		submitTaskHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a pending or running task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to cancel"),
			),
		),
		cancelTaskHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

// fetchJSON runs a GET against the control plane and formats the body.
func fetchJSON(ctx context.Context, requestURL string) (*mcp.CallToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach control plane: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	return toolResult(resp)
}

// toolResult converts a REST response into a tool result, surfacing API
// errors as tool errors rather than protocol errors.
func toolResult(resp *http.Response) (*mcp.CallToolResult, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(raw))), nil
	}

	var result json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return fetchJSON(ctx, fmt.Sprintf("%s/api/sessions", cfg.APIURL))
	}
}

func getTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return fetchJSON(ctx, fmt.Sprintf("%s/api/tasks/%s", cfg.APIURL, url.PathEscape(taskID)))
	}
}

func getTaskLogsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		query := url.Values{}
		if after := req.GetString("after", ""); after != "" {
			if _, err := strconv.ParseInt(after, 10, 64); err != nil {
				return mcp.NewToolResultError("after must be an integer"), nil
			}
			query.Set("after", after)
		}
		if limit := req.GetString("limit", ""); limit != "" {
			if _, err := strconv.Atoi(limit); err != nil {
				return mcp.NewToolResultError("limit must be an integer"), nil
			}
			query.Set("limit", limit)
		}

		requestURL := fmt.Sprintf("%s/api/tasks/%s/logs", cfg.APIURL, url.PathEscape(taskID))
		if encoded := query.Encode(); encoded != "" {
			requestURL += "?" + encoded
		}
		return fetchJSON(ctx, requestURL)
	}
}

func submitTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if cfg.WebhookToken == "" {
			return mcp.NewToolResultError("task submission is disabled: no webhook channel secret configured"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{"message": message}
		if sessionID := req.GetString("session_id", ""); sessionID != "" {
			payload["session_id"] = sessionID
		}
		body, _ := json.Marshal(payload)

		requestURL := fmt.Sprintf("%s/api/channel/webhook/webhook", cfg.APIURL)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(channel.WebhookTokenHeader, cfg.WebhookToken)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to submit task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to submit task: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		return toolResult(resp)
	}
}

func cancelTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		requestURL := fmt.Sprintf("%s/api/tasks/%s/cancel", cfg.APIURL, url.PathEscape(taskID))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to cancel task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		return toolResult(resp)
	}
}
