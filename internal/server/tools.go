package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"skillhub/internal/api"
	"skillhub/internal/installer"
)

// Tool names exposed over MCP.
const (
	InstallToolName   = "skill_install"
	UninstallToolName = "skill_uninstall"
	ListToolName      = "skill_list"
	ExecuteToolName   = "skill_execute"
)

func (s *Server) tools() []mcpserver.ServerTool {
	return []mcpserver.ServerTool{
		{
			Tool: mcp.Tool{
				Name:        InstallToolName,
				Description: "Install a skill package from its manifest for a user.",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"user_id": map[string]interface{}{
							"type":        "string",
							"description": "The user installing the skill",
						},
						"manifest": map[string]interface{}{
							"type":        "object",
							"description": "The skill package manifest",
						},
						"mode": map[string]interface{}{
							"type":        "string",
							"description": "Permission handling: strict (default) or allow_with_approval",
							"enum":        []string{"strict", "allow_with_approval"},
						},
					},
					Required: []string{"user_id", "manifest"},
				},
			},
			Handler: s.handleInstall,
		},
		{
			Tool: mcp.Tool{
				Name:        UninstallToolName,
				Description: "Uninstall a skill package for a user.",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"user_id": map[string]interface{}{
							"type":        "string",
							"description": "The user uninstalling the skill",
						},
						"package_id": map[string]interface{}{
							"type":        "string",
							"description": "The package to uninstall",
						},
					},
					Required: []string{"user_id", "package_id"},
				},
			},
			Handler: s.handleUninstall,
		},
		{
			Tool: mcp.Tool{
				Name:        ListToolName,
				Description: "List a user's skill installations.",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"user_id": map[string]interface{}{
							"type":        "string",
							"description": "The user whose installations to list",
						},
						"skip": map[string]interface{}{
							"type":        "integer",
							"description": "Records to skip for paging",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum records to return (default 50)",
						},
					},
					Required: []string{"user_id"},
				},
			},
			Handler: s.handleList,
		},
		{
			Tool: mcp.Tool{
				Name:        ExecuteToolName,
				Description: "Execute an installed skill. Builtin skills install on first use.",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"user_id": map[string]interface{}{
							"type":        "string",
							"description": "The user executing the skill",
						},
						"package_id": map[string]interface{}{
							"type":        "string",
							"description": "The installed package to execute",
						},
						"input": map[string]interface{}{
							"type":        "object",
							"description": "Input payload handed to the skill workflow",
						},
						"wait": map[string]interface{}{
							"type":        "boolean",
							"description": "Wait for the workflow to finish before returning",
						},
						"wait_timeout_ms": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum time to wait for completion",
						},
						"poll_interval_ms": map[string]interface{}{
							"type":        "integer",
							"description": "Interval between completion checks",
						},
					},
					Required: []string{"user_id", "package_id"},
				},
			},
			Handler: s.handleExecute,
		},
	}
}

func (s *Server) handleInstall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := req.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	manifestArg, ok := args["manifest"].(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("manifest is required and must be an object"), nil
	}
	mode := api.InstallModeStrict
	if raw, ok := args["mode"].(string); ok && raw != "" {
		switch api.InstallMode(raw) {
		case api.InstallModeStrict, api.InstallModeAllowWithApproval:
			mode = api.InstallMode(raw)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q", raw)), nil
		}
	}

	data, err := json.Marshal(manifestArg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("manifest is not valid JSON: %v", err)), nil
	}
	m, err := installer.ParseManifest(data)
	if err != nil {
		return jsonToolResult(failedInstallResult(err))
	}

	return jsonToolResult(s.installer.Install(ctx, m, userID, mode))
}

func (s *Server) handleUninstall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := req.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	packageID, ok := args["package_id"].(string)
	if !ok || packageID == "" {
		return mcp.NewToolResultError("package_id is required"), nil
	}
	return jsonToolResult(s.installer.Uninstall(ctx, packageID, userID))
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := req.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	skip := intArg(args, "skip", 0)
	limit := intArg(args, "limit", 50)

	items, total, err := s.installer.ListInstallations(ctx, userID, skip, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing installations: %v", err)), nil
	}
	return jsonToolResult(map[string]interface{}{
		"installations": items,
		"total":         total,
		"skip":          skip,
		"limit":         limit,
	})
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := req.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments format"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	packageID, ok := args["package_id"].(string)
	if !ok || packageID == "" {
		return mcp.NewToolResultError("package_id is required"), nil
	}
	input, _ := args["input"].(map[string]interface{})
	if input == nil {
		input = map[string]interface{}{}
	}

	opts := &api.ExecuteOptions{}
	if wait, ok := args["wait"].(bool); ok {
		opts.Wait = &wait
	}
	if ms := intArg(args, "wait_timeout_ms", 0); ms > 0 {
		opts.WaitTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := intArg(args, "poll_interval_ms", 0); ms > 0 {
		opts.PollInterval = time.Duration(ms) * time.Millisecond
	}

	return jsonToolResult(s.ExecuteSkill(ctx, userID, packageID, input, opts))
}

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// jsonToolResult marshals a shaped result into a single text content block.
func jsonToolResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
	}, nil
}

// failedInstallResult shapes a manifest parse error like the installer would.
func failedInstallResult(err error) *api.InstallResult {
	return &api.InstallResult{
		Success:      false,
		Status:       api.InstallStatusFailed,
		ErrorCode:    api.CodeOf(err),
		ErrorMessage: err.Error(),
		Detail:       api.DetailOf(err),
	}
}
