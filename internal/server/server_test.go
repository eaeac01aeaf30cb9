package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillhub/internal/adapter"
	"skillhub/internal/api"
	"skillhub/internal/installer"
	"skillhub/internal/store"
	"skillhub/internal/workflow"
)

// newTestServer wires the full stack over an in-memory store.
func newTestServer(t *testing.T) (*Server, *installer.Installer) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	factories := adapter.NewFactories()
	mgr := adapter.NewManager(factories, st)
	svc := workflow.NewService(st, workflow.NewEngine(mgr))
	factories.Register(adapter.WorkflowAdapterClass, adapter.NewWorkflowAdapterFactory(svc))

	require.NoError(t, mgr.Register(context.Background(), &api.AdapterConfig{
		AdapterID:    "system.logger.default",
		Name:         "System Logger",
		AdapterType:  api.AdapterTypeSoft,
		AdapterClass: adapter.SystemLoggerClass,
		Version:      "1.0.0",
		Config:       map[string]interface{}{},
		Dependencies: []string{},
		IsEnabled:    true,
	}))

	inst := installer.New(st, mgr, svc)
	srv := New(inst, mgr, installer.NewBuiltinLibrary(""), Options{
		WaitTimeout:  5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	return srv, inst
}

func boolPtr(b bool) *bool { return &b }

func TestExecuteSkillAutoInstallsBuiltin(t *testing.T) {
	srv, inst := newTestServer(t)
	ctx := context.Background()

	result := srv.ExecuteSkill(ctx, "user-1", "skill.builtin.mood.checkin",
		map[string]interface{}{"feeling": "good"}, nil)
	require.True(t, result.Success, "execute failed: %s", result.ErrorMessage)

	// Mood skills wait by default, so the answer is inline.
	assert.Equal(t, api.ExecutionCompleted, result.WorkflowExecutionStatus)
	require.NotEmpty(t, result.WorkflowExecutionID)
	logged, ok := result.Result.(map[string]interface{})
	require.True(t, ok, "result is %T", result.Result)
	assert.Equal(t, true, logged["logged"])

	// The fast path left a real installation behind.
	record, err := inst.GetInstalled(ctx, "user-1", "skill.builtin.mood.checkin")
	require.NoError(t, err)
	assert.Equal(t, api.InstallStatusInstalled, record.InstallationStatus)
}

func TestExecuteSkillDispatchesWithoutWaitByDefault(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	// Non-mood builtins do not wait unless asked to.
	result := srv.ExecuteSkill(ctx, "user-1", "skill.builtin.echo",
		map[string]interface{}{"msg": "hello"}, nil)
	require.True(t, result.Success, "execute failed: %s", result.ErrorMessage)
	assert.NotEmpty(t, result.WorkflowExecutionID)
	assert.False(t, result.WorkflowExecutionStatus.IsTerminal(),
		"status %s should be a dispatch handle", result.WorkflowExecutionStatus)
	assert.Nil(t, result.Result)
}

func TestExecuteSkillExplicitWaitReturnsOutput(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result := srv.ExecuteSkill(ctx, "user-1", "skill.builtin.echo",
		map[string]interface{}{"msg": "hello"},
		&api.ExecuteOptions{Wait: boolPtr(true)})
	require.True(t, result.Success, "execute failed: %s", result.ErrorMessage)
	assert.Equal(t, api.ExecutionCompleted, result.WorkflowExecutionStatus)

	echoed, ok := result.Result.(map[string]interface{})
	require.True(t, ok, "result is %T", result.Result)
	assert.Equal(t, "hello", echoed["msg"])
}

func TestExecuteSkillNotInstalled(t *testing.T) {
	srv, _ := newTestServer(t)

	result := srv.ExecuteSkill(context.Background(), "user-1", "skill.example.ghost",
		map[string]interface{}{}, nil)
	assert.False(t, result.Success)
	assert.Equal(t, api.CodeSkillNotInstalled, result.ErrorCode)
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func toolResultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", result.Content[0])
	return text.Text
}

func builtinManifestArgs(t *testing.T, packageID string) map[string]interface{} {
	t.Helper()
	m, err := installer.NewBuiltinLibrary("").Load(packageID)
	require.NoError(t, err)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &asMap))
	return asMap
}

func TestHandleInstallAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	installResult := callTool(t, srv.handleInstall, map[string]interface{}{
		"user_id":  "user-1",
		"manifest": builtinManifestArgs(t, "skill.builtin.echo"),
	})
	var installed api.InstallResult
	require.NoError(t, json.Unmarshal([]byte(toolResultText(t, installResult)), &installed))
	assert.True(t, installed.Success, "install failed: %s", installed.ErrorMessage)
	assert.NotEmpty(t, installed.AdapterID)

	listResult := callTool(t, srv.handleList, map[string]interface{}{
		"user_id": "user-1",
	})
	var page struct {
		Installations []*api.SkillInstallation `json:"installations"`
		Total         int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolResultText(t, listResult)), &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Installations, 1)
	assert.Equal(t, "skill.builtin.echo", page.Installations[0].PackageID)
}

func TestHandleUninstallRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	callTool(t, srv.handleInstall, map[string]interface{}{
		"user_id":  "user-1",
		"manifest": builtinManifestArgs(t, "skill.builtin.echo"),
	})

	result := callTool(t, srv.handleUninstall, map[string]interface{}{
		"user_id":    "user-1",
		"package_id": "skill.builtin.echo",
	})
	var uninstalled api.UninstallResult
	require.NoError(t, json.Unmarshal([]byte(toolResultText(t, result)), &uninstalled))
	assert.True(t, uninstalled.Success)
	assert.Equal(t, api.InstallStatusUninstalled, uninstalled.Status)
}

func TestHandleExecuteThroughTool(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv.handleExecute, map[string]interface{}{
		"user_id":    "user-1",
		"package_id": "skill.builtin.echo",
		"input":      map[string]interface{}{"msg": "via-tool"},
		"wait":       true,
		// JSON numbers decode as float64.
		"wait_timeout_ms": float64(5000),
	})
	var executed api.ExecuteResult
	require.NoError(t, json.Unmarshal([]byte(toolResultText(t, result)), &executed))
	assert.True(t, executed.Success, "execute failed: %s", executed.ErrorMessage)
	assert.Equal(t, api.ExecutionCompleted, executed.WorkflowExecutionStatus)
}

func TestHandlersRejectMissingArguments(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]interface{}
	}{
		{"install without user", srv.handleInstall, map[string]interface{}{
			"manifest": map[string]interface{}{},
		}},
		{"install without manifest", srv.handleInstall, map[string]interface{}{
			"user_id": "user-1",
		}},
		{"uninstall without package", srv.handleUninstall, map[string]interface{}{
			"user_id": "user-1",
		}},
		{"list without user", srv.handleList, map[string]interface{}{}},
		{"execute without package", srv.handleExecute, map[string]interface{}{
			"user_id": "user-1",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, tt.handler, tt.args)
			assert.True(t, result.IsError)
		})
	}
}

func TestHandleInstallRejectsUnknownMode(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv.handleInstall, map[string]interface{}{
		"user_id":  "user-1",
		"manifest": builtinManifestArgs(t, "skill.builtin.echo"),
		"mode":     "yolo",
	})
	assert.True(t, result.IsError)
}

func TestHandleInstallShapesManifestErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	bad := builtinManifestArgs(t, "skill.builtin.echo")
	bad["manifest_version"] = "9.9"

	result := callTool(t, srv.handleInstall, map[string]interface{}{
		"user_id":  "user-1",
		"manifest": bad,
	})
	var installed api.InstallResult
	require.NoError(t, json.Unmarshal([]byte(toolResultText(t, result)), &installed))
	assert.False(t, installed.Success)
	assert.Equal(t, api.CodeUnsupportedVersion, installed.ErrorCode)
}
