package api

import (
	"time"
)

// AdapterType distinguishes soft (pure in-process logic) from hard
// (side-effecting, externally connected) adapters.
type AdapterType string

const (
	AdapterTypeSoft AdapterType = "soft"
	AdapterTypeHard AdapterType = "hard"
)

// AdapterState is the lifecycle state of a registered adapter.
type AdapterState string

const (
	StateRegistered   AdapterState = "registered"
	StateInitializing AdapterState = "initializing"
	StateRunning      AdapterState = "running"
	StateStopping     AdapterState = "stopping"
	StateStopped      AdapterState = "stopped"
	StateFailed       AdapterState = "failed"
)

// AdapterConfig is the persisted description of how to instantiate an
// adapter. AdapterID is globally unique and immutable after creation.
type AdapterConfig struct {
	AdapterID    string                 `json:"adapter_id"`
	Name         string                 `json:"name"`
	AdapterType  AdapterType            `json:"adapter_type"`
	AdapterClass string                 `json:"adapter_class"`
	Version      string                 `json:"version"`
	Config       map[string]interface{} `json:"config"`
	Dependencies []string               `json:"dependencies"`
	Description  string                 `json:"description,omitempty"`
	Author       string                 `json:"author,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
	IsEnabled    bool                   `json:"is_enabled"`
	Status       string                 `json:"status,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	LastUsedAt   *time.Time             `json:"last_used_at,omitempty"`
	UsageCount   int64                  `json:"usage_count"`
}

// AdapterInfo is a read-only snapshot of a live registration. It never
// exposes the instance itself.
type AdapterInfo struct {
	Config      AdapterConfig `json:"config"`
	State       AdapterState  `json:"state"`
	HasInstance bool          `json:"has_instance"`
	LastError   string        `json:"last_error,omitempty"`
}

// ExecutionContext flows unchanged through adapter invocations. ExecutionID
// is unique per node invocation; RequestID groups the invocations of one
// workflow execution.
type ExecutionContext struct {
	RequestID   string                 `json:"request_id"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionResult is the structured outcome of a single adapter Process call.
type ExecutionResult struct {
	Output     map[string]interface{} `json:"output"`
	Status     string                 `json:"status"`
	DurationMs int64                  `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
}

// HealthReport is what an adapter's health check returns.
type HealthReport struct {
	IsHealthy bool                   `json:"is_healthy"`
	Status    string                 `json:"status"`
	Checks    map[string]interface{} `json:"checks,omitempty"`
	Issues    []string               `json:"issues,omitempty"`
}

// TriggerType declares how a workflow is started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerWebhook  TriggerType = "webhook"
)

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowArchived WorkflowStatus = "archived"
	WorkflowDeleted  WorkflowStatus = "deleted"
)

// NodeType enumerates the node executors the engine dispatches on.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeAdapter   NodeType = "adapter"
	NodeCondition NodeType = "condition"
	NodeDelay     NodeType = "delay"
	NodeLoop      NodeType = "loop"
	NodeTransform NodeType = "transform"
	NodeHTTP      NodeType = "http"
	NodeScript    NodeType = "script"
)

// Node is one vertex of a workflow definition graph. Config is type-specific;
// adapter nodes carry {adapter_id, parameters, output_variable?}.
type Node struct {
	ID     string                 `json:"id"`
	Type   NodeType               `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Edge connects two nodes. Condition tags the boolean branch an out-edge of a
// condition node belongs to ("true"/"false"); empty means unconditional.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowDefinition is the stored graph blob.
type WorkflowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Workflow is a user-owned DAG of nodes.
type Workflow struct {
	ID                   string                 `json:"id"`
	UserID               string                 `json:"user_id"`
	Slug                 string                 `json:"slug"`
	Name                 string                 `json:"name"`
	Definition           WorkflowDefinition     `json:"definition"`
	TriggerType          TriggerType            `json:"trigger_type"`
	TriggerConfig        map[string]interface{} `json:"trigger_config,omitempty"`
	WorkflowStatus       WorkflowStatus         `json:"workflow_status"`
	EnvironmentVariables map[string]interface{} `json:"environment_variables,omitempty"`
	ExecutionCount       int64                  `json:"execution_count"`
	SuccessCount         int64                  `json:"success_count"`
	FailureCount         int64                  `json:"failure_count"`
	LastExecutedAt       *time.Time             `json:"last_executed_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// ExecutionMode declares what initiated a workflow execution.
type ExecutionMode string

const (
	ModeManual    ExecutionMode = "manual"
	ModeScheduled ExecutionMode = "scheduled"
	ModeTriggered ExecutionMode = "triggered"
)

// ExecutionStatus is the status of a workflow execution. Terminal statuses
// never transition.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// NodeResult records the outcome of one node within an execution.
type NodeResult struct {
	Status    string      `json:"status"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WorkflowExecution is one invocation of a workflow with concrete input and
// recorded output.
type WorkflowExecution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	UserID          string                 `json:"user_id"`
	ExecutionMode   ExecutionMode          `json:"execution_mode"`
	ExecutionStatus ExecutionStatus        `json:"execution_status"`
	InputData       map[string]interface{} `json:"input_data,omitempty"`
	OutputData      map[string]interface{} `json:"output_data,omitempty"`
	NodeResults     map[string]NodeResult  `json:"node_results,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
}

// InstallStatus is the status of a skill installation record.
type InstallStatus string

const (
	InstallStatusInstalling      InstallStatus = "installing"
	InstallStatusInstalled       InstallStatus = "installed"
	InstallStatusUninstalled     InstallStatus = "uninstalled"
	InstallStatusFailed          InstallStatus = "failed"
	InstallStatusPendingApproval InstallStatus = "pending_approval"
)

// SkillInstallation links a user, a package, a workflow, and an adapter.
// The full validated manifest is stored so a restart can rebuild the
// WorkflowAdapter even if the live registry was cleared.
type SkillInstallation struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	PackageID          string        `json:"package_id"`
	WorkflowID         string        `json:"workflow_id"`
	AdapterID          string        `json:"adapter_id"`
	InstallationStatus InstallStatus `json:"installation_status"`
	Manifest           *Manifest     `json:"manifest,omitempty"`
	InstalledAt        *time.Time    `json:"installed_at,omitempty"`
	UninstalledAt      *time.Time    `json:"uninstalled_at,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
}

// InstallMode controls how permission risks are handled during install.
type InstallMode string

const (
	InstallModeStrict            InstallMode = "strict"
	InstallModeAllowWithApproval InstallMode = "allow_with_approval"
)

// Manifest is the declarative skill package description.
type Manifest struct {
	ManifestVersion string               `json:"manifest_version"`
	PackageID       string               `json:"package_id"`
	Name            string               `json:"name"`
	Version         string               `json:"version"`
	Description     string               `json:"description,omitempty"`
	Author          string               `json:"author,omitempty"`
	Tags            []string             `json:"tags,omitempty"`
	Workflow        ManifestWorkflow     `json:"workflow"`
	WorkflowAdapter ManifestAdapter      `json:"workflow_adapter"`
	Dependencies    []ManifestDependency `json:"dependencies,omitempty"`
	Permissions     ManifestPermissions  `json:"permissions"`
}

// ManifestWorkflow is the workflow bundled in a manifest.
type ManifestWorkflow struct {
	Slug          string                 `json:"slug"`
	Name          string                 `json:"name"`
	TriggerType   TriggerType            `json:"trigger_type"`
	TriggerConfig map[string]interface{} `json:"trigger_config,omitempty"`
	Definition    WorkflowDefinition     `json:"definition"`
}

// ManifestAdapter is the workflow-bound adapter declared in a manifest.
type ManifestAdapter struct {
	AdapterID    string                 `json:"adapter_id,omitempty"`
	Name         string                 `json:"name"`
	AdapterType  AdapterType            `json:"adapter_type"`
	AdapterClass string                 `json:"adapter_class"`
	Config       map[string]interface{} `json:"config,omitempty"`
}

// ManifestDependency declares an adapter the skill needs at install time.
type ManifestDependency struct {
	AdapterID string `json:"adapter_id"`
	Required  bool   `json:"required"`
	AutoStart bool   `json:"auto_start"`
}

// ManifestPermissions declares the resources the skill wants to touch.
type ManifestPermissions struct {
	DatabaseAccess   []string `json:"database_access,omitempty"`
	FileSystemAccess []string `json:"file_system_access,omitempty"`
	NetworkAccess    []string `json:"network_access,omitempty"`
}

// InstallResult is the shaped outcome of install_skill.
type InstallResult struct {
	Success      bool                   `json:"success"`
	Status       InstallStatus          `json:"status"`
	AdapterID    string                 `json:"adapter_id,omitempty"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	ErrorCode    ErrorCode              `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
}

// UninstallResult is the shaped outcome of uninstall_skill.
type UninstallResult struct {
	Success      bool          `json:"success"`
	Status       InstallStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// ExecuteOptions tunes execute_skill. Wait defaults per platform convention
// when nil: true for package ids under skill.builtin.mood., false otherwise.
type ExecuteOptions struct {
	Wait         *bool         `json:"wait,omitempty"`
	WaitTimeout  time.Duration `json:"wait_timeout,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
}

// ExecuteResult is the shaped outcome of execute_skill.
type ExecuteResult struct {
	Success                 bool             `json:"success"`
	Result                  interface{}      `json:"result,omitempty"`
	Execution               *ExecutionResult `json:"execution,omitempty"`
	WorkflowExecutionID     string           `json:"workflow_execution_id,omitempty"`
	WorkflowExecutionStatus ExecutionStatus  `json:"workflow_execution_status,omitempty"`
	WorkflowErrorMessage    string           `json:"workflow_error_message,omitempty"`
	PackageID               string           `json:"package_id"`
	AdapterID               string           `json:"adapter_id,omitempty"`
	ErrorCode               ErrorCode        `json:"error_code,omitempty"`
	ErrorMessage            string           `json:"error_message,omitempty"`
}
