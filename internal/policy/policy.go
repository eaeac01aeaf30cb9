// Package policy evaluates install-time rules: dependency satisfaction and
// permission risk classification. Both checks are pure apart from the narrow
// manager view the dependency check uses to probe and auto-start adapters.
package policy

import (
	"context"
	"fmt"
	"strings"

	"skillhub/internal/api"
)

// ManagerView is the slice of the adapter manager the dependency check needs.
type ManagerView interface {
	AdapterState(adapterID string) (api.AdapterState, error)
	StartAdapter(ctx context.Context, adapterID string) error
}

// DependencyReport is the outcome of CheckDependencies. Missing and
// StartFailed block an install; Warnings do not.
type DependencyReport struct {
	Missing     []string `json:"missing,omitempty"`
	StartFailed []string `json:"start_failed,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Satisfied reports whether the install may proceed.
func (r *DependencyReport) Satisfied() bool {
	return len(r.Missing) == 0 && len(r.StartFailed) == 0
}

// CheckDependencies walks the manifest's declared adapter dependencies
// against the live registry. Required entries absent from the registry are
// collected as missing. Entries that are present but not running are started
// when auto_start is set; a start failure on a required entry blocks.
// Problems on non-required entries become warnings. A registered adapter that
// is not running and not auto_start is satisfied: the engine starts adapters
// lazily at invocation time.
func CheckDependencies(ctx context.Context, deps []api.ManifestDependency, mgr ManagerView) *DependencyReport {
	report := &DependencyReport{}
	for _, dep := range deps {
		state, err := mgr.AdapterState(dep.AdapterID)
		if err != nil {
			if dep.Required {
				report.Missing = append(report.Missing, dep.AdapterID)
			} else {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("optional dependency %s is not registered", dep.AdapterID))
			}
			continue
		}
		if state == api.StateRunning || !dep.AutoStart {
			continue
		}
		if err := mgr.StartAdapter(ctx, dep.AdapterID); err != nil {
			if dep.Required {
				report.StartFailed = append(report.StartFailed, dep.AdapterID)
			} else {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("optional dependency %s failed to start: %v", dep.AdapterID, err))
			}
		}
	}
	return report
}

// Decision is the permission check verdict.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionDeny             Decision = "deny"
	DecisionRequiresApproval Decision = "requires_approval"
)

// PermissionReport carries the detected risks per permission category and the
// mode-dependent decision.
type PermissionReport struct {
	Risks    map[string][]string `json:"risks,omitempty"`
	Decision Decision            `json:"decision"`
}

// databaseWhitelist is the set of tables a skill may touch without raising a
// risk.
var databaseWhitelist = map[string]bool{
	"workflows":           true,
	"workflow_executions": true,
}

// CheckPermissions classifies the manifest's requested permissions. Any
// network access is a risk; file system paths outside /tmp are risks;
// database tables outside the whitelist are risks. With no risks the decision
// is allow; with risks it is deny in strict mode and requires_approval in
// allow_with_approval mode.
func CheckPermissions(perms api.ManifestPermissions, mode api.InstallMode) *PermissionReport {
	risks := make(map[string][]string)

	if len(perms.NetworkAccess) > 0 {
		risks["network_access"] = append([]string{}, perms.NetworkAccess...)
	}
	for _, path := range perms.FileSystemAccess {
		if !strings.HasPrefix(path, "/tmp") {
			risks["file_system_access"] = append(risks["file_system_access"], path)
		}
	}
	for _, table := range perms.DatabaseAccess {
		if !databaseWhitelist[table] {
			risks["database_access"] = append(risks["database_access"], table)
		}
	}

	report := &PermissionReport{Decision: DecisionAllow}
	if len(risks) == 0 {
		return report
	}
	report.Risks = risks
	if mode == api.InstallModeAllowWithApproval {
		report.Decision = DecisionRequiresApproval
	} else {
		report.Decision = DecisionDeny
	}
	return report
}
