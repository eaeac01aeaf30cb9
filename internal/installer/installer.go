package installer

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillhub/internal/adapter"
	"skillhub/internal/api"
	"skillhub/internal/policy"
	"skillhub/internal/store"
	"skillhub/pkg/logging"
)

// AdapterManager is the slice of the adapter manager the installer drives.
type AdapterManager interface {
	policy.ManagerView
	Register(ctx context.Context, cfg *api.AdapterConfig) error
	Unregister(ctx context.Context, adapterID string) error
	StopAdapter(ctx context.Context, adapterID string, force bool) error
	Diagnose(ctx context.Context, adapterID string) string
}

// WorkflowService is the slice of the workflow service the installer drives.
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, wf *api.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	ArchiveWorkflow(ctx context.Context, id string) error
}

// Installer composes policy, manager, workflow service, and the store into
// the transactional install/uninstall pipeline.
type Installer struct {
	sessions  store.SessionFactory
	manager   AdapterManager
	workflows WorkflowService
}

// New creates an installer.
func New(sessions store.SessionFactory, manager AdapterManager, workflows WorkflowService) *Installer {
	return &Installer{sessions: sessions, manager: manager, workflows: workflows}
}

// Install runs the install protocol and always returns a shaped result; raw
// errors never escape. Steps after workflow creation roll back in reverse on
// failure, and an existing installed record short-circuits idempotently.
func (i *Installer) Install(ctx context.Context, m *api.Manifest, userID string, mode api.InstallMode) *api.InstallResult {
	// Step 1: structural validation.
	if err := ValidateManifest(m); err != nil {
		return failedResult(err)
	}
	if mode == "" {
		mode = api.InstallModeStrict
	}

	// Step 2: idempotent short-circuit on an existing installed row.
	if existing, err := i.getInstalled(ctx, userID, m.PackageID); err == nil {
		logging.Debug("Installer", "Skill %s already installed for user %s", m.PackageID, userID)
		return &api.InstallResult{
			Success:    true,
			Status:     api.InstallStatusInstalled,
			AdapterID:  existing.AdapterID,
			WorkflowID: existing.WorkflowID,
		}
	}

	// Step 3: dependency satisfaction.
	deps := policy.CheckDependencies(ctx, m.Dependencies, i.manager)
	if !deps.Satisfied() {
		err := api.NewError(api.CodeDependencyUnsatisfied,
			"skill %s has unsatisfied dependencies", m.PackageID).
			WithDetail("missing", deps.Missing).
			WithDetail("start_failed", deps.StartFailed).
			WithDetail("warnings", deps.Warnings)
		return failedResult(err)
	}

	// Step 4: permission risks.
	perms := policy.CheckPermissions(m.Permissions, mode)
	switch perms.Decision {
	case policy.DecisionDeny:
		err := api.NewError(api.CodePermissionDenied,
			"skill %s requests permissions denied in strict mode", m.PackageID).
			WithDetail("risks", perms.Risks)
		return failedResult(err)
	case policy.DecisionRequiresApproval:
		return i.recordPendingApproval(ctx, m, userID, perms)
	}

	// Step 5: create the workflow.
	wf := &api.Workflow{
		UserID:         userID,
		Slug:           m.Workflow.Slug,
		Name:           m.Workflow.Name,
		Definition:     m.Workflow.Definition,
		TriggerType:    m.Workflow.TriggerType,
		TriggerConfig:  m.Workflow.TriggerConfig,
		WorkflowStatus: api.WorkflowActive,
	}
	if err := i.workflows.CreateWorkflow(ctx, wf); err != nil {
		return failedResult(err)
	}

	// Step 6: derive the adapter id.
	adapterID := m.WorkflowAdapter.AdapterID
	if adapterID == "" {
		adapterID = "tool.workflow." + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	// Step 7: register the workflow-bound adapter.
	cfg := &api.AdapterConfig{
		AdapterID:    adapterID,
		Name:         m.WorkflowAdapter.Name,
		AdapterType:  api.AdapterTypeHard,
		AdapterClass: adapter.WorkflowAdapterClass,
		Version:      m.Version,
		Config:       adapterConfigFor(m, wf.ID, adapterID),
		Dependencies: []string{},
		Description:  m.Description,
		Author:       m.Author,
		Tags:         m.Tags,
		IsEnabled:    true,
	}
	if err := i.manager.Register(ctx, cfg); err != nil {
		i.rollback(ctx, "", wf.ID)
		return failedResult(err)
	}

	// Step 8: start it.
	if err := i.manager.StartAdapter(ctx, adapterID); err != nil {
		diagnostic := i.manager.Diagnose(ctx, adapterID)
		i.rollback(ctx, adapterID, wf.ID)
		wrapped := api.WrapError(api.CodeStartFailed, err, "starting skill adapter %s", adapterID).
			WithDetail("diagnostic", diagnostic)
		return failedResult(wrapped)
	}

	// Step 9: persist the installation record.
	now := time.Now().UTC()
	inst := &api.SkillInstallation{
		ID:                 uuid.NewString(),
		UserID:             userID,
		PackageID:          m.PackageID,
		WorkflowID:         wf.ID,
		AdapterID:          adapterID,
		InstallationStatus: api.InstallStatusInstalled,
		Manifest:           m,
		InstalledAt:        &now,
	}
	if err := i.insertInstallation(ctx, inst); err != nil {
		if stopErr := i.manager.StopAdapter(ctx, adapterID, true); stopErr != nil {
			logging.Warn("Installer", "Rollback stop of %s: %v", adapterID, stopErr)
		}
		i.rollback(ctx, adapterID, wf.ID)
		return failedResult(err)
	}

	logging.Info("Installer", "Installed skill %s for user %s (workflow %s, adapter %s)",
		m.PackageID, userID, wf.ID, adapterID)
	return &api.InstallResult{
		Success:    true,
		Status:     api.InstallStatusInstalled,
		AdapterID:  adapterID,
		WorkflowID: wf.ID,
	}
}

// rollback compensates steps 5-8 in reverse order. Failures here are logged
// and never mask the original error.
func (i *Installer) rollback(ctx context.Context, adapterID, workflowID string) {
	if adapterID != "" {
		if err := i.manager.Unregister(ctx, adapterID); err != nil &&
			!api.IsCode(err, api.CodeAdapterNotFound) {
			logging.Warn("Installer", "Rollback unregister of %s: %v", adapterID, err)
		}
	}
	if workflowID != "" {
		if err := i.workflows.DeleteWorkflow(ctx, workflowID); err != nil {
			logging.Warn("Installer", "Rollback delete of workflow %s: %v", workflowID, err)
		}
	}
}

// recordPendingApproval writes an installation row in pending_approval and
// reports REQUIRES_APPROVAL. No workflow or adapter exists yet; approval
// re-runs the install.
func (i *Installer) recordPendingApproval(ctx context.Context, m *api.Manifest, userID string, perms *policy.PermissionReport) *api.InstallResult {
	inst := &api.SkillInstallation{
		ID:                 uuid.NewString(),
		UserID:             userID,
		PackageID:          m.PackageID,
		InstallationStatus: api.InstallStatusPendingApproval,
		Manifest:           m,
	}
	if err := i.insertInstallation(ctx, inst); err != nil {
		return failedResult(err)
	}
	logging.Info("Installer", "Skill %s for user %s is pending approval", m.PackageID, userID)
	return &api.InstallResult{
		Success:      false,
		Status:       api.InstallStatusPendingApproval,
		ErrorCode:    api.CodeRequiresApproval,
		ErrorMessage: "requested permissions require approval",
		Detail:       map[string]interface{}{"risks": perms.Risks},
	}
}

// Uninstall tears a skill down: stop and unregister the bound adapter,
// archive the workflow, mark the installation row uninstalled. Every step
// tolerates already-gone state so the call is idempotent.
func (i *Installer) Uninstall(ctx context.Context, packageID, userID string) *api.UninstallResult {
	inst, err := i.getInstalled(ctx, userID, packageID)
	if err != nil {
		return &api.UninstallResult{
			Success:      false,
			Status:       api.InstallStatusFailed,
			ErrorMessage: err.Error(),
		}
	}

	if inst.AdapterID != "" {
		if err := i.manager.StopAdapter(ctx, inst.AdapterID, true); err != nil &&
			!api.IsCode(err, api.CodeAdapterNotFound) {
			logging.Warn("Installer", "Stopping adapter %s during uninstall: %v", inst.AdapterID, err)
		}
		if err := i.manager.Unregister(ctx, inst.AdapterID); err != nil &&
			!api.IsCode(err, api.CodeAdapterNotFound) {
			logging.Warn("Installer", "Unregistering adapter %s during uninstall: %v", inst.AdapterID, err)
		}
	}

	if inst.WorkflowID != "" {
		if err := i.workflows.ArchiveWorkflow(ctx, inst.WorkflowID); err != nil &&
			!api.IsCode(err, api.CodeWorkflowNotFound) {
			logging.Warn("Installer", "Archiving workflow %s during uninstall: %v", inst.WorkflowID, err)
		}
	}

	if err := i.markUninstalled(ctx, inst.ID); err != nil {
		return &api.UninstallResult{
			Success:      false,
			Status:       api.InstallStatusFailed,
			ErrorMessage: err.Error(),
		}
	}
	logging.Info("Installer", "Uninstalled skill %s for user %s", packageID, userID)
	return &api.UninstallResult{Success: true, Status: api.InstallStatusUninstalled}
}

// ListInstallations returns a page of a user's installation records.
func (i *Installer) ListInstallations(ctx context.Context, userID string, skip, limit int) ([]*api.SkillInstallation, int, error) {
	sess, err := i.sessions.NewSession(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer sess.Rollback()
	return sess.ListInstallations(userID, skip, limit)
}

// GetInstalled returns the installed record for (user, package).
func (i *Installer) GetInstalled(ctx context.Context, userID, packageID string) (*api.SkillInstallation, error) {
	return i.getInstalled(ctx, userID, packageID)
}

func (i *Installer) getInstalled(ctx context.Context, userID, packageID string) (*api.SkillInstallation, error) {
	sess, err := i.sessions.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback()
	return sess.GetInstalled(userID, packageID)
}

func (i *Installer) insertInstallation(ctx context.Context, inst *api.SkillInstallation) error {
	sess, err := i.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.InsertInstallation(inst); err != nil {
		return err
	}
	return sess.Commit()
}

func (i *Installer) markUninstalled(ctx context.Context, id string) error {
	sess, err := i.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.MarkUninstalled(id, time.Now().UTC()); err != nil {
		return err
	}
	return sess.Commit()
}

// adapterConfigFor merges the manifest's adapter config with the injected
// platform fields.
func adapterConfigFor(m *api.Manifest, workflowID, adapterID string) map[string]interface{} {
	merged := make(map[string]interface{}, len(m.WorkflowAdapter.Config)+5)
	for k, v := range m.WorkflowAdapter.Config {
		merged[k] = v
	}
	merged["workflow_id"] = workflowID
	merged["adapter_id"] = adapterID
	merged["adapter_type"] = string(api.AdapterTypeHard)
	merged["kind"] = "workflow"
	merged["run_mode"] = "async"
	return merged
}

// failedResult shapes a platform error into an InstallResult.
func failedResult(err error) *api.InstallResult {
	result := &api.InstallResult{
		Success:      false,
		Status:       api.InstallStatusFailed,
		ErrorCode:    api.CodeOf(err),
		ErrorMessage: err.Error(),
	}
	if detail := api.DetailOf(err); detail != nil {
		result.Detail = detail
	}
	return result
}
