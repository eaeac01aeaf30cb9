// Package installer turns validated skill manifests into runnable skills:
// workflow creation, adapter registration, and the installation record, with
// compensating rollback when any step fails.
package installer

import (
	"encoding/json"
	"regexp"

	"skillhub/internal/adapter"
	"skillhub/internal/api"
	"skillhub/internal/workflow"
)

// supportedManifestVersion is the only manifest schema this build accepts.
const supportedManifestVersion = "0.1"

var (
	packageIDPattern = regexp.MustCompile(`^skill\.[a-z0-9_]+(\.[a-z0-9_]+)*$`)
	versionPattern   = regexp.MustCompile(`^\d+\.\d+\.\d+([-+][0-9A-Za-z.-]+)?$`)
)

var validTriggerTypes = map[api.TriggerType]bool{
	api.TriggerManual:   true,
	api.TriggerSchedule: true,
	api.TriggerEvent:    true,
	api.TriggerWebhook:  true,
}

// ParseManifest decodes and validates a JSON manifest.
func ParseManifest(data []byte) (*api.Manifest, error) {
	var m api.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, api.WrapError(api.CodeInvalidManifest, err, "manifest is not valid JSON")
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateManifest checks the structural rules of the manifest schema. Every
// violation reports the offending field in the error detail.
func ValidateManifest(m *api.Manifest) error {
	if m.ManifestVersion == "" {
		return invalidField("manifest_version", "manifest_version is required")
	}
	if m.ManifestVersion != supportedManifestVersion {
		return api.NewError(api.CodeUnsupportedVersion,
			"manifest_version %q is not supported, expected %q", m.ManifestVersion, supportedManifestVersion)
	}
	if !packageIDPattern.MatchString(m.PackageID) {
		return invalidField("package_id", "package_id %q must match skill.<name>[.<sub>]", m.PackageID)
	}
	if m.Name == "" {
		return invalidField("name", "name is required")
	}
	if !versionPattern.MatchString(m.Version) {
		return invalidField("version", "version %q is not a semantic version", m.Version)
	}

	if m.Workflow.Slug == "" {
		return invalidField("workflow.slug", "workflow.slug is required")
	}
	if m.Workflow.Name == "" {
		return invalidField("workflow.name", "workflow.name is required")
	}
	if !validTriggerTypes[m.Workflow.TriggerType] {
		return invalidField("workflow.trigger_type", "workflow.trigger_type %q is invalid", m.Workflow.TriggerType)
	}
	if err := workflow.ValidateDefinition(&m.Workflow.Definition); err != nil {
		return err
	}

	if m.WorkflowAdapter.Name == "" {
		return invalidField("workflow_adapter.name", "workflow_adapter.name is required")
	}
	if m.WorkflowAdapter.AdapterType != api.AdapterTypeHard {
		return invalidField("workflow_adapter.adapter_type", "workflow_adapter.adapter_type must be %q", api.AdapterTypeHard)
	}
	if m.WorkflowAdapter.AdapterClass != adapter.WorkflowAdapterClass {
		return invalidField("workflow_adapter.adapter_class",
			"workflow_adapter.adapter_class must be %q", adapter.WorkflowAdapterClass)
	}
	if _, reserved := m.WorkflowAdapter.Config["workflow_id"]; reserved {
		return invalidField("workflow_adapter.config.workflow_id",
			"workflow_adapter.config must not carry workflow_id, the installer injects it")
	}
	if kind, ok := m.WorkflowAdapter.Config["kind"]; ok && kind != "workflow" {
		return invalidField("workflow_adapter.config.kind", "kind must be %q when present", "workflow")
	}
	if runMode, ok := m.WorkflowAdapter.Config["run_mode"]; ok && runMode != "async" {
		return invalidField("workflow_adapter.config.run_mode", "run_mode must be %q when present", "async")
	}

	for i, dep := range m.Dependencies {
		if dep.AdapterID == "" {
			return invalidField("dependencies", "dependencies[%d].adapter_id is required", i)
		}
	}
	return nil
}

func invalidField(field, format string, args ...interface{}) *api.Error {
	return api.NewError(api.CodeInvalidManifest, format, args...).WithDetail("field", field)
}
