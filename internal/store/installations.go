package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skillhub/internal/api"
)

// InsertInstallation persists a new skill installation record. The full
// manifest is stored so a restart can rebuild the workflow adapter.
func (s *Session) InsertInstallation(inst *api.SkillInstallation) error {
	manifestJSON, err := marshalJSON(inst.Manifest)
	if err != nil {
		return err
	}

	_, err = s.tx.ExecContext(s.ctx, `
		INSERT INTO skill_installations
			(id, user_id, package_id, workflow_id, adapter_id,
			 installation_status, manifest, installed_at, uninstalled_at,
			 error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.UserID, inst.PackageID, inst.WorkflowID, inst.AdapterID,
		string(inst.InstallationStatus), manifestJSON,
		formatNullableTime(inst.InstalledAt),
		formatNullableTime(inst.UninstalledAt), inst.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert installation %s: %w", inst.ID, err)
	}
	return nil
}

// GetInstalled returns the single installed record for (user, package), or a
// SKILL_NOT_INSTALLED error.
func (s *Session) GetInstalled(userID, packageID string) (*api.SkillInstallation, error) {
	row := s.tx.QueryRowContext(s.ctx, installationSelect+`
		WHERE user_id = ? AND package_id = ? AND installation_status = 'installed'
	`, userID, packageID)

	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.CodeSkillNotInstalled, "skill %s is not installed for user %s", packageID, userID)
	}
	return inst, err
}

// ListInstallations returns a page of a user's installation records, newest
// first, plus the total count.
func (s *Session) ListInstallations(userID string, skip, limit int) ([]*api.SkillInstallation, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.tx.QueryRowContext(s.ctx, `
		SELECT COUNT(*) FROM skill_installations WHERE user_id = ?
	`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.tx.QueryContext(s.ctx, installationSelect+`
		WHERE user_id = ?
		ORDER BY installed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var installations []*api.SkillInstallation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, 0, err
		}
		installations = append(installations, inst)
	}
	return installations, total, rows.Err()
}

// MarkUninstalled moves an installation to uninstalled with a timestamp.
func (s *Session) MarkUninstalled(id string, at time.Time) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE skill_installations
		SET installation_status = 'uninstalled', uninstalled_at = ?
		WHERE id = ?
	`, formatTime(at), id)
	return err
}

// UpdateInstallationError records a failure message on an installation.
func (s *Session) UpdateInstallationError(id, message string) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE skill_installations
		SET installation_status = 'failed', error_message = ?
		WHERE id = ?
	`, message, id)
	return err
}

const installationSelect = `
	SELECT id, user_id, package_id, workflow_id, adapter_id,
	       installation_status, manifest, installed_at, uninstalled_at,
	       error_message
	FROM skill_installations`

func scanInstallation(row rowScanner) (*api.SkillInstallation, error) {
	var (
		inst          api.SkillInstallation
		status        string
		manifestJSON  string
		installedAt   sql.NullString
		uninstalledAt sql.NullString
	)

	err := row.Scan(&inst.ID, &inst.UserID, &inst.PackageID, &inst.WorkflowID,
		&inst.AdapterID, &status, &manifestJSON, &installedAt, &uninstalledAt,
		&inst.ErrorMessage)
	if err != nil {
		return nil, err
	}

	inst.InstallationStatus = api.InstallStatus(status)
	if manifestJSON != "" && manifestJSON != "null" {
		inst.Manifest = &api.Manifest{}
		if err := unmarshalJSON(manifestJSON, inst.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest of %s: %w", inst.ID, err)
		}
	}
	if inst.InstalledAt, err = parseNullableTime(installedAt); err != nil {
		return nil, err
	}
	if inst.UninstalledAt, err = parseNullableTime(uninstalledAt); err != nil {
		return nil, err
	}
	return &inst, nil
}
