package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skillhub/internal/api"
)

// InsertAdapterConfig persists a new adapter configuration.
func (s *Session) InsertAdapterConfig(cfg *api.AdapterConfig) error {
	configJSON, err := marshalJSON(cfg.Config)
	if err != nil {
		return err
	}
	depsJSON, err := marshalJSON(nonNilSlice(cfg.Dependencies))
	if err != nil {
		return err
	}
	tagsJSON, err := marshalJSON(nonNilSlice(cfg.Tags))
	if err != nil {
		return err
	}

	_, err = s.tx.ExecContext(s.ctx, `
		INSERT INTO adapter_configurations
			(adapter_id, name, adapter_type, adapter_class, version, config,
			 dependencies, description, author, tags, is_enabled, status,
			 created_at, updated_at, last_used_at, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.AdapterID, cfg.Name, string(cfg.AdapterType), cfg.AdapterClass,
		cfg.Version, configJSON, depsJSON, cfg.Description, cfg.Author,
		tagsJSON, boolToInt(cfg.IsEnabled), cfg.Status,
		formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
		formatNullableTime(cfg.LastUsedAt), cfg.UsageCount)
	if err != nil {
		return fmt.Errorf("insert adapter configuration %s: %w", cfg.AdapterID, err)
	}
	return nil
}

// GetAdapterConfig loads one configuration by id.
func (s *Session) GetAdapterConfig(adapterID string) (*api.AdapterConfig, error) {
	row := s.tx.QueryRowContext(s.ctx, `
		SELECT adapter_id, name, adapter_type, adapter_class, version, config,
		       dependencies, description, author, tags, is_enabled, status,
		       created_at, updated_at, last_used_at, usage_count
		FROM adapter_configurations
		WHERE adapter_id = ?
	`, adapterID)

	cfg, err := scanAdapterConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.CodeAdapterNotFound, "adapter configuration %s not found", adapterID)
	}
	return cfg, err
}

// ListEnabledAdapterConfigs returns every enabled configuration, for the
// manager's restore-on-startup pass.
func (s *Session) ListEnabledAdapterConfigs() ([]*api.AdapterConfig, error) {
	rows, err := s.tx.QueryContext(s.ctx, `
		SELECT adapter_id, name, adapter_type, adapter_class, version, config,
		       dependencies, description, author, tags, is_enabled, status,
		       created_at, updated_at, last_used_at, usage_count
		FROM adapter_configurations
		WHERE is_enabled = 1
		ORDER BY adapter_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*api.AdapterConfig
	for rows.Next() {
		cfg, err := scanAdapterConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateAdapterStatus updates the persisted status string of a configuration.
func (s *Session) UpdateAdapterStatus(adapterID, status string) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE adapter_configurations
		SET status = ?, updated_at = ?
		WHERE adapter_id = ?
	`, status, formatTime(time.Now()), adapterID)
	return err
}

// TouchAdapterUsage increments usage_count and stamps last_used_at.
func (s *Session) TouchAdapterUsage(adapterID string, usedAt time.Time) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE adapter_configurations
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE adapter_id = ?
	`, formatTime(usedAt), formatTime(time.Now()), adapterID)
	return err
}

// DeleteAdapterConfig removes a configuration row.
func (s *Session) DeleteAdapterConfig(adapterID string) error {
	_, err := s.tx.ExecContext(s.ctx, `
		DELETE FROM adapter_configurations WHERE adapter_id = ?
	`, adapterID)
	return err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAdapterConfig(row rowScanner) (*api.AdapterConfig, error) {
	var (
		cfg         api.AdapterConfig
		adapterType string
		configJSON  string
		depsJSON    string
		tagsJSON    string
		isEnabled   int
		createdAt   string
		updatedAt   string
		lastUsedAt  sql.NullString
	)

	err := row.Scan(&cfg.AdapterID, &cfg.Name, &adapterType, &cfg.AdapterClass,
		&cfg.Version, &configJSON, &depsJSON, &cfg.Description, &cfg.Author,
		&tagsJSON, &isEnabled, &cfg.Status, &createdAt, &updatedAt,
		&lastUsedAt, &cfg.UsageCount)
	if err != nil {
		return nil, err
	}

	cfg.AdapterType = api.AdapterType(adapterType)
	cfg.IsEnabled = isEnabled != 0
	if err := unmarshalJSON(configJSON, &cfg.Config); err != nil {
		return nil, fmt.Errorf("decode config of %s: %w", cfg.AdapterID, err)
	}
	if err := unmarshalJSON(depsJSON, &cfg.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", cfg.AdapterID, err)
	}
	if err := unmarshalJSON(tagsJSON, &cfg.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", cfg.AdapterID, err)
	}
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if cfg.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
