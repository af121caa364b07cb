package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PutIntegrationSetting upserts an encrypted credential blob. The store
// never sees plaintext; encryption belongs to the credential resolver.
func (s *Store) PutIntegrationSetting(ctx context.Context, provider, key string, blob []byte) error {
	now := formatTime(time.Now().UTC())
	res, err := s.exec(ctx, s.db, `UPDATE integration_settings
		SET blob = ?, updated_at = ? WHERE provider = ? AND setting_key = ?`,
		blob, now, provider, key)
	if err != nil {
		return fmt.Errorf("update integration setting: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO integration_settings
		(provider, setting_key, blob, updated_at) VALUES (?, ?, ?, ?)`,
		provider, key, blob, now)
	if err != nil {
		return fmt.Errorf("insert integration setting: %w", err)
	}
	return nil
}

// GetIntegrationSetting reads an encrypted blob by (provider, key).
func (s *Store) GetIntegrationSetting(ctx context.Context, provider, key string) (*IntegrationSetting, error) {
	row := s.queryRow(ctx, s.db, `SELECT provider, setting_key, blob, updated_at
		FROM integration_settings WHERE provider = ? AND setting_key = ?`, provider, key)
	var (
		setting   IntegrationSetting
		updatedAt string
	)
	err := row.Scan(&setting.Provider, &setting.Key, &setting.Blob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan integration setting: %w", err)
	}
	if setting.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &setting, nil
}

// SaveExecutorSettings persists the single executor settings row. The
// kubeconfig is kept in its own column, outside the JSON payload; its bytes
// are stored as given and are not encrypted.
func (s *Store) SaveExecutorSettings(ctx context.Context, settings ExecutorSettings) error {
	kubeconfig := settings.K8sKubeconfig
	settings.K8sKubeconfig = nil
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode executor settings: %w", err)
	}
	now := formatTime(time.Now().UTC())
	res, err := s.exec(ctx, s.db, `UPDATE node_executor_settings
		SET payload = ?, kubeconfig = ?, updated_at = ? WHERE id = 1`,
		string(payload), kubeconfig, now)
	if err != nil {
		return fmt.Errorf("update executor settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO node_executor_settings
		(id, payload, kubeconfig, updated_at) VALUES (1, ?, ?, ?)`,
		string(payload), kubeconfig, now)
	if err != nil {
		return fmt.Errorf("insert executor settings: %w", err)
	}
	return nil
}

// LoadExecutorSettings reads the executor settings row, falling back to
// defaults when none has been saved yet.
func (s *Store) LoadExecutorSettings(ctx context.Context) (ExecutorSettings, error) {
	row := s.queryRow(ctx, s.db, `SELECT payload, kubeconfig FROM node_executor_settings WHERE id = 1`)
	var (
		payload    string
		kubeconfig []byte
	)
	err := row.Scan(&payload, &kubeconfig)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultExecutorSettings(), nil
	}
	if err != nil {
		return ExecutorSettings{}, fmt.Errorf("scan executor settings: %w", err)
	}
	settings := DefaultExecutorSettings()
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return ExecutorSettings{}, fmt.Errorf("decode executor settings: %w", err)
	}
	settings.K8sKubeconfig = kubeconfig
	return settings, nil
}
