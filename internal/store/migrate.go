package store

import (
	"fmt"
	"sort"
	"time"
)

// schemaMigration describes one versioned schema change. Statements use
// ?-free portable DDL so they run unchanged on sqlite, postgres and mysql.
type schemaMigration struct {
	version     int
	description string
	statements  []string
}

var migrations = []schemaMigration{
	{
		version:     1,
		description: "core run/dispatch tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS flowchart_runs (
				run_id                  VARCHAR(191) PRIMARY KEY,
				flowchart_snapshot_id   TEXT NOT NULL,
				status                  TEXT NOT NULL,
				trigger_kind            TEXT NOT NULL DEFAULT '',
				request_id              TEXT NOT NULL DEFAULT '',
				correlation_id          TEXT NOT NULL DEFAULT '',
				runtime_cutover_enabled INTEGER NOT NULL DEFAULT 0,
				started_at              TEXT,
				finished_at             TEXT,
				created_at              TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS flowchart_run_nodes (
				run_node_id               VARCHAR(191) PRIMARY KEY,
				run_id                    VARCHAR(191) NOT NULL,
				node_id                   VARCHAR(191) NOT NULL,
				node_type                 TEXT NOT NULL,
				attempt_index             INTEGER NOT NULL DEFAULT 0,
				status                    TEXT NOT NULL,
				dispatch_status           TEXT NOT NULL,
				dispatch_uncertain        INTEGER NOT NULL DEFAULT 0,
				provider_dispatch_id      VARCHAR(191),
				k8s_job_name              TEXT NOT NULL DEFAULT '',
				k8s_pod_name              TEXT NOT NULL DEFAULT '',
				k8s_terminal_reason       TEXT NOT NULL DEFAULT '',
				workspace_identity        TEXT NOT NULL DEFAULT '',
				selected_provider         TEXT NOT NULL DEFAULT 'kubernetes',
				final_provider            TEXT NOT NULL DEFAULT '',
				output_state              TEXT NOT NULL DEFAULT '',
				routing_state             TEXT NOT NULL DEFAULT '',
				error                     TEXT NOT NULL DEFAULT '',
				instruction_manifest_hash TEXT NOT NULL DEFAULT '',
				instruction_adapter_mode  TEXT NOT NULL DEFAULT '',
				resolved_agent_id         TEXT NOT NULL DEFAULT '',
				resolved_role_id          TEXT NOT NULL DEFAULT '',
				created_at                TEXT NOT NULL,
				finished_at               TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_nodes_dispatch_id
				ON flowchart_run_nodes(provider_dispatch_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_nodes_attempt
				ON flowchart_run_nodes(run_id, node_id, attempt_index)`,
			`CREATE INDEX IF NOT EXISTS idx_run_nodes_run
				ON flowchart_run_nodes(run_id)`,
		},
	},
	{
		version:     2,
		description: "artifacts and event outbox",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS flowchart_run_node_artifacts (
				artifact_id         VARCHAR(191) PRIMARY KEY,
				run_node_id         VARCHAR(191) NOT NULL,
				kind                TEXT NOT NULL,
				payload             TEXT NOT NULL DEFAULT '',
				content_hash        TEXT NOT NULL DEFAULT '',
				retention_mode      TEXT NOT NULL DEFAULT '',
				retention_ttl       INTEGER NOT NULL DEFAULT 0,
				retention_max_count INTEGER NOT NULL DEFAULT 0,
				created_at          TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_node
				ON flowchart_run_node_artifacts(run_node_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS event_outbox (
				event_id         VARCHAR(191) PRIMARY KEY,
				idempotency_key  TEXT NOT NULL,
				sequence_stream  VARCHAR(191) NOT NULL,
				sequence         INTEGER NOT NULL,
				event_type       TEXT NOT NULL,
				entity_kind      TEXT NOT NULL DEFAULT '',
				entity_id        TEXT NOT NULL DEFAULT '',
				room_keys        TEXT NOT NULL DEFAULT '',
				payload          TEXT NOT NULL DEFAULT '',
				contract_version TEXT NOT NULL DEFAULT 'v1',
				emitted_at       TEXT NOT NULL,
				published        INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_stream_seq
				ON event_outbox(sequence_stream, sequence)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
				ON event_outbox(published, sequence_stream, sequence)`,
		},
	},
	{
		version:     3,
		description: "integration and executor settings",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS integration_settings (
				provider   VARCHAR(100) NOT NULL,
				setting_key VARCHAR(100) NOT NULL,
				blob       BLOB NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (provider, setting_key)
			)`,
			`CREATE TABLE IF NOT EXISTS node_executor_settings (
				id         INTEGER PRIMARY KEY,
				payload    TEXT NOT NULL,
				kubeconfig BLOB,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current := 0
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	sorted := make([]schemaMigration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].version < sorted[j].version })

	for _, m := range sorted {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m schemaMigration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.Exec(s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		m.version, formatTime(timeNow())); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var timeNow = time.Now
