package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddArtifact persists a typed node output inside the session. The content
// hash is derived from the canonical payload JSON when not supplied.
func (sess *Session) AddArtifact(ctx context.Context, artifact Artifact) (*Artifact, error) {
	if artifact.ArtifactID == "" {
		artifact.ArtifactID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	payload := marshalJSON(artifact.Payload)
	if artifact.ContentHash == "" {
		sum := sha256.Sum256([]byte(payload))
		artifact.ContentHash = hex.EncodeToString(sum[:])
	}
	_, err := sess.store.exec(ctx, sess.tx, `INSERT INTO flowchart_run_node_artifacts
		(artifact_id, run_node_id, kind, payload, content_hash, retention_mode,
		 retention_ttl, retention_max_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ArtifactID, artifact.RunNodeID, string(artifact.Kind), payload,
		artifact.ContentHash, string(artifact.RetentionMode), artifact.RetentionTTL,
		artifact.RetentionMaxCount, formatTime(artifact.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return &artifact, nil
}

// ListArtifacts returns a node's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, runNodeID string) ([]Artifact, error) {
	rows, err := s.query(ctx, s.db, selectArtifact+` WHERE run_node_id = ? ORDER BY created_at DESC, artifact_id DESC`, runNodeID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// GetArtifact loads one artifact.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	return scanArtifact(s.queryRow(ctx, s.db, selectArtifact+` WHERE artifact_id = ?`, artifactID))
}

// SweepArtifacts applies retention controls: ttl-mode artifacts older than
// their ttl are removed; max_count-mode keeps the newest N per node.
// Returns the number of deleted rows.
func (s *Store) SweepArtifacts(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	rows, err := s.query(ctx, s.db, selectArtifact+` WHERE retention_mode = ?`, string(RetentionTTL))
	if err != nil {
		return 0, fmt.Errorf("sweep ttl artifacts: %w", err)
	}
	expired, err := collectArtifacts(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		if a.RetentionTTL <= 0 {
			continue
		}
		if now.Sub(a.CreatedAt) < time.Duration(a.RetentionTTL)*time.Second {
			continue
		}
		res, err := s.exec(ctx, s.db, `DELETE FROM flowchart_run_node_artifacts WHERE artifact_id = ?`, a.ArtifactID)
		if err != nil {
			return total, fmt.Errorf("delete expired artifact %s: %w", a.ArtifactID, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	rows, err = s.query(ctx, s.db, `SELECT DISTINCT run_node_id FROM flowchart_run_node_artifacts
		WHERE retention_mode = ?`, string(RetentionMaxCount))
	if err != nil {
		return total, fmt.Errorf("sweep max_count artifacts: %w", err)
	}
	var nodeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return total, err
		}
		nodeIDs = append(nodeIDs, id)
	}
	rows.Close()

	for _, nodeID := range nodeIDs {
		artifacts, err := s.ListArtifacts(ctx, nodeID)
		if err != nil {
			return total, err
		}
		kept := 0
		for _, a := range artifacts {
			if a.RetentionMode != RetentionMaxCount || a.RetentionMaxCount <= 0 {
				continue
			}
			kept++
			if kept <= a.RetentionMaxCount {
				continue
			}
			res, err := s.exec(ctx, s.db, `DELETE FROM flowchart_run_node_artifacts WHERE artifact_id = ?`, a.ArtifactID)
			if err != nil {
				return total, fmt.Errorf("trim artifact %s: %w", a.ArtifactID, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
	}
	return total, nil
}

const selectArtifact = `SELECT artifact_id, run_node_id, kind, payload, content_hash,
	retention_mode, retention_ttl, retention_max_count, created_at
	FROM flowchart_run_node_artifacts`

func scanArtifactFields(sc rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		kind      string
		payload   string
		retention string
		createdAt string
	)
	err := sc.Scan(&a.ArtifactID, &a.RunNodeID, &kind, &payload, &a.ContentHash,
		&retention, &a.RetentionTTL, &a.RetentionMaxCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.Kind = ArtifactKind(kind)
	a.RetentionMode = RetentionMode(retention)
	if err := unmarshalJSON(payload, &a.Payload); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanArtifact(row *sql.Row) (*Artifact, error) { return scanArtifactFields(row) }

func collectArtifacts(rows *sql.Rows) ([]Artifact, error) {
	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifactFields(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}
