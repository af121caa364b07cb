package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeContractVersion stamps staged envelopes.
const EnvelopeContractVersion = "v1"

// IdempotencyKey derives the deterministic envelope key so redelivery is
// safe for subscribers.
func IdempotencyKey(eventType, entityID string, sequence int64) string {
	sum := sha256.Sum256([]byte(eventType + "\x00" + entityID + "\x00" + strconv.FormatInt(sequence, 10)))
	return hex.EncodeToString(sum[:])
}

// StageEvent allocates the next sequence on the envelope's stream and
// writes the envelope to the outbox, all inside the session transaction.
// Publication happens after commit, never before.
func (sess *Session) StageEvent(ctx context.Context, env Envelope) (*Envelope, error) {
	if env.SequenceStream == "" {
		return nil, fmt.Errorf("stage event %s: empty sequence stream", env.EventType)
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.EmittedAt.IsZero() {
		env.EmittedAt = time.Now().UTC()
	}
	if env.ContractVersion == "" {
		env.ContractVersion = EnvelopeContractVersion
	}

	row := sess.store.queryRow(ctx, sess.tx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_outbox WHERE sequence_stream = ?`,
		env.SequenceStream)
	var last int64
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("read stream sequence: %w", err)
	}
	env.Sequence = last + 1
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = IdempotencyKey(env.EventType, env.EntityID, env.Sequence)
	}

	_, err := sess.store.exec(ctx, sess.tx, `INSERT INTO event_outbox
		(event_id, idempotency_key, sequence_stream, sequence, event_type, entity_kind,
		 entity_id, room_keys, payload, contract_version, emitted_at, published)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		env.EventID, env.IdempotencyKey, env.SequenceStream, env.Sequence, env.EventType,
		env.EntityKind, env.EntityID, strings.Join(env.RoomKeys, ","),
		marshalJSON(env.Payload), env.ContractVersion, formatTime(env.EmittedAt))
	if err != nil {
		return nil, fmt.Errorf("stage event %s: %w", env.EventType, err)
	}
	return &env, nil
}

// FetchUnpublished returns committed, unpublished envelopes in per-stream
// sequence order, ready for the realtime publisher to drain.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db, `SELECT event_id, idempotency_key, sequence_stream,
		sequence, event_type, entity_kind, entity_id, room_keys, payload, contract_version, emitted_at
		FROM event_outbox WHERE published = 0
		ORDER BY sequence_stream ASC, sequence ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished: %w", err)
	}
	defer rows.Close()

	var envs []Envelope
	for rows.Next() {
		var (
			env       Envelope
			roomKeys  string
			payload   string
			emittedAt string
		)
		if err := rows.Scan(&env.EventID, &env.IdempotencyKey, &env.SequenceStream,
			&env.Sequence, &env.EventType, &env.EntityKind, &env.EntityID, &roomKeys,
			&payload, &env.ContractVersion, &emittedAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		if roomKeys != "" {
			env.RoomKeys = strings.Split(roomKeys, ",")
		}
		if err := unmarshalJSON(payload, &env.Payload); err != nil {
			return nil, err
		}
		if env.EmittedAt, err = parseTime(emittedAt); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// MarkPublished flips envelopes to published after broker delivery.
func (s *Store) MarkPublished(ctx context.Context, eventIDs []string) error {
	for _, id := range eventIDs {
		if _, err := s.exec(ctx, s.db, `UPDATE event_outbox SET published = 1 WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("mark published %s: %w", id, err)
		}
	}
	return nil
}

// LastSequence returns the newest allocated sequence on a stream, 0 when
// the stream has no envelopes.
func (s *Store) LastSequence(ctx context.Context, stream string) (int64, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_outbox WHERE sequence_stream = ?`, stream)
	var last int64
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}
