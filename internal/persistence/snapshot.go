package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpClear/internal/core"
	"PerpClear/internal/event"
	"PerpClear/internal/observability"
)

const snapshotFormatVersion = 1

// SnapshotStore persists full-state snapshots and reads back the event
// log for replay. A snapshot is written unverified; the verifier replays
// events on top of it, checks the hash chain, and only then marks it
// usable for recovery.
type SnapshotStore struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSnapshotStore(db *sql.DB, metrics *observability.Metrics, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:      db,
		metrics: metrics,
		log:     log.With().Str("component", "snapshot").Logger(),
	}
}

// SaveSnapshot writes a snapshot at its sequence. Writing the same
// sequence twice replaces the row and resets verification.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clearing.snapshots
			(snapshot_id, sequence, format_version, state_hash, data, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE SET
			snapshot_id = EXCLUDED.snapshot_id,
			state_hash = EXCLUDED.state_hash,
			data = EXCLUDED.data,
			size_bytes = EXCLUDED.size_bytes,
			verified = FALSE,
			created_at = NOW()`,
		uuid.New().String(), snap.Sequence, snapshotFormatVersion,
		snap.StateHash, string(data), len(data),
	)
	if err != nil {
		s.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
		return fmt.Errorf("save snapshot at sequence %d: %w", snap.Sequence, err)
	}

	s.metrics.SnapshotsTaken.Inc()
	s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
	s.metrics.SnapshotLastSequence.Set(float64(snap.Sequence))

	s.log.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", len(data)).
		Msg("snapshot saved")
	return nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// when none exists and recovery must replay from sequence zero.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM clearing.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1`,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot as safe to recover from.
func (s *SnapshotStore) MarkVerified(ctx context.Context, sequence int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE clearing.snapshots SET verified = TRUE WHERE sequence = $1`,
		sequence,
	)
	if err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", sequence, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("no snapshot at sequence %d", sequence)
	}
	return nil
}

// LoadEventsFrom reads up to limit envelopes starting at fromSequence,
// in sequence order.
func (s *SnapshotStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM clearing.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`,
		fromSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load events from %d: %w", fromSequence, err)
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			env       event.EventEnvelope
			eventType string
			marketID  sql.NullString
			stateHash []byte
			prevHash  []byte
		)
		err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &marketID,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		env.EventType = event.EventTypeFromString(eventType)
		if env.EventType == event.EventTypeUnknown {
			return nil, fmt.Errorf("event %d has unknown type %q", env.Sequence, eventType)
		}
		if marketID.Valid {
			env.MarketID = &marketID.String
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("event %d has malformed hash", env.Sequence)
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)

		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest persisted event sequence, or -1
// for an empty log.
func (s *SnapshotStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM clearing.events`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
