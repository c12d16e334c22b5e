package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// OutboxMessage is a transactional outbox entry awaiting dispatch.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// EnqueueOutbox records a state-transition notification inside the caller's
// transaction, so the event exists iff the transition committed.
func (s *Store) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("store: enqueue outbox: %w", err)
	}
	return nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, topic, payload, attempts, created_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE outbox SET sent_at=now() WHERE id=$1`, id)
	return err
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
	return err
}

// InsertIdempotencyKey reserves the key inside the active transaction. A
// duplicate means the operation already ran to commit once.
func (s *Store) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("store: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("store: insert idempotency key: %w", err)
	}
	return nil
}
