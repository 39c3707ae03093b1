package persist

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DocumentRecord is one persisted document row.
type DocumentRecord struct {
	ID       int64
	Content  string
	Revision int64
}

// Store persists document snapshots keyed by (room code, editor id).
type Store struct {
	pool       *pgxpool.Pool
	opTimeout  time.Duration
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithOperationTimeout bounds each database call.
func WithOperationTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.opTimeout = d }
}

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) { s.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) { s.retryDelay = d }
}

// NewStore constructs a Store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		opTimeout:  5 * time.Second,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the backing table and its room index if they are
// missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.retry(ctx, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS room_documents (
        room_code  text        NOT NULL,
        editor_id  bigint      NOT NULL,
        content    text        NOT NULL DEFAULT '',
        revision   bigint      NOT NULL DEFAULT 0,
        updated_at timestamptz NOT NULL DEFAULT now(),
        PRIMARY KEY (room_code, editor_id)
)`); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS room_documents_room_code_idx ON room_documents (room_code)`)
		return err
	})
}

// InitDocuments inserts one empty row per document id for a freshly created
// room. The inserts share a transaction so a half-initialized room is never
// visible.
func (s *Store) InitDocuments(ctx context.Context, code string, ids []int64) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, id := range ids {
			if _, err := tx.Exec(ctx, `
INSERT INTO room_documents (room_code, editor_id, content, revision, updated_at)
VALUES ($1, $2, '', 0, now())
ON CONFLICT (room_code, editor_id) DO NOTHING`, code, id); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// LoadDocuments returns every persisted document for a room, ordered by id.
func (s *Store) LoadDocuments(ctx context.Context, code string) ([]DocumentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	timer := prometheus.NewTimer(loadLatency)
	defer timer.ObserveDuration()

	rows, err := s.pool.Query(ctx, `
SELECT editor_id, content, revision
FROM room_documents
WHERE room_code = $1
ORDER BY editor_id`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Revision); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveDocument upserts the latest snapshot for one document. Idempotent.
func (s *Store) SaveDocument(ctx context.Context, code string, id int64, content string, revision int64) error {
	timer := prometheus.NewTimer(saveLatency)
	defer timer.ObserveDuration()

	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO room_documents (room_code, editor_id, content, revision, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (room_code, editor_id)
DO UPDATE SET content = EXCLUDED.content, revision = EXCLUDED.revision, updated_at = now()`,
			code, id, content, revision)
		return err
	})
	if err != nil {
		saveFailures.Inc()
	}
	return err
}

// CleanupRoom removes every row belonging to the room. Called on expiry and
// on an explicit close.
func (s *Store) CleanupRoom(ctx context.Context, code string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM room_documents WHERE room_code = $1`, code); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == s.maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
