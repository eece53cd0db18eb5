package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// ActivityStore implements domain.ActivityStore using PostgreSQL. The
// searchable fields get columns; the whole entry is kept in a JSONB column
// so its kind-specific detail round-trips unchanged.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates an ActivityStore backed by the given pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// Append stores e at its sequence number. Appends are idempotent per
// (session, seq) and never modify an existing row.
func (s *ActivityStore) Append(ctx context.Context, sessionID string, e domain.ActivityEntry) error {
	detail, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: marshal activity entry: %w", err)
	}
	const query = `
		INSERT INTO activity_entries (
			session_id, seq, kind, status, tx_hash, message, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, seq) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		sessionID, e.Seq, string(e.Kind), string(e.Status), e.TxHash, e.Message, detail, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append activity %d of %s: %w", e.Seq, sessionID, err)
	}
	return nil
}

// ListBySession returns the full timeline of a session in append order,
// placeholders included.
func (s *ActivityStore) ListBySession(ctx context.Context, sessionID string) ([]domain.ActivityEntry, error) {
	const query = `SELECT detail FROM activity_entries WHERE session_id = $1 ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activity of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []domain.ActivityEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		var e domain.ActivityEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal activity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list activity rows: %w", err)
	}
	return out, nil
}

var _ domain.ActivityStore = (*ActivityStore)(nil)
