package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// AuditStore appends to audit_log. Every broadcast transaction, its outcome
// and every archived session land here.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log writes one row; pgx encodes detail as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detail); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
