package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// IterationStore implements domain.IterationStore using PostgreSQL. Amounts
// are stored as NUMERIC(78), wide enough for any uint256.
type IterationStore struct {
	pool *pgxpool.Pool
}

// NewIterationStore creates an IterationStore backed by the given pool.
func NewIterationStore(pool *pgxpool.Pool) *IterationStore {
	return &IterationStore{pool: pool}
}

// Insert records an iteration. Re-inserting the same iteration id is a no-op,
// so replayed events never duplicate rows.
func (s *IterationStore) Insert(ctx context.Context, sessionID string, it domain.LoopIteration) error {
	const query = `
		INSERT INTO loop_iterations (
			session_id, iteration_id, borrowed, supplied, resulting_ltv_bps,
			tx_hash, block_number, log_index, observed_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, iteration_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		sessionID, int64(it.IterationID), bigString(it.Borrowed), bigString(it.Supplied),
		it.ResultingLTVBps, it.TxHash.Hex(), int64(it.Block), int32(it.LogIndex), it.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert iteration %d of %s: %w", it.IterationID, sessionID, err)
	}
	return nil
}

// ListBySession returns the iterations of a session in iteration order.
func (s *IterationStore) ListBySession(ctx context.Context, sessionID string) ([]domain.LoopIteration, error) {
	const query = `
		SELECT iteration_id, borrowed::text, supplied::text, resulting_ltv_bps,
			tx_hash, block_number, log_index, observed_at
		FROM loop_iterations WHERE session_id = $1 ORDER BY iteration_id`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list iterations of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []domain.LoopIteration
	for rows.Next() {
		var (
			it                 domain.LoopIteration
			id, block          int64
			logIndex           int32
			borrowed, supplied string
			txHash             string
		)
		if err := rows.Scan(&id, &borrowed, &supplied, &it.ResultingLTVBps,
			&txHash, &block, &logIndex, &it.ObservedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan iteration: %w", err)
		}
		it.IterationID = uint64(id)
		it.Block = uint64(block)
		it.LogIndex = uint(logIndex)
		it.TxHash = common.HexToHash(txHash)
		if it.Borrowed, err = parseBig(borrowed); err != nil {
			return nil, err
		}
		if it.Supplied, err = parseBig(supplied); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list iterations rows: %w", err)
	}
	return out, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: parse numeric %q", s)
	}
	return v, nil
}

var _ domain.IterationStore = (*IterationStore)(nil)
