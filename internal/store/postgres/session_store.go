package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionSelectCols = `id, owner, account, caller, start_block, status,
	stop_reason, created_at, updated_at, closed_at`

func scanSession(row pgx.Row) (domain.LoopSession, error) {
	var (
		s                      domain.LoopSession
		owner, account, caller string
		status, stopReason     string
		startBlock             int64
	)
	if err := row.Scan(
		&s.ID, &owner, &account, &caller, &startBlock, &status,
		&stopReason, &s.CreatedAt, &s.UpdatedAt, &s.ClosedAt,
	); err != nil {
		return domain.LoopSession{}, err
	}
	s.Owner = common.HexToAddress(owner)
	s.Account = common.HexToAddress(account)
	s.Caller = common.HexToAddress(caller)
	s.StartBlock = uint64(startBlock)
	s.Status = domain.SessionStatus(status)
	s.StopReason = domain.StopReason(stopReason)
	return s, nil
}

// Create inserts a new session. It returns domain.ErrAlreadyExists when the
// id is taken.
func (s *SessionStore) Create(ctx context.Context, sess domain.LoopSession) error {
	const query = `
		INSERT INTO loop_sessions (
			id, owner, account, caller, start_block, status,
			stop_reason, created_at, updated_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.Owner.Hex(), sess.Account.Hex(), sess.Caller.Hex(),
		int64(sess.StartBlock), string(sess.Status), string(sess.StopReason),
		sess.CreatedAt, sess.UpdatedAt, sess.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of a session.
func (s *SessionStore) Update(ctx context.Context, sess domain.LoopSession) error {
	const query = `
		UPDATE loop_sessions
		SET status = $2, stop_reason = $3, updated_at = $4, closed_at = $5
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		sess.ID, string(sess.Status), string(sess.StopReason), sess.UpdatedAt, sess.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one session or domain.ErrNotFound.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.LoopSession, error) {
	query := `SELECT ` + sessionSelectCols + ` FROM loop_sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LoopSession{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LoopSession{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

// List returns the sessions of owner, newest first.
func (s *SessionStore) List(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.LoopSession, error) {
	query, args := listQuery(
		`SELECT `+sessionSelectCols+` FROM loop_sessions WHERE owner = $1`,
		[]any{owner.Hex()}, opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.LoopSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions rows: %w", err)
	}
	return out, nil
}

var _ domain.SessionStore = (*SessionStore)(nil)
