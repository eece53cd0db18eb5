package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SessionStore persists loop sessions.
type SessionStore interface {
	Create(ctx context.Context, s LoopSession) error
	Update(ctx context.Context, s LoopSession) error
	GetByID(ctx context.Context, id string) (LoopSession, error)
	List(ctx context.Context, owner common.Address, opts ListOpts) ([]LoopSession, error)
}

// IterationStore persists observed loop iterations.
type IterationStore interface {
	Insert(ctx context.Context, sessionID string, it LoopIteration) error
	ListBySession(ctx context.Context, sessionID string) ([]LoopIteration, error)
}

// ActivityStore persists the append-only activity log of a session.
type ActivityStore interface {
	Append(ctx context.Context, sessionID string, e ActivityEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]ActivityEntry, error)
}

// AuditStore persists an append-only audit log. Rows are read by operators
// with SQL, never by the engine.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
