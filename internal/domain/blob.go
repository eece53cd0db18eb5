package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// SessionArchive is the cold-storage record of a finished session.
type SessionArchive struct {
	Session    LoopSession     `json:"session"`
	Position   Position        `json:"position"`
	Iterations []LoopIteration `json:"iterations"`
	Timeline   []ActivityEntry `json:"timeline"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// Archiver moves finished sessions to cold storage and returns the object path.
type Archiver interface {
	ArchiveSession(ctx context.Context, a SessionArchive) (string, error)
}

// ArchiveReader loads archived sessions back for history queries.
type ArchiveReader interface {
	LoadSession(ctx context.Context, owner common.Address, id string) (SessionArchive, error)
	ListSessions(ctx context.Context, owner common.Address) ([]string, error)
}
