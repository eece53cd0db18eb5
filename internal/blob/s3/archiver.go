package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// multipartThreshold is the archive size above which uploads go through the
// multipart manager.
const multipartThreshold = minPartSize

// Archiver implements domain.Archiver and domain.ArchiveReader. Each finished
// session becomes one JSON object at sessions/<owner>/<id>.json holding its
// record, final position, iterations and full timeline.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, audit: audit, now: time.Now}
}

// ArchiveSession uploads a and returns the object path.
func (a *Archiver) ArchiveSession(ctx context.Context, s domain.SessionArchive) (string, error) {
	if s.ArchivedAt.IsZero() {
		s.ArchivedAt = a.now().UTC()
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive session marshal: %w", err)
	}

	path := sessionPath(s.Session.Owner, s.Session.ID)
	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive session %s: %w", s.Session.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.session", map[string]any{
			"path":       path,
			"session_id": s.Session.ID,
			"entries":    len(s.Timeline),
			"iterations": len(s.Iterations),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive session audit log: %w", err)
		}
	}
	return path, nil
}

// LoadSession reads an archived session of owner back. It returns an error
// wrapping domain.ErrNotFound when no archive exists.
func (a *Archiver) LoadSession(ctx context.Context, owner common.Address, id string) (domain.SessionArchive, error) {
	if strings.ContainsAny(id, "/.") {
		return domain.SessionArchive{}, domain.ErrNotFound
	}
	body, err := a.reader.Get(ctx, sessionPath(owner, id))
	if err != nil {
		return domain.SessionArchive{}, err
	}
	defer body.Close()

	var out domain.SessionArchive
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return domain.SessionArchive{}, fmt.Errorf("s3blob: decode archive %s: %w", id, err)
	}
	return out, nil
}

// ListSessions returns the archived session ids of owner.
func (a *Archiver) ListSessions(ctx context.Context, owner common.Address) ([]string, error) {
	prefix := "sessions/" + strings.ToLower(owner.Hex()) + "/"
	infos, err := a.reader.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		name := strings.TrimPrefix(info.Path, prefix)
		if id, ok := strings.CutSuffix(name, ".json"); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// sessionPath is the object key of an archived session. Owners are
// lower-cased so lookups do not depend on checksum casing.
//
//	sessions/0xabc.../3f0c....json
func sessionPath(owner common.Address, id string) string {
	return fmt.Sprintf("sessions/%s/%s.json", strings.ToLower(owner.Hex()), id)
}

var (
	_ domain.Archiver      = (*Archiver)(nil)
	_ domain.ArchiveReader = (*Archiver)(nil)
)
