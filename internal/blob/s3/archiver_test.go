package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

var owner = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

func TestArchiveSessionRoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	audit := &memAudit{}
	a := NewArchiver(blobs, blobs, audit)
	ctx := context.Background()

	path, err := a.ArchiveSession(ctx, domain.SessionArchive{
		Session:  domain.LoopSession{ID: "abc", Owner: owner, Status: domain.SessionClosed},
		Timeline: []domain.ActivityEntry{{Seq: 1, Kind: domain.ActivityDeposit}, {Seq: 2, Kind: domain.ActivityClose}},
	})
	require.NoError(t, err)
	require.Equal(t, "sessions/0x2c7536e3605d9c16a7a3d7b1898e529396a65c23/abc.json", path)
	require.Equal(t, []string{"archive.session"}, audit.events)
	require.Zero(t, blobs.multipart)

	got, err := a.LoadSession(ctx, owner, "abc")
	require.NoError(t, err)
	require.Equal(t, domain.SessionClosed, got.Session.Status)
	require.Len(t, got.Timeline, 2)
	require.False(t, got.ArchivedAt.IsZero())

	ids, err := a.ListSessions(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, ids)
}

func TestLoadSessionRejectsPathsAndMissing(t *testing.T) {
	a := NewArchiver(newMemBlobs(), newMemBlobs(), nil)
	_, err := a.LoadSession(context.Background(), owner, "../x")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = a.LoadSession(context.Background(), owner, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLargeArchiveUsesMultipart(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, nil)
	entries := make([]domain.ActivityEntry, 0, 60000)
	for i := 0; i < 60000; i++ {
		entries = append(entries, domain.ActivityEntry{Seq: i + 1, Kind: domain.ActivityWaiting, Message: "Waiting for automation"})
	}
	_, err := a.ArchiveSession(context.Background(), domain.SessionArchive{
		Session:  domain.LoopSession{ID: "big", Owner: owner},
		Timeline: entries,
	})
	require.NoError(t, err)
	require.Equal(t, 1, blobs.multipart)
}

func TestEndpointURL(t *testing.T) {
	require.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	require.Equal(t, "https://e2.example.com", endpointURL("e2.example.com", true))
	require.Equal(t, "http://127.0.0.1:9000", endpointURL("127.0.0.1:9000", false))
	require.Equal(t, "http://already", endpointURL("http://already", true))
}
