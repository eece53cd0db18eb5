package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// SessionChannel is the pub/sub channel carrying live session views.
const SessionChannel = "ch:session"

// SnapshotKey is the cache key of the latest view of an account's session.
func SnapshotKey(account string) string { return "session:" + account }

// JournalDeps are the optional sinks of a Journal; nil members are skipped.
type JournalDeps struct {
	Sessions   domain.SessionStore
	Iterations domain.IterationStore
	Activity   domain.ActivityStore
	Bus        domain.SignalBus
	Snapshots  domain.SnapshotCache
	Archiver   domain.Archiver
}

type journalKind int

const (
	opCreateSession journalKind = iota
	opUpdateSession
	opIteration
	opActivity
	opArchive
)

type journalOp struct {
	kind      journalKind
	session   domain.LoopSession
	iteration domain.LoopIteration
	entry     domain.ActivityEntry
	archive   domain.SessionArchive
}

// sessionID names the session an op writes to.
func (op journalOp) sessionID() string {
	if op.kind == opArchive {
		return op.archive.Session.ID
	}
	return op.session.ID
}

type viewOp struct {
	key     string
	payload []byte
}

// Journal writes session changes to storage and fans views out in the
// background, so the session writer never blocks on I/O. Records are written
// in submission order; only the newest pending view is published.
type Journal struct {
	deps   JournalDeps
	mu     sync.Mutex
	queue  []journalOp
	view   *viewOp
	wake   chan struct{}
	logger *slog.Logger
}

// NewJournal creates a Journal.
func NewJournal(deps JournalDeps, logger *slog.Logger) *Journal {
	return &Journal{
		deps:   deps,
		wake:   make(chan struct{}, 1),
		logger: logger.With(slog.String("component", "journal")),
	}
}

func (j *Journal) push(op journalOp) {
	j.mu.Lock()
	j.queue = append(j.queue, op)
	j.mu.Unlock()
	j.signal()
}

func (j *Journal) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// CreateSession records a new session.
func (j *Journal) CreateSession(s domain.LoopSession) { j.push(journalOp{kind: opCreateSession, session: s}) }

// UpdateSession records a status change.
func (j *Journal) UpdateSession(s domain.LoopSession) { j.push(journalOp{kind: opUpdateSession, session: s}) }

// InsertIteration records an observed iteration.
func (j *Journal) InsertIteration(sessionID string, it domain.LoopIteration) {
	j.push(journalOp{kind: opIteration, session: domain.LoopSession{ID: sessionID}, iteration: it})
}

// AppendActivity records a timeline entry.
func (j *Journal) AppendActivity(sessionID string, e domain.ActivityEntry) {
	j.push(journalOp{kind: opActivity, session: domain.LoopSession{ID: sessionID}, entry: e})
}

// Archive moves a finished session to cold storage.
func (j *Journal) Archive(a domain.SessionArchive) { j.push(journalOp{kind: opArchive, archive: a}) }

// PublishView replaces the pending view for key.
func (j *Journal) PublishView(key string, payload []byte) {
	j.mu.Lock()
	j.view = &viewOp{key: key, payload: payload}
	j.mu.Unlock()
	j.signal()
}

// Run drains the queue until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.drain(flushCtx)
			cancel()
			return ctx.Err()
		case <-j.wake:
			j.drain(ctx)
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	for {
		j.mu.Lock()
		ops := j.queue
		view := j.view
		j.queue = nil
		j.view = nil
		j.mu.Unlock()
		if len(ops) == 0 && view == nil {
			return
		}
		for _, op := range ops {
			j.apply(ctx, op)
		}
		if view != nil {
			j.publish(ctx, view)
		}
	}
}

func (j *Journal) apply(ctx context.Context, op journalOp) {
	var err error
	switch op.kind {
	case opCreateSession:
		if j.deps.Sessions != nil {
			err = j.deps.Sessions.Create(ctx, op.session)
		}
	case opUpdateSession:
		if j.deps.Sessions != nil {
			err = j.deps.Sessions.Update(ctx, op.session)
		}
	case opIteration:
		if j.deps.Iterations != nil {
			err = j.deps.Iterations.Insert(ctx, op.session.ID, op.iteration)
		}
	case opActivity:
		if j.deps.Activity != nil {
			err = j.deps.Activity.Append(ctx, op.session.ID, op.entry)
		}
	case opArchive:
		if j.deps.Archiver != nil {
			var path string
			path, err = j.deps.Archiver.ArchiveSession(ctx, op.archive)
			if err == nil {
				j.logger.InfoContext(ctx, "session archived",
					slog.String("session_id", op.archive.Session.ID),
					slog.String("path", path),
				)
			}
		}
	}
	if err != nil {
		j.logger.ErrorContext(ctx, "journal write failed",
			slog.Int("op", int(op.kind)),
			slog.String("session_id", op.sessionID()),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) publish(ctx context.Context, v *viewOp) {
	if j.deps.Snapshots != nil {
		if err := j.deps.Snapshots.SetSnapshot(ctx, v.key, v.payload); err != nil {
			j.logger.WarnContext(ctx, "snapshot cache write failed", slog.String("error", err.Error()))
		}
	}
	if j.deps.Bus != nil {
		if err := j.deps.Bus.Publish(ctx, SessionChannel, v.payload); err != nil {
			j.logger.WarnContext(ctx, "session publish failed", slog.String("error", err.Error()))
		}
	}
}
