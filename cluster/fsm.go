package cluster

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/hupe1980/chronos"
)

var _ raft.FSM = (*FSM)(nil)

// Response is returned through raft.ApplyFuture.Response for every command
// entry.
type Response struct {
	Result chronos.Result
	// Error is a node-local failure. Rejections are in Result.Err.
	Error error
}

// FSM adapts a chronos.DB to raft.FSM.
type FSM struct {
	db     *chronos.DB
	logger *chronos.Logger

	// onFatal is called with every apply error chronos.IsFatal accepts.
	onFatal func(error)
}

// NewFSM returns an FSM applying entries to db.
func NewFSM(db *chronos.DB) *FSM {
	return &FSM{db: db, logger: db.Logger()}
}

// Apply decodes the entry and applies it at the raft log index.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l.Type != raft.LogCommand {
		return nil
	}
	ctx := context.Background()
	res, err := f.db.ApplyEncoded(ctx, l.Data, l.Index)
	if err != nil {
		f.logger.ErrorContext(ctx, "raft entry not applied", "index", l.Index, "term", l.Term, "error", err)
		if f.onFatal != nil && chronos.IsFatal(err) {
			f.onFatal(err)
		}
	}
	return Response{Result: res, Error: err}
}

// Snapshot captures the DB. Serialization happens in Persist, which raft
// runs concurrently with later applies.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.db.BeginSnapshot()
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &fsmSnapshot{snap: snap, logger: f.logger}, nil
}

// Restore replaces the DB state with a snapshot sent by the leader or read
// from the local snapshot store at startup.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() {
		if err := rc.Close(); err != nil {
			f.logger.Error("restore snapshot: close reader", "error", err)
		}
	}()
	if err := f.db.InstallSnapshot(context.Background(), rc, 0); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

type fsmSnapshot struct {
	snap   *chronos.Snapshot
	logger *chronos.Logger
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	n, err := s.snap.WriteTo(sink)
	if err != nil {
		s.logger.Error("persist snapshot", "sink", sink.ID(), "error", err)
		_ = sink.Cancel()
		return fmt.Errorf("persist snapshot: %w", err)
	}
	s.logger.Info("snapshot persisted", "sink", sink.ID(), "position", s.snap.Position(), "bytes", n)
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
	_ = s.snap.Close()
}
