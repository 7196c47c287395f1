package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/internal/snapshot"
)

const (
	snapshotPrefix = "snapshot-"
	snapshotSuffix = ".bin"
)

// SnapshotName returns the blob name of the snapshot at pos. Names sort by
// position.
func SnapshotName(pos uint64) string {
	return fmt.Sprintf("%s%020d%s", snapshotPrefix, pos, snapshotSuffix)
}

// ParseSnapshotName returns the position encoded in a snapshot blob name.
func ParseSnapshotName(name string) (uint64, bool) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	s, ok := strings.CutPrefix(name, snapshotPrefix)
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, snapshotSuffix)
	if !ok {
		return 0, false
	}
	pos, err := strconv.ParseUint(s, 10, 64)
	return pos, err == nil
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithLogger sets the logger. If nil, chronos.NoopLogger is used.
func WithLogger(l *chronos.Logger) ArchiveOption {
	return func(a *Archive) {
		a.logger = l
	}
}

// WithBackoff sets the retry policy factory used by Fetch.
func WithBackoff(fn func() backoff.BackOff) ArchiveOption {
	return func(a *Archive) {
		a.newBackoff = fn
	}
}

// Archive stores and retrieves snapshots in a BlobStore.
type Archive struct {
	store      BlobStore
	prefix     string
	logger     *chronos.Logger
	newBackoff func() backoff.BackOff
}

// NewArchive returns an Archive keeping snapshots under prefix in store.
func NewArchive(store BlobStore, prefix string, optFns ...ArchiveOption) *Archive {
	a := &Archive{
		store:  store,
		prefix: prefix,
		newBackoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 100 * time.Millisecond
			eb.MaxElapsedTime = 30 * time.Second
			return eb
		},
	}
	for _, fn := range optFns {
		fn(a)
	}
	if a.logger == nil {
		a.logger = chronos.NoopLogger()
	}
	return a
}

func (a *Archive) name(pos uint64) string {
	if a.prefix == "" {
		return SnapshotName(pos)
	}
	return strings.TrimSuffix(a.prefix, "/") + "/" + SnapshotName(pos)
}

// Upload captures a snapshot of db and streams it into the store. It
// returns the blob name and the snapshot position.
func (a *Archive) Upload(ctx context.Context, db *chronos.DB) (string, uint64, error) {
	snap, err := db.BeginSnapshot()
	if err != nil {
		return "", 0, err
	}
	defer snap.Close()

	pos := snap.Position()
	name := a.name(pos)
	start := time.Now()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := snap.WriteTo(pw)
		_ = pw.CloseWithError(err)
	}()

	err = a.store.Put(ctx, name, pr, -1)
	_ = pr.CloseWithError(err)
	<-done
	if err != nil {
		a.logger.ErrorContext(ctx, "snapshot upload failed", "name", name, "error", err)
		return "", 0, fmt.Errorf("upload %s: %w", name, err)
	}
	a.logger.InfoContext(ctx, "snapshot uploaded", "name", name, "position", pos, "duration", time.Since(start))
	return name, pos, nil
}

// Snapshots returns the archived snapshot names, oldest first.
func (a *Archive) Snapshots(ctx context.Context) ([]string, error) {
	names, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if _, ok := ParseSnapshotName(name); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Latest returns the name of the newest archived snapshot.
func (a *Archive) Latest(ctx context.Context) (string, error) {
	names, err := a.Snapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// Fetch downloads a snapshot and verifies its format and checksum. Failed
// downloads and blobs that fail verification are retried with exponential
// backoff, since a peer may still be writing the blob. A missing blob is
// not retried.
func (a *Archive) Fetch(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	attempt := 0
	op := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		b, err := a.download(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			a.logger.WarnContext(ctx, "snapshot fetch failed", "name", name, "attempt", attempt, "error", err)
			return err
		}
		data = b
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(a.newBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return data, nil
}

func (a *Archive) download(ctx context.Context, name string) ([]byte, error) {
	rc, err := a.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if _, err := verify(data); err != nil {
		return nil, err
	}
	return data, nil
}

// verify checks the snapshot framing and returns its position.
func verify(data []byte) (uint64, error) {
	r, err := snapshot.NewReaderBytes(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", chronos.ErrSnapshotFormatMismatch, err)
	}
	h, err := r.Header()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", chronos.ErrSnapshotFormatMismatch, err)
	}
	return h.Position, nil
}

// Restore fetches the named snapshot, or the latest one when name is
// empty, and installs it into db.
func (a *Archive) Restore(ctx context.Context, db *chronos.DB, name string) (uint64, error) {
	if name == "" {
		latest, err := a.Latest(ctx)
		if err != nil {
			return 0, err
		}
		name = latest
	}
	data, err := a.Fetch(ctx, name)
	if err != nil {
		return 0, err
	}
	pos, err := verify(data)
	if err != nil {
		return 0, err
	}
	if err := db.InstallSnapshot(ctx, bytes.NewReader(data), pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// Prune deletes all but the newest keep snapshots.
func (a *Archive) Prune(ctx context.Context, keep int) (int, error) {
	names, err := a.Snapshots(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	n := 0
	for _, name := range names[:max(0, len(names)-keep)] {
		if err := a.store.Delete(ctx, name); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
