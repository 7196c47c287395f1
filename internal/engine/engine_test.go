package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/internal/snapshot"
	"github.com/hupe1980/chronos/model"
)

func testKey(i int) model.Key {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "key-%d", i))
}

func testVector(seed int) []float32 {
	rng := rand.New(rand.NewPCG(uint64(seed), 42))
	v := make([]float32, 16)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func openEngine(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithSnapshotThreshold(0),
		WithIndexParams(16, 100, 100),
		WithSnapshotCompression(snapshot.CompressionNone),
	}
	e, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func mustApply(t *testing.T, e *Engine, cmd command.Command, pos uint64) Result {
	t.Helper()
	res, err := e.Apply(cmd, pos)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	return res
}

// workload applies n inserts followed by updates and deletes on a subset.
func workload(t *testing.T, e *Engine, n int) uint64 {
	t.Helper()
	pos := e.LastApplied()
	for i := range n {
		pos++
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i), Payload: fmt.Appendf(nil, "v1-%d", i)}, pos)
	}
	for i := 0; i < n; i += 3 {
		pos++
		mustApply(t, e, command.Update{Key: testKey(i), Payload: fmt.Appendf(nil, "v2-%d", i)}, pos)
	}
	for i := 0; i < n; i += 5 {
		pos++
		mustApply(t, e, command.Update{Key: testKey(i), Vector: testVector(1000 + i)}, pos)
	}
	for i := 1; i < n; i += 7 {
		pos++
		mustApply(t, e, command.Delete{Key: testKey(i)}, pos)
	}
	return pos
}

func TestApplyLifecycle(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(1)
	res := mustApply(t, e, command.Insert{Key: k, Vector: []float32{1, 2, 3}, Payload: []byte("a")}, 1)
	require.NotNil(t, res.Record)
	assert.Equal(t, uint64(1), res.Record.ValidFrom)
	assert.Equal(t, model.OpenEnd, res.Record.ValidTo)
	assert.Len(t, res.Record.Vector, model.Dim)

	mustApply(t, e, command.Update{Key: k, Payload: []byte("b")}, 2)
	mustApply(t, e, command.Update{Key: k, Vector: []float32{4, 5, 6}, Payload: []byte("c")}, 3)

	rec, err := e.Get(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), rec.Payload)
	assert.Equal(t, float32(4), rec.Vector[0])
	assert.Equal(t, uint64(3), rec.TxTime)

	mustApply(t, e, command.Delete{Key: k}, 4)
	_, err = e.Get(k)
	require.ErrorIs(t, err, ErrNotFound)

	mustApply(t, e, command.Insert{Key: k, Vector: []float32{7}, Payload: []byte("d")}, 5)
	rec, err = e.Get(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), rec.Payload)

	hist, err := e.History(k)
	require.NoError(t, err)
	require.Len(t, hist, 5)
	for i, rec := range hist {
		assert.Equal(t, uint64(i+1), rec.TxTime)
		assert.Equal(t, uint64(i+1), rec.ValidFrom)
		if i+1 < len(hist) {
			assert.Equal(t, uint64(i+2), rec.ValidTo)
		}
	}
	assert.True(t, hist[3].Tombstone)
	assert.Equal(t, model.OpenEnd, hist[4].ValidTo)
	assert.Equal(t, uint64(5), e.LastApplied())
}

func TestApplyRejections(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(1)
	mustApply(t, e, command.Insert{Key: k, Vector: []float32{1}, ValidFrom: 100}, 1)

	tests := []struct {
		name string
		cmd  command.Command
		want error
	}{
		{"insert live key", command.Insert{Key: k, Vector: []float32{1}}, ErrKeyExists},
		{"update missing key", command.Update{Key: testKey(2)}, ErrNotFound},
		{"delete missing key", command.Delete{Key: testKey(2)}, ErrNotFound},
		{"empty vector", command.Insert{Key: testKey(3)}, ErrInvalidArgument},
		{"too many dimensions", command.Insert{Key: testKey(3), Vector: make([]float32, model.Dim+1)}, ErrInvalidArgument},
		{"valid time goes backwards", command.Update{Key: k, ValidFrom: 50}, ErrInvalidArgument},
		{"delete before valid time", command.Delete{Key: k, ValidFrom: 99}, ErrInvalidArgument},
		{"nan component", command.Insert{Key: testKey(3), Vector: []float32{1, float32(math.NaN())}}, ErrInvalidArgument},
		{"infinite update", command.Update{Key: k, Vector: []float32{float32(math.Inf(1))}}, ErrInvalidArgument},
	}
	pos := uint64(1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos++
			res, err := e.Apply(tt.cmd, pos)
			require.NoError(t, err)
			require.ErrorIs(t, res.Err, tt.want)
			assert.Equal(t, pos, e.LastApplied(), "rejected entries still advance the position")
		})
	}

	hist, err := e.History(k)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestApplySkipsAppliedPositions(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(1)
	mustApply(t, e, command.Insert{Key: k, Vector: []float32{1}}, 5)

	res, err := e.Apply(command.Update{Key: k, Payload: []byte("x")}, 5)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	res, err = e.Apply(command.Insert{Key: k, Vector: []float32{1}}, 3)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	rec, err := e.Get(k)
	require.NoError(t, err)
	assert.Empty(t, rec.Payload)
}

func TestApplyServesReadOnlyCommands(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(1)
	mustApply(t, e, command.Insert{Key: k, Vector: []float32{1, 0}, Payload: []byte("p")}, 1)

	res, err := e.Apply(command.Get{Key: k}, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, []byte("p"), res.Record.Payload)
	assert.Equal(t, uint64(1), e.LastApplied(), "reads do not advance the position")

	res, err = e.Apply(command.History{Key: k}, 2)
	require.NoError(t, err)
	assert.Len(t, res.History, 1)

	res, err = e.Apply(command.VectorSearch{Vector: []float32{1, 0}, K: 1}, 2)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, k, res.Candidates[0].Key)

	res, err = e.Apply(command.Get{Key: testKey(2)}, 2)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrNotFound)
}

func TestRejectsOversizedRecord(t *testing.T) {
	e := openEngine(t, t.TempDir(), WithSegmentCapacity(4096))
	defer e.Close()

	res, err := e.Apply(command.Insert{Key: testKey(1), Vector: []float32{1}, Payload: make([]byte, 8192)}, 1)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrInvalidArgument)
	assert.Equal(t, uint64(1), e.LastApplied())
}

func TestGetAsOf(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(1)
	mustApply(t, e, command.Insert{Key: k, Vector: []float32{1}, Payload: []byte("a"), ValidFrom: 100}, 1)
	mustApply(t, e, command.Update{Key: k, Payload: []byte("b"), ValidFrom: 200}, 2)
	mustApply(t, e, command.Delete{Key: k, ValidFrom: 300}, 3)

	tests := []struct {
		at   uint64
		want string
	}{
		{99, ""},
		{100, "a"},
		{199, "a"},
		{200, "b"},
		{299, "b"},
		{300, ""},
		{10_000, ""},
	}
	for _, tt := range tests {
		rec, err := e.GetAsOf(k, tt.at)
		if tt.want == "" {
			require.ErrorIs(t, err, ErrNotFound, "valid time %d", tt.at)
			continue
		}
		require.NoError(t, err, "valid time %d", tt.at)
		assert.Equal(t, tt.want, string(rec.Payload), "valid time %d", tt.at)
	}

	rec, err := e.GetAsOfTx(k, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", string(rec.Payload))
	rec, err = e.GetAsOfTx(k, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", string(rec.Payload))
	_, err = e.GetAsOfTx(k, 3)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetAsOfTx(testKey(9), 3)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	const n = 300
	for i := range n {
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i)}, uint64(i+1))
	}

	for _, target := range []int{0, 17, 123, 299} {
		hits, err := e.Search(testVector(target), 5)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, testKey(target), hits[0].Key)
		assert.InDelta(t, 0, hits[0].Distance, 1e-5)
		for i := 1; i < len(hits); i++ {
			assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
		}
	}

	mustApply(t, e, command.Delete{Key: testKey(17)}, n+1)
	hits, err := e.Search(testVector(17), 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, testKey(17), h.Key, "deleted keys are never returned")
	}

	_, err = e.Search(testVector(1), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.Search(nil, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecoveryReplaysSegments(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, WithSegmentCapacity(16<<10))
	last := workload(t, e, 60)
	wantSegments := len(e.Segments())
	require.Greater(t, wantSegments, 1)
	require.NoError(t, e.Close())

	// Without checkpoint and meta everything comes from the segments.
	require.NoError(t, os.Remove(filepath.Join(dir, snapshotFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, metaFile)))

	e = openEngine(t, dir, WithSegmentCapacity(16<<10))
	defer e.Close()
	assert.Equal(t, last, e.LastApplied())
	assertWorkloadState(t, e, 60)
}

func TestRecoveryFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	last := workload(t, e, 40)
	require.NoError(t, e.Checkpoint(context.Background()))

	mustApply(t, e, command.Insert{Key: testKey(1000), Vector: testVector(1000)}, last+1)
	mustApply(t, e, command.Update{Key: testKey(0), Payload: []byte("after")}, last+2)
	require.NoError(t, e.Close())

	e = openEngine(t, dir)
	defer e.Close()
	assert.Equal(t, last+2, e.LastApplied())
	rec, err := e.Get(testKey(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), rec.Payload)
	_, err = e.Get(testKey(1000))
	require.NoError(t, err)
}

func TestRecoveryIgnoresCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	last := workload(t, e, 30)
	require.NoError(t, e.Close())

	path := filepath.Join(dir, snapshotFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	e = openEngine(t, dir)
	defer e.Close()
	assert.Equal(t, last, e.LastApplied())
	assertWorkloadState(t, e, 30)
}

func TestCrashDiscardsPartialRecord(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, WithDurability(segment.DurabilityStrict))
	for i := range 100 {
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i)}, uint64(i+1))
	}
	active := e.store.Active()
	require.NoError(t, e.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, snapshotFile)))

	// A frame header announcing more bytes than were written.
	f, err := os.OpenFile(filepath.Join(dir, segmentsDir, segment.FileName(active)), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 0x09, 0x09})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openEngine(t, dir, WithDurability(segment.DurabilityStrict))
	defer e.Close()
	assert.Equal(t, uint64(100), e.LastApplied())
	assert.Equal(t, 100, e.Stats().LiveKeys)

	mustApply(t, e, command.Insert{Key: testKey(100), Vector: testVector(100)}, 101)
	_, err = e.Get(testKey(100))
	require.NoError(t, err)
}

func TestStorageFailureDoesNotAdvance(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(segment.FileName(1), fs.Fault{FailAfterBytes: segment.HeaderSize + 200, Err: fs.ErrInjected})

	e := openEngine(t, dir, WithFileSystem(ffs))
	defer e.Close()

	var err error
	pos := uint64(0)
	for err == nil && pos < 100 {
		pos++
		_, err = e.Apply(command.Insert{Key: testKey(int(pos)), Vector: testVector(int(pos))}, pos)
	}
	require.ErrorIs(t, err, ErrStorageIO)
	assert.Equal(t, pos-1, e.LastApplied())
}

func TestDeterminismViolationIsStickyUntilInstall(t *testing.T) {
	healthy := openEngine(t, t.TempDir())
	defer healthy.Close()
	broken := openEngine(t, t.TempDir())
	defer broken.Close()

	last := workload(t, healthy, 20)
	workload(t, broken, 10)

	broken.afterAppend = func(*model.Record) error { return errors.New("boom") }
	_, err := broken.Apply(command.Insert{Key: testKey(500), Vector: testVector(500)}, broken.LastApplied()+1)
	require.ErrorIs(t, err, ErrFailed)
	require.ErrorIs(t, err, ErrDeterminismViolation)
	broken.afterAppend = nil

	_, err = broken.Apply(command.Insert{Key: testKey(501), Vector: testVector(501)}, broken.LastApplied()+2)
	require.ErrorIs(t, err, ErrFailed)
	_, err = broken.Get(testKey(0))
	require.ErrorIs(t, err, ErrFailed)
	_, err = broken.Search(testVector(0), 1)
	require.ErrorIs(t, err, ErrFailed)
	assert.True(t, broken.Stats().Failed)

	h, err := healthy.BeginSnapshot()
	require.NoError(t, err)
	data, err := h.Bytes()
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, broken.InstallSnapshot(bytes.NewReader(data), last))
	assert.False(t, broken.Stats().Failed)
	assert.Equal(t, last, broken.LastApplied())
	assertWorkloadState(t, broken, 20)

	_, err = broken.Get(testKey(500))
	require.ErrorIs(t, err, ErrNotFound)
	mustApply(t, broken, command.Insert{Key: testKey(500), Vector: testVector(500)}, last+1)
}

func TestReplicasProduceIdenticalSnapshots(t *testing.T) {
	a := openEngine(t, t.TempDir(), WithSegmentCapacity(32<<10))
	defer a.Close()
	b := openEngine(t, t.TempDir(), WithSegmentCapacity(32<<10))
	defer b.Close()

	workload(t, a, 80)
	workload(t, b, 80)

	snap := func(e *Engine) []byte {
		h, err := e.BeginSnapshot()
		require.NoError(t, err)
		defer h.Close()
		data, err := h.Bytes()
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, snap(a), snap(b))
}

func TestSnapshotIsolatedFromLaterApplies(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	last := workload(t, e, 20)
	h, err := e.BeginSnapshot()
	require.NoError(t, err)
	defer h.Close()
	before, err := h.Bytes()
	require.NoError(t, err)

	mustApply(t, e, command.Update{Key: testKey(0), Payload: []byte("later")}, last+1)
	mustApply(t, e, command.Insert{Key: testKey(999), Vector: testVector(999)}, last+2)

	after, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, last, h.Position())

	require.NoError(t, h.Close())
	_, err = h.Bytes()
	require.ErrorIs(t, err, ErrClosed)
}

func TestInstallOnFreshNode(t *testing.T) {
	for _, c := range []snapshot.Compression{snapshot.CompressionNone, snapshot.CompressionLZ4, snapshot.CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			src := openEngine(t, t.TempDir(), WithSnapshotCompression(c))
			defer src.Close()
			last := workload(t, src, 50)

			h, err := src.BeginSnapshot()
			require.NoError(t, err)
			data, err := h.Bytes()
			require.NoError(t, err)
			require.NoError(t, h.Close())

			dir := t.TempDir()
			dst := openEngine(t, dir)
			require.NoError(t, dst.InstallSnapshot(bytes.NewReader(data), 0))
			assert.Equal(t, last, dst.LastApplied())
			assertWorkloadState(t, dst, 50)

			for i := range 50 {
				want, werr := src.Get(testKey(i))
				got, gerr := dst.Get(testKey(i))
				if werr != nil {
					require.ErrorIs(t, gerr, ErrNotFound)
					continue
				}
				require.NoError(t, gerr)
				assert.Equal(t, want.Payload, got.Payload)
				assert.Equal(t, want.Vector, got.Vector)
				assert.Equal(t, want.TxTime, got.TxTime)
			}

			// The install is checkpointed and survives a restart.
			require.NoError(t, dst.Close())
			dst = openEngine(t, dir)
			defer dst.Close()
			assert.Equal(t, last, dst.LastApplied())
			assertWorkloadState(t, dst, 50)
		})
	}
}

func TestInstallKeepsLocalHistory(t *testing.T) {
	src := openEngine(t, t.TempDir())
	defer src.Close()
	dst := openEngine(t, t.TempDir())
	defer dst.Close()

	k := testKey(1)
	mustApply(t, src, command.Insert{Key: k, Vector: []float32{1}, Payload: []byte("a")}, 1)
	mustApply(t, dst, command.Insert{Key: k, Vector: []float32{1}, Payload: []byte("a")}, 1)
	mustApply(t, src, command.Update{Key: k, Payload: []byte("b")}, 2)
	mustApply(t, src, command.Update{Key: k, Payload: []byte("c")}, 3)

	h, err := src.BeginSnapshot()
	require.NoError(t, err)
	data, err := h.Bytes()
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, dst.InstallSnapshot(bytes.NewReader(data), 3))
	hist, err := dst.History(k)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a", string(hist[0].Payload))
	assert.Equal(t, "c", string(hist[1].Payload))
	assert.Equal(t, hist[1].ValidFrom, hist[0].ValidTo)
}

func TestInstallModes(t *testing.T) {
	obs := &recordingObserver{}
	e := openEngine(t, t.TempDir(), WithMetricsObserver(obs))
	defer e.Close()

	last := workload(t, e, 20)
	h, err := e.BeginSnapshot()
	require.NoError(t, err)
	data, err := h.Bytes()
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, e.InstallSnapshot(bytes.NewReader(data), last))
	assert.Equal(t, installCurrent, obs.lastInstall)

	// Pretend the tail was never applied: the segments still hold every
	// snapshot record where the layout says.
	e.lastApplied.Store(last - 5)
	require.NoError(t, e.InstallSnapshot(bytes.NewReader(data), last))
	assert.Equal(t, installAdopt, obs.lastInstall)
	assert.Equal(t, last, e.LastApplied())
	assertWorkloadState(t, e, 20)

	err = e.InstallSnapshot(bytes.NewReader(data), last+1)
	require.ErrorIs(t, err, ErrSnapshotFormatMismatch)
}

func TestInstallRejectsIncompatibleSnapshot(t *testing.T) {
	src := openEngine(t, t.TempDir(), WithIndexParams(32, 100, 100))
	defer src.Close()
	workload(t, src, 5)
	h, err := src.BeginSnapshot()
	require.NoError(t, err)
	data, err := h.Bytes()
	require.NoError(t, err)
	require.NoError(t, h.Close())

	dst := openEngine(t, t.TempDir())
	defer dst.Close()
	err = dst.InstallSnapshot(bytes.NewReader(data), 0)
	require.ErrorIs(t, err, ErrSnapshotFormatMismatch)

	err = dst.InstallSnapshot(bytes.NewReader([]byte("not a snapshot")), 0)
	require.ErrorIs(t, err, ErrSnapshotFormatMismatch)
	assert.Equal(t, uint64(0), dst.LastApplied())
}

func TestCompactKeepsNewestVersions(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, WithSegmentCapacity(8<<10))

	k := testKey(1)
	mustApply(t, e, command.Insert{Key: k, Vector: []float32{1}, Payload: []byte("v0")}, 1)
	pos := uint64(1)
	for i := 1; i <= 6; i++ {
		pos++
		mustApply(t, e, command.Update{Key: k, Payload: fmt.Appendf(nil, "v%d", i)}, pos)
	}
	for i := 2; i < 40; i++ {
		pos++
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i)}, pos)
	}
	pos++
	mustApply(t, e, command.Delete{Key: testKey(2)}, pos)
	oldFirst := e.Segments()[0].ID

	require.NoError(t, e.Compact(context.Background(), 2))

	hist, err := e.History(k)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "v5", string(hist[0].Payload))
	assert.Equal(t, "v6", string(hist[1].Payload))
	assert.Greater(t, e.Segments()[0].ID, oldFirst, "superseded segments are removed")
	_, err = e.Get(testKey(2))
	require.ErrorIs(t, err, ErrNotFound)

	hits, err := e.Search(testVector(20), 1)
	require.NoError(t, err)
	assert.Equal(t, testKey(20), hits[0].Key)

	pos++
	mustApply(t, e, command.Update{Key: k, Payload: []byte("v7")}, pos)
	require.NoError(t, e.Close())

	e = openEngine(t, dir, WithSegmentCapacity(8<<10))
	defer e.Close()
	assert.Equal(t, pos, e.LastApplied())
	hist, err = e.History(k)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "v7", string(hist[2].Payload))

	rep, err := e.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())

	require.ErrorIs(t, e.Compact(context.Background(), 0), ErrInvalidArgument)
}

func TestVerifyFlagsMissingIndexEntries(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()
	workload(t, e, 30)

	rep, err := e.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, rep.LiveKeys, rep.IndexedKeys)

	lost := testKey(9)
	require.NoError(t, e.index.Load().Remove(lost))

	rep, err = e.Verify(context.Background())
	require.ErrorIs(t, err, ErrIndexInconsistency)
	assert.Equal(t, []model.Key{lost}, rep.MissingFromIndex)
	assert.Equal(t, 1, e.Stats().PendingRepairs)

	// Flagged keys are scored exactly until re-indexed.
	hits, err := e.Search(testVector(9), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, lost, hits[0].Key)

	mustApply(t, e, command.Update{Key: lost, Payload: []byte("reindex")}, e.LastApplied()+1)
	assert.Equal(t, 0, e.Stats().PendingRepairs)
	_, err = e.Verify(context.Background())
	require.NoError(t, err)
}

func TestBackgroundCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithSnapshotThreshold(10), WithIndexParams(16, 100, 100))
	require.NoError(t, err)
	defer e.Close()

	for i := range 25 {
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i)}, uint64(i+1))
	}
	require.Eventually(t, func() bool {
		m, err := readMeta(fs.Default, dir)
		return err == nil && m.SnapshotPos >= 10
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClosedEngine(t *testing.T) {
	e := openEngine(t, t.TempDir())
	require.NoError(t, e.Close())
	require.ErrorIs(t, e.Close(), ErrClosed)

	_, err := e.Apply(command.Insert{Key: testKey(1), Vector: []float32{1}}, 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.Get(testKey(1))
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.BeginSnapshot()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.InstallSnapshot(bytes.NewReader(nil), 0), ErrClosed)
}

// assertWorkloadState checks the latest versions left by workload(n).
func assertWorkloadState(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := range n {
		rec, err := e.Get(testKey(i))
		if i%7 == 1 {
			require.ErrorIs(t, err, ErrNotFound, "key %d", i)
			continue
		}
		require.NoError(t, err, "key %d", i)
		want := fmt.Sprintf("v1-%d", i)
		if i%3 == 0 {
			want = fmt.Sprintf("v2-%d", i)
		}
		if i%5 == 0 {
			want = ""
		}
		assert.Equal(t, want, string(rec.Payload), "key %d", i)
		vec := testVector(i)
		if i%5 == 0 {
			vec = testVector(1000 + i)
		}
		assert.Equal(t, vec[0], rec.Vector[0], "key %d", i)
	}
	hits, err := e.Search(testVector(2), 1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, testKey(2), hits[0].Key)
}

type recordingObserver struct {
	NoopMetricsObserver
	lastInstall string
}

func (o *recordingObserver) OnInstall(mode string, _ time.Duration, err error) {
	if err == nil {
		o.lastInstall = mode
	}
}

func TestReplayMatchesSnapshotBytes(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, WithSegmentCapacity(16<<10))
	workload(t, e, 50)
	h, err := e.BeginSnapshot()
	require.NoError(t, err)
	want, err := h.Bytes()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, e.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, snapshotFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, metaFile)))

	e = openEngine(t, dir, WithSegmentCapacity(16<<10))
	defer e.Close()
	h, err = e.BeginSnapshot()
	require.NoError(t, err)
	defer h.Close()
	got, err := h.Bytes()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHistoryOnlyGrows(t *testing.T) {
	e := openEngine(t, t.TempDir())
	defer e.Close()

	k := testKey(7)
	var prev []model.Record
	for pos := uint64(1); pos <= 12; pos++ {
		var cmd command.Command
		switch {
		case pos == 1 || pos%4 == 1:
			cmd = command.Insert{Key: k, Vector: testVector(int(pos)), Payload: fmt.Appendf(nil, "%d", pos)}
		case pos%4 == 0:
			cmd = command.Delete{Key: k}
		default:
			cmd = command.Update{Key: k, Payload: fmt.Appendf(nil, "%d", pos)}
		}
		mustApply(t, e, cmd, pos)

		hist, err := e.History(k)
		require.NoError(t, err)
		require.Len(t, hist, len(prev)+1)
		for i := range prev {
			assert.Equal(t, prev[i].TxTime, hist[i].TxTime)
			assert.Equal(t, prev[i].ValidFrom, hist[i].ValidFrom)
			assert.Equal(t, prev[i].Payload, hist[i].Payload)
			assert.Equal(t, prev[i].Tombstone, hist[i].Tombstone)
		}
		assert.Equal(t, pos, hist[len(hist)-1].TxTime)
		prev = hist
	}
}

func TestSegmentRecordsCountsAppends(t *testing.T) {
	e := openEngine(t, t.TempDir(), WithSegmentCapacity(16<<10))
	defer e.Close()
	last := workload(t, e, 40)

	total := 0
	for _, info := range e.Segments() {
		n, err := e.SegmentRecords(info.ID)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, int(last), total)
}

func TestNonFiniteVectorIsRejectedDeterministically(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	bad := testVector(0)
	bad[3] = float32(math.NaN())
	res, err := e.Apply(command.Insert{Key: testKey(0), Vector: bad}, 1)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrInvalidArgument)
	var ce *model.ComponentError
	require.ErrorAs(t, res.Err, &ce)
	assert.Equal(t, 3, ce.Index)

	for i := 1; i <= 40; i++ {
		mustApply(t, e, command.Insert{Key: testKey(i), Vector: testVector(i)}, uint64(i+1))
	}
	_, err = e.Get(testKey(0))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.Search([]float32{float32(math.Inf(-1))}, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.NoError(t, e.Close())

	e = openEngine(t, dir)
	defer e.Close()
	assert.Equal(t, uint64(41), e.LastApplied())
	assert.Equal(t, 40, e.Stats().LiveKeys)
}
