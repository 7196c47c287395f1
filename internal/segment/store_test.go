package segment

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos/internal/cache"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/model"
)

func testBody(tx uint64) []byte {
	rec := model.Record{
		Key:       uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(tx), byte(tx >> 8)}),
		Vector:    []float32{float32(tx), 1, 2, 3},
		Payload:   []byte("payload"),
		ValidFrom: tx,
		ValidTo:   model.OpenEnd,
		TxTime:    tx,
	}
	return EncodeRecord(nil, &rec, true)
}

func frameSize() int64 {
	return int64(FrameHeaderSize + len(testBody(1)))
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, opts)
	require.NoError(t, err)
	return s
}

func TestAppendReadIterate(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})
	defer s.Close()

	var locs []model.Location
	for tx := uint64(1); tx <= 10; tx++ {
		loc, err := s.Append(tx, testBody(tx))
		require.NoError(t, err)
		locs = append(locs, loc)
	}

	assert.Equal(t, uint32(HeaderSize), locs[0].Offset)
	for i, loc := range locs {
		body, err := s.Read(loc)
		require.NoError(t, err)
		assert.Equal(t, testBody(uint64(i+1)), body)
	}

	n := 0
	for item, err := range s.Iterate(1) {
		require.NoError(t, err)
		assert.Equal(t, locs[n], item.Loc)
		_, tx, _ := PeekKeyTx(item.Body)
		assert.Equal(t, uint64(n+1), tx)
		n++
	}
	assert.Equal(t, 10, n)
}

func TestSealOnCapacity(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var sealed []model.SegmentID

	capacity := HeaderSize + 3*frameSize()
	s := openStore(t, dir, Options{
		Capacity: capacity,
		OnSeal: func(id model.SegmentID) {
			mu.Lock()
			sealed = append(sealed, id)
			mu.Unlock()
		},
	})

	var locs []model.Location
	for tx := uint64(1); tx <= 10; tx++ {
		loc, err := s.Append(tx, testBody(tx))
		require.NoError(t, err)
		locs = append(locs, loc)
	}

	infos := s.Segments()
	require.Len(t, infos, 4)
	assert.Equal(t, []model.SegmentID{1, 2, 3}, sealed)
	for i, info := range infos {
		assert.Equal(t, model.SegmentID(i+1), info.ID)
		assert.Equal(t, uint64(i+1), info.Seq)
		assert.Equal(t, i < 3, info.Sealed)
		assert.LessOrEqual(t, info.Size, capacity)
	}
	assert.Equal(t, uint64(4), infos[1].BaseTx)
	assert.Equal(t, model.SegmentID(4), s.Active())

	for i, loc := range locs {
		body, err := s.Read(loc)
		require.NoError(t, err)
		assert.Equal(t, testBody(uint64(i+1)), body)
	}
	require.NoError(t, s.Close())

	// reopen maps sealed segments and keeps the last one open
	s = openStore(t, dir, Options{Capacity: capacity})
	defer s.Close()
	for i, loc := range locs {
		body, err := s.Read(loc)
		require.NoError(t, err)
		assert.Equal(t, testBody(uint64(i+1)), body)
	}
	loc, err := s.Append(11, testBody(11))
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(4), loc.Segment)
}

func TestRecordTooLarge(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{Capacity: 1024})
	defer s.Close()

	_, err := s.Append(1, make([]byte, 2048))
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.Equal(t, 1024-HeaderSize-FrameHeaderSize, s.MaxRecordSize())
}

// Strict mode: 100 records are durable, the 101st is torn by a crash
// in the middle of its write.
func TestCrashRecoveryDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(FileName(1), fs.Fault{
		FailAfterBytes: HeaderSize + 100*frameSize() + frameSize()/2,
		TornWrite:      true,
	})

	s := openStore(t, dir, Options{Durability: DurabilityStrict, FS: ffs})
	var locs []model.Location
	for tx := uint64(1); tx <= 100; tx++ {
		loc, err := s.Append(tx, testBody(tx))
		require.NoError(t, err)
		locs = append(locs, loc)
	}

	_, err := s.Append(101, testBody(101))
	require.ErrorIs(t, err, ErrStorageIO)

	// sticky: the store refuses further writes
	_, err = s.Append(102, testBody(102))
	require.ErrorIs(t, err, ErrStorageIO)
	_ = s.Close()

	st, err := os.Stat(filepath.Join(dir, FileName(1)))
	require.NoError(t, err)
	require.Greater(t, st.Size(), HeaderSize+100*frameSize(), "torn bytes should be on disk")

	s = openStore(t, dir, Options{Durability: DurabilityStrict})
	defer s.Close()

	size, ok := s.Size(1)
	require.True(t, ok)
	assert.Equal(t, HeaderSize+100*frameSize(), size)

	count := 0
	for item, err := range s.Iterate(1) {
		require.NoError(t, err)
		assert.Equal(t, locs[count], item.Loc)
		count++
	}
	assert.Equal(t, 100, count)

	loc, err := s.Append(101, testBody(101))
	require.NoError(t, err)
	assert.Equal(t, uint32(size), loc.Offset)
	body, err := s.Read(loc)
	require.NoError(t, err)
	assert.Equal(t, testBody(101), body)
}

func TestRecoveryRecreatesTornHeader(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Capacity: HeaderSize + 2*frameSize()})
	for tx := uint64(1); tx <= 2; tx++ {
		_, err := s.Append(tx, testBody(tx))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// crash right after creating segment 2
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(2)), []byte("CHR"), 0o644))

	s = openStore(t, dir, Options{Capacity: HeaderSize + 2*frameSize()})
	defer s.Close()
	infos := s.Segments()
	require.Len(t, infos, 2)
	assert.Equal(t, int64(HeaderSize), infos[1].Size)
	assert.Equal(t, uint64(2), infos[1].Seq)

	_, err := s.Append(3, testBody(3))
	require.NoError(t, err)
}

func TestReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Capacity: HeaderSize + 2*frameSize()})
	loc, err := s.Append(1, testBody(1))
	require.NoError(t, err)
	_, err = s.Append(2, testBody(2))
	require.NoError(t, err)
	_, err = s.Append(3, testBody(3)) // seals segment 1
	require.NoError(t, err)
	defer s.Close()

	flipByte(t, filepath.Join(dir, FileName(1)), int64(loc.Offset)+FrameHeaderSize+20)

	_, err = s.Read(loc)
	require.ErrorIs(t, err, ErrCorruptRecord)
	var cre *CorruptRecordError
	require.True(t, errors.As(err, &cre))
	assert.Equal(t, loc, cre.Location)

	_, err = s.Read(model.Location{Segment: 1, Offset: 3})
	assert.ErrorIs(t, err, ErrCorruptRecord)
	_, err = s.Read(model.Location{Segment: 99, Offset: HeaderSize})
	assert.ErrorIs(t, err, ErrNoSuchSegment)
}

func TestOpenRejectsCorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Capacity: HeaderSize + 2*frameSize()}
	s := openStore(t, dir, opts)
	var locs []model.Location
	for tx := uint64(1); tx <= 5; tx++ {
		loc, err := s.Append(tx, testBody(tx))
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	require.NoError(t, s.Close())

	// second frame of sealed segment 2
	bad := locs[3]
	require.Equal(t, model.SegmentID(2), bad.Segment)
	flipByte(t, filepath.Join(dir, FileName(2)), int64(bad.Offset)+FrameHeaderSize+20)

	_, err := Open(dir, opts)
	require.ErrorIs(t, err, ErrCorruptRecord)
	var cre *CorruptRecordError
	require.True(t, errors.As(err, &cre))
	assert.Equal(t, bad, cre.Location)
}

func flipByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestRelaxedDurabilityFlushes(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{Durability: DurabilityRelaxed, FlushInterval: 5 * time.Millisecond})
	defer s.Close()

	_, err := s.Append(1, testBody(1))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.dirty
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.WaitDurable(t.Context()))
	assert.Equal(t, DurabilityRelaxed, s.Durability())
}

func TestSyncFailureIsSticky(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	s := openStore(t, t.TempDir(), Options{Durability: DurabilityStrict, FS: ffs})
	defer s.Close()

	_, err := s.Append(1, testBody(1))
	require.NoError(t, err)

	// force the next segment (created by Rotate) to fail on sync
	ffs.AddRule(FileName(2), fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err = s.Rotate(2)
	require.ErrorIs(t, err, ErrStorageIO)
	require.ErrorIs(t, s.Err(), ErrStorageIO)

	_, err = s.Append(3, testBody(3))
	assert.ErrorIs(t, err, ErrStorageIO)
}

func TestRotateSupersedeAndPrune(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, Options{})

	old, err := s.Append(1, testBody(1))
	require.NoError(t, err)

	id, err := s.Rotate(2)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(2), id)

	// rotating an empty open segment is a no-op
	id, err = s.Rotate(2)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(2), id)

	_, err = s.Append(2, testBody(2))
	require.NoError(t, err)

	s.Supersede(2)
	assert.Equal(t, []model.SegmentID{2}, s.LiveSegments())

	// superseded segments stay readable for history
	_, err = s.Read(old)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir, Options{LiveFrom: 2})
	defer s.Close()
	n, err := s.PruneSuperseded()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Read(old)
	assert.ErrorIs(t, err, ErrNoSuchSegment)
	_, err = os.Stat(filepath.Join(dir, FileName(1)))
	assert.True(t, os.IsNotExist(err))
}

func TestReadThroughCache(t *testing.T) {
	c := cache.NewLRU(1<<20, nil)
	s := openStore(t, t.TempDir(), Options{Cache: c})
	defer s.Close()

	loc, err := s.Append(1, testBody(1))
	require.NoError(t, err)

	for range 3 {
		_, err := s.Read(loc)
		require.NoError(t, err)
	}
	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)

	_, err := s.Append(1, testBody(1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Read(model.Location{Segment: 1, Offset: HeaderSize})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseDurability(t *testing.T) {
	d, err := ParseDurability("Relaxed")
	require.NoError(t, err)
	assert.Equal(t, DurabilityRelaxed, d)
	assert.Equal(t, "strict", DurabilityStrict.String())
	_, err = ParseDurability("sometimes")
	assert.Error(t, err)
}
