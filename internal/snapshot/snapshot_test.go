package snapshot

import (
	"bytes"
	"io"
	"iter"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/model"
)

func testRecords(n int) []model.Record {
	r := rand.New(rand.NewSource(42))
	recs := make([]model.Record, n)
	for i := range recs {
		r.Read(recs[i].Key[:])
		recs[i].Vector = make([]float32, model.Dim)
		for j := range recs[i].Vector {
			recs[i].Vector[j] = float32(j % 7)
		}
		recs[i].Payload = []byte("payload")
		recs[i].TxTime = uint64(i + 1)
		recs[i].ValidFrom = uint64(i + 1)
		recs[i].ValidTo = model.OpenEnd
		recs[i].Tombstone = i%10 == 0
	}
	slices.SortFunc(recs, func(a, b model.Record) int { return keydir.Compare(a.Key, b.Key) })
	return recs
}

func seq(recs []model.Record) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func encode(t *testing.T, c Compression, recs []model.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, c)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{
		Position: 99, Dimension: model.Dim, Metric: distance.MetricCosine,
		M: 16, EfConstruction: 200, EfSearch: 100, Records: uint64(len(recs)),
	}))
	require.NoError(t, w.WriteRecords(seq(recs)))
	require.NoError(t, w.WriteIndex(bytes.NewReader(bytes.Repeat([]byte("graph"), 1000))))

	locs := make([]model.Location, len(recs))
	for i := range locs {
		locs[i] = model.Location{Segment: 2, Offset: uint32(64 + i*600)}
	}
	require.NoError(t, w.WriteLayout(Layout{
		LiveFrom:  2,
		Segments:  []SegmentInfo{{ID: 2, BaseTx: 1, Size: 1 << 20}},
		Locations: locs,
		Filters:   []byte{1, 2, 3},
	}))
	n, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	recs := testRecords(2000)
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			data := encode(t, c, recs)

			r, err := NewReader(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, c, r.Compression())

			h, err := r.Header()
			require.NoError(t, err)
			assert.Equal(t, uint64(99), h.Position)
			assert.Equal(t, distance.MetricCosine, h.Metric)
			assert.Equal(t, model.Dim, h.Dimension)
			assert.Equal(t, uint64(2000), h.Records)

			var got []model.Record
			for rec, err := range r.Records() {
				require.NoError(t, err)
				got = append(got, rec)
			}
			assert.Equal(t, recs, got)

			idx, err := r.Index()
			require.NoError(t, err)
			ib, err := io.ReadAll(idx)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte("graph"), 1000), ib)

			l, err := r.Layout()
			require.NoError(t, err)
			assert.Equal(t, model.SegmentID(2), l.LiveFrom)
			assert.Len(t, l.Locations, 2000)
			assert.Equal(t, []byte{1, 2, 3}, l.Filters)
		})
	}
}

func TestCompressionShrinksAndIsDeterministic(t *testing.T) {
	recs := testRecords(500)
	plain := encode(t, CompressionNone, recs)
	for _, c := range []Compression{CompressionLZ4, CompressionZSTD} {
		a := encode(t, c, recs)
		b := encode(t, c, recs)
		assert.Equal(t, a, b)
		assert.Less(t, len(a), len(plain))
	}
}

func TestPrevIsNotSerialized(t *testing.T) {
	recs := testRecords(3)
	withPrev := slices.Clone(recs)
	for i := range withPrev {
		withPrev[i].Prev = model.Location{Segment: 9, Offset: 128}
	}
	assert.Equal(t, encode(t, CompressionNone, recs), encode(t, CompressionNone, withPrev))
}

func TestChecksumMismatch(t *testing.T) {
	data := encode(t, CompressionZSTD, testRecords(50))
	data[len(data)/2] ^= 0xff
	_, err := NewReaderBytes(data)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFormatMismatch(t *testing.T) {
	data := encode(t, CompressionNone, testRecords(5))

	bad := slices.Clone(data)
	bad[0] = 'X'
	_, err := NewReaderBytes(bad)
	assert.ErrorIs(t, err, ErrFormatMismatch)

	bad = slices.Clone(data)
	bad[len(Magic)] = FormatVersion + 1
	_, err = NewReaderBytes(bad)
	assert.ErrorIs(t, err, ErrFormatMismatch)

	_, err = NewReaderBytes([]byte("short"))
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestEarlyStopThenContinue(t *testing.T) {
	data := encode(t, CompressionLZ4, testRecords(100))
	r, err := NewReaderBytes(data)
	require.NoError(t, err)
	_, err = r.Header()
	require.NoError(t, err)
	for range r.Records() {
		break
	}
	_, err = r.Index()
	require.NoError(t, err)
	_, err = r.Layout()
	require.NoError(t, err)
}

func TestWriterEnforcesOrder(t *testing.T) {
	w, err := NewWriter(io.Discard, CompressionNone)
	require.NoError(t, err)
	assert.Error(t, w.WriteLayout(Layout{}))

	w, err = NewWriter(io.Discard, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{}))
	recs := testRecords(2)
	slices.Reverse(recs)
	assert.Error(t, w.WriteRecords(seq(recs)))

	w, err = NewWriter(io.Discard, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{}))
	_, err = w.Close()
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "zstd": CompressionZSTD, "LZ4": CompressionLZ4} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
