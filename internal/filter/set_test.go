package filter

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos/model"
)

func keys(n int) []model.Key {
	out := make([]model.Key, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestSetNoFalseNegatives(t *testing.T) {
	s := NewSet()
	ks := keys(3000)
	for i, k := range ks {
		s.Insert(k, model.SegmentID(1+i/1000))
	}
	s.Finalize(1)
	s.Finalize(2)

	for i, k := range ks {
		seg := model.SegmentID(1 + i/1000)
		require.True(t, s.MightContain(k, seg))
		require.True(t, s.MightContainAny(k))
	}
	assert.True(t, s.Finalized(1))
	assert.False(t, s.Finalized(3))
	assert.Equal(t, []model.SegmentID{1, 2, 3}, s.Segments())
}

func TestSetFalsePositiveRate(t *testing.T) {
	s := NewSet()
	for _, k := range keys(20000) {
		s.Insert(k, 1)
	}
	s.Finalize(1)

	fp, anyFP := 0, 0
	const lookups = 50000
	for _, k := range keys(lookups) {
		if s.MightContain(k, 1) {
			fp++
		}
		if s.MightContainAny(k) {
			anyFP++
		}
	}
	assert.LessOrEqual(t, float64(fp)/lookups, 0.015)
	// Two aggregate stages (16k + 32k) are queried.
	assert.LessOrEqual(t, float64(anyFP)/lookups, 0.03)

	st := s.Stats()
	assert.Equal(t, uint64(2*lookups), st.Queries)
	assert.Equal(t, uint64(2*lookups-fp-anyFP), st.Negatives)
	assert.Equal(t, uint64(20000), st.AggregateN)
}

func TestSetOpenSegmentIsExact(t *testing.T) {
	s := NewSet()
	ks := keys(100)
	for _, k := range ks[:50] {
		s.Insert(k, 7)
	}
	for _, k := range ks[50:] {
		assert.False(t, s.MightContain(k, 7))
	}
	// Unknown segments cannot rule anything out.
	assert.True(t, s.MightContain(ks[0], 99))
}

func TestSetCandidates(t *testing.T) {
	s := NewSet()
	k := uuid.New()
	s.Insert(k, 2)
	s.Insert(k, 4)
	for _, other := range keys(10) {
		s.Insert(other, 3)
	}
	assert.Equal(t, []model.SegmentID{2, 4}, s.Candidates(k, []model.SegmentID{2, 3, 4}))
}

func TestSetFinalizeAfterInsertStaysSound(t *testing.T) {
	s := NewSet()
	s.Finalize(1)
	s.Finalize(1)
	k := uuid.New()
	s.Insert(k, 1)
	assert.True(t, s.MightContain(k, 1))
}

func TestSetPrune(t *testing.T) {
	s := NewSet()
	for i := 1; i <= 4; i++ {
		s.Insert(uuid.New(), model.SegmentID(i))
	}
	s.Prune(3)
	assert.Equal(t, []model.SegmentID{3, 4}, s.Segments())
}

func TestSetCloneIsIndependent(t *testing.T) {
	s := NewSet()
	a, b := uuid.New(), uuid.New()
	s.Insert(a, 1)

	c := s.Clone()
	s.Insert(b, 1)
	assert.True(t, c.MightContain(a, 1))
	assert.False(t, c.MightContain(b, 1))
	assert.True(t, s.MightContain(b, 1))
}

func TestSetMarshalRoundTrip(t *testing.T) {
	s := NewSet()
	ks := keys(500)
	for i, k := range ks {
		s.Insert(k, model.SegmentID(1+i%3))
	}
	s.Finalize(1)

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	got := NewSet()
	require.NoError(t, got.UnmarshalBinary(data))
	for i, k := range ks {
		assert.True(t, got.MightContain(k, model.SegmentID(1+i%3)))
		assert.True(t, got.MightContainAny(k))
	}
	assert.True(t, got.Finalized(1))
	assert.False(t, got.Finalized(2))

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestSetUnmarshalRejectsGarbage(t *testing.T) {
	s := NewSet()
	assert.ErrorIs(t, s.UnmarshalBinary([]byte("nope")), ErrCorruptedBloom)

	good, err := NewSet().MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, s.UnmarshalBinary(append(good, 0)), ErrCorruptedBloom)
}
