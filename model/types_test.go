package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadVector(t *testing.T) {
	v, err := PadVector([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, v, Dim)
	assert.Equal(t, []float32{1, 2, 3, 0}, v[:4])
	assert.Equal(t, float32(0), v[Dim-1])

	_, err = PadVector(make([]float32, Dim+1))
	var de *DimensionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, Dim+1, de.Actual)

	_, err = PadVector(nil)
	assert.Error(t, err)
}

func TestPadVectorRejectsNonFinite(t *testing.T) {
	for _, f := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		_, err := PadVector([]float32{1, f, 3})
		var ce *ComponentError
		require.True(t, errors.As(err, &ce), "%v", f)
		assert.Equal(t, 1, ce.Index)
	}
}

func TestRecordLive(t *testing.T) {
	r := Record{ValidFrom: 10, ValidTo: OpenEnd}
	assert.False(t, r.Live(9))
	assert.True(t, r.Live(10))
	assert.True(t, r.Live(1<<40))

	r.ValidTo = 20
	assert.False(t, r.Live(20))

	r.ValidTo = OpenEnd
	r.Tombstone = true
	assert.False(t, r.Live(15))
}

func TestLocationZero(t *testing.T) {
	assert.True(t, Location{}.IsZero())
	assert.False(t, Location{Segment: 1}.IsZero())
	assert.Equal(t, "Loc(3:64)", Location{Segment: 3, Offset: 64}.String())
}
