package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CIncremental(t *testing.T) {
	data := []byte("chronos segment record payload")

	whole := CRC32C(data)
	split := UpdateCRC32C(CRC32C(data[:7]), data[7:])
	assert.Equal(t, whole, split)

	h := NewCRC32C()
	_, _ = h.Write(data[:3])
	_, _ = h.Write(data[3:])
	assert.Equal(t, whole, h.Sum32())
}

func TestCRC32CDetectsFlip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	before := CRC32C(data)
	data[4] ^= 0x01
	assert.NotEqual(t, before, CRC32C(data))
}
