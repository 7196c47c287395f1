package filter

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/spaolacci/murmur3"
)

// ErrCorruptedBloom indicates the serialized Bloom filter is invalid.
var ErrCorruptedBloom = errors.New("filter: corrupted bloom filter data")

// DefaultFalsePositiveRate is the target false positive rate used by
// NewBloomForSize.
const DefaultFalsePositiveRate = 0.01

const bloomHeaderSize = 16

// Bloom is a fixed-size Bloom filter over byte strings.
//
// Properties:
//   - ~1% false positives with 10 bits per element and k=7
//   - zero false negatives
//   - O(k) lookup
type Bloom struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// BloomSize computes the optimal number of bits and hash functions for n
// elements at false positive rate p.
func BloomSize(n int, p float64) (numBits uint64, k uint32) {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}

	// m = -n*ln(p) / ln(2)^2
	m := float64(-n) * math.Log(p) / (math.Ln2 * math.Ln2)
	// k = (m/n) * ln(2)
	kf := (m / float64(n)) * math.Ln2

	numBits = ((uint64(m) + 63) / 64) * 64
	if numBits < 64 {
		numBits = 64
	}

	k = uint32(math.Ceil(kf))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return numBits, k
}

// NewBloom creates a filter with numBits bits (rounded up to a word) and k
// hash functions.
func NewBloom(numBits uint64, k uint32) *Bloom {
	if numBits < 64 {
		numBits = 64
	}
	numBits = ((numBits + 63) / 64) * 64
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Bloom{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// NewBloomForSize creates a filter for n elements at the default rate.
func NewBloomForSize(n int) *Bloom {
	return NewBloom(BloomSize(n, DefaultFalsePositiveRate))
}

// Add inserts b. After Add(b), MightContain(b) is always true.
func (bf *Bloom) Add(b []byte) {
	h1, h2 := bloomHash(b)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
	bf.count++
}

// MightContain reports whether b may have been added.
func (bf *Bloom) MightContain(b []byte) bool {
	h1, h2 := bloomHash(b)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (bf *Bloom) Count() uint32 { return bf.count }

// EstimatedFalsePositiveRate returns the expected false positive rate at the
// current fill.
func (bf *Bloom) EstimatedFalsePositiveRate() float64 {
	if bf.count == 0 {
		return 0
	}
	// (1 - e^(-k*n/m))^k
	kn := float64(bf.k) * float64(bf.count)
	return math.Pow(1-math.Exp(-kn/float64(bf.numBits)), float64(bf.k))
}

// SizeBytes returns the size of the bit array.
func (bf *Bloom) SizeBytes() int { return len(bf.bits) * 8 }

// Clone returns a deep copy.
func (bf *Bloom) Clone() *Bloom {
	c := *bf
	c.bits = append([]uint64(nil), bf.bits...)
	return &c
}

// AppendBinary appends the serialized filter to dst.
func (bf *Bloom) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, bf.numBits)
	dst = binary.LittleEndian.AppendUint32(dst, bf.k)
	dst = binary.LittleEndian.AppendUint32(dst, bf.count)
	for _, w := range bf.bits {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// WriteTo serializes the filter to w.
func (bf *Bloom) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(bf.AppendBinary(make([]byte, 0, bloomHeaderSize+bf.SizeBytes())))
	return int64(n), err
}

// ReadBloom deserializes a filter written by WriteTo.
func ReadBloom(r io.Reader) (*Bloom, error) {
	var hdr [bloomHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	numBits := binary.LittleEndian.Uint64(hdr[0:8])
	k := binary.LittleEndian.Uint32(hdr[8:12])
	count := binary.LittleEndian.Uint32(hdr[12:16])

	if numBits < 64 || numBits%64 != 0 || numBits > 1<<34 {
		return nil, ErrCorruptedBloom
	}
	if k < 1 || k > 16 {
		return nil, ErrCorruptedBloom
	}

	raw := make([]byte, numBits/8)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	bits := make([]uint64, numBits/64)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return &Bloom{bits: bits, numBits: numBits, k: k, count: count}, nil
}

// bloomHash derives the two double-hashing bases from one 128-bit murmur3
// hash. h2 is forced odd.
func bloomHash(b []byte) (h1, h2 uint64) {
	h1, h2 = murmur3.Sum128(b)
	return h1, h2 | 1
}
