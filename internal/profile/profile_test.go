package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/chronos/internal/segment"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name       string
		cores      int
		isa        ISA
		durability segment.Durability
		heartbeat  time.Duration
	}{
		{"single core", 1, AVX512, segment.DurabilityRelaxed, time.Second},
		{"no simd", 16, Generic, segment.DurabilityRelaxed, time.Second},
		{"small avx512", 4, AVX512, segment.DurabilityStrict, 300 * time.Millisecond},
		{"small avx2", 4, AVX2, segment.DurabilityStrict, 500 * time.Millisecond},
		{"large avx512", 32, AVX512, segment.DurabilityStrict, 100 * time.Millisecond},
		{"large avx2", 8, AVX2, segment.DurabilityStrict, 250 * time.Millisecond},
		{"large neon", 8, NEON, segment.DurabilityStrict, 250 * time.Millisecond},
		{"large sse2", 8, SSE2, segment.DurabilityStrict, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := For(tt.cores, 8<<30, tt.isa)
			assert.Equal(t, tt.durability, p.Durability)
			assert.Equal(t, tt.heartbeat, p.HeartbeatTimeout)
			assert.Equal(t, tt.durability == segment.DurabilityRelaxed, p.Constrained())
			assert.Positive(t, p.FlushInterval)
		})
	}
}

func TestRecordCacheBytes(t *testing.T) {
	assert.Equal(t, int64(4<<20), Profile{}.RecordCacheBytes())
	assert.Equal(t, int64(4<<20), Profile{MemoryBytes: 64 << 20}.RecordCacheBytes())
	assert.Equal(t, int64(16<<20), Profile{MemoryBytes: 1 << 30}.RecordCacheBytes())
	assert.Equal(t, int64(512<<20), Profile{MemoryBytes: 1 << 40}.RecordCacheBytes())
}

func TestParseISA(t *testing.T) {
	for _, isa := range []ISA{Generic, SSE2, NEON, AVX2, AVX512} {
		got, ok := ParseISA(isa.String())
		assert.True(t, ok)
		assert.Equal(t, isa, got)
	}
	_, ok := ParseISA("mmx")
	assert.False(t, ok)
}

func TestDetect(t *testing.T) {
	t.Setenv(EnvISA, "generic")
	p := Detect()
	assert.Positive(t, p.Cores)
	assert.Equal(t, Generic, p.ISA)
	assert.True(t, p.Constrained())
}
