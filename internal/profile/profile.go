package profile

import (
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pbnjay/memory"

	"github.com/hupe1980/chronos/internal/segment"
)

// EnvISA overrides the detected instruction set, e.g. CHRONOS_SIMD=generic.
const EnvISA = "CHRONOS_SIMD"

// Profile is the detected host capability and the presets derived from it.
type Profile struct {
	Cores       int
	MemoryBytes uint64
	ISA         ISA

	// Durability is relaxed on constrained hosts, strict otherwise.
	Durability segment.Durability
	// FlushInterval is the background sync period in relaxed mode.
	FlushInterval time.Duration
	// HeartbeatTimeout is the suggested consensus heartbeat.
	HeartbeatTimeout time.Duration
}

// Constrained reports whether the host got the relaxed preset.
func (p Profile) Constrained() bool {
	return p.Durability == segment.DurabilityRelaxed
}

// LogValue implements slog.LogValuer.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("cores", p.Cores),
		slog.Uint64("memory_mb", p.MemoryBytes>>20),
		slog.String("simd", p.ISA.String()),
		slog.String("durability", p.Durability.String()),
		slog.Duration("flush_interval", p.FlushInterval),
		slog.Duration("heartbeat", p.HeartbeatTimeout),
	)
}

// Detect inspects the running host. It is cheap but callers should compute
// it once and pass the result along.
func Detect() Profile {
	isa := detectISA()
	if s := os.Getenv(EnvISA); s != "" {
		if o, ok := ParseISA(s); ok && o <= isa {
			isa = o
		}
	}
	return For(runtime.NumCPU(), memory.TotalMemory(), isa)
}

// For derives the presets for a host with the given capabilities.
func For(cores int, mem uint64, isa ISA) Profile {
	p := Profile{
		Cores:       cores,
		MemoryBytes: mem,
		ISA:         isa,
	}
	switch {
	case cores <= 1 || isa == Generic:
		p.Durability = segment.DurabilityRelaxed
		p.FlushInterval = time.Second
		p.HeartbeatTimeout = time.Second
	case cores < 6:
		p.Durability = segment.DurabilityStrict
		p.FlushInterval = 200 * time.Millisecond
		if isa == AVX512 {
			p.HeartbeatTimeout = 300 * time.Millisecond
		} else {
			p.HeartbeatTimeout = 500 * time.Millisecond
		}
	default:
		p.Durability = segment.DurabilityStrict
		p.FlushInterval = 100 * time.Millisecond
		switch isa {
		case AVX512:
			p.HeartbeatTimeout = 100 * time.Millisecond
		case AVX2, NEON:
			p.HeartbeatTimeout = 250 * time.Millisecond
		default:
			p.HeartbeatTimeout = 500 * time.Millisecond
		}
	}
	return p
}

// RecordCacheBytes suggests a record cache size: 1/64 of memory, clamped to
// [4 MiB, 512 MiB].
func (p Profile) RecordCacheBytes() int64 {
	const lo, hi = 4 << 20, 512 << 20
	if p.MemoryBytes == 0 {
		return lo
	}
	return min(max(int64(p.MemoryBytes/64), lo), hi)
}
