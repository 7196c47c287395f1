package profile

import "strings"

// ISA is the widest SIMD instruction set the host supports.
type ISA uint8

const (
	// Generic means no usable SIMD extension.
	Generic ISA = iota
	// SSE2 is the x86-64 baseline.
	SSE2
	// NEON is ARM64 Advanced SIMD.
	NEON
	// AVX2 is x86-64 AVX2.
	AVX2
	// AVX512 is x86-64 AVX-512 Foundation.
	AVX512
)

// String returns the string representation of an ISA.
func (i ISA) String() string {
	switch i {
	case Generic:
		return "generic"
	case SSE2:
		return "sse2"
	case NEON:
		return "neon"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// ParseISA parses a string into an ISA value.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic", "none":
		return Generic, true
	case "sse2":
		return SSE2, true
	case "neon":
		return NEON, true
	case "avx2":
		return AVX2, true
	case "avx512":
		return AVX512, true
	default:
		return Generic, false
	}
}
