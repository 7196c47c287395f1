//go:build amd64

package profile

import "golang.org/x/sys/cpu"

func detectISA() ISA {
	switch {
	case cpu.X86.HasAVX512F:
		return AVX512
	case cpu.X86.HasAVX2:
		return AVX2
	case cpu.X86.HasSSE2:
		return SSE2
	default:
		return Generic
	}
}
