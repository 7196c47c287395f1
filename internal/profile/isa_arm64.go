//go:build arm64

package profile

import "golang.org/x/sys/cpu"

func detectISA() ISA {
	if cpu.ARM64.HasASIMD {
		return NEON
	}
	return Generic
}
