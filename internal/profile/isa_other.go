//go:build !amd64 && !arm64

package profile

func detectISA() ISA { return Generic }
