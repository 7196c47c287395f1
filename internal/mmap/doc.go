// Package mmap maps sealed segment files read-only into memory.
//
// Sealed segments never change, so a mapping taken at seal time (or at
// startup) stays valid for the life of the process and lets lookups slice
// record bytes without a read syscall.
//
//	m, err := mmap.Open(path)
//	if err != nil { ... }
//	defer m.Close()
//	body := m.Bytes()[off : off+n]
package mmap
