// Package hash provides the checksum used by every on-disk structure in chronos.
//
// # CRC32-Castagnoli (CRC32C)
//
// Segment records, segment headers, the metadata record and snapshot trailers
// are all protected by CRC32C. The Go runtime uses SSE4.2 / ARM CRC
// instructions when available.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For checksums spanning several buffers:
//
//	c := hash.CRC32C(lenPrefix)
//	c = hash.UpdateCRC32C(c, body)
package hash
