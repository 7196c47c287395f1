// Package segment implements the append-only segment store.
//
// A store is a directory of fixed-capacity segment files named
// seg-%08d.log. Each file starts with a 64 byte header (magic, version,
// segment id, creation sequence, base log position, capacity, CRC32C) followed
// by length-prefixed, checksummed frames:
//
//	[len u32][crc32c(len||body) u32][body]
//
// Exactly one segment, the one with the highest id, is open for appends.
// When a frame would overflow it, the segment is synced, sealed, mapped
// read-only and a new segment is created. Sealed segments are never written
// again.
//
// # Durability
//
// DurabilityStrict syncs the open segment after every append before Append
// returns. DurabilityRelaxed returns immediately and a background flusher
// syncs the open segment on a fixed interval.
//
// # Recovery
//
// On Open the open segment is scanned forward. The first frame whose length
// or checksum does not validate marks the end of the log: the file is
// truncated there and appends resume at that offset.
package segment
