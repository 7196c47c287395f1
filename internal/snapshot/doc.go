// Package snapshot implements the self-contained snapshot binary format.
//
// Layout:
//
//	magic "CHRSNAP1" | format version u8 | compression u8 |
//	compressed blocks of the body | crc32c u32 of everything before it
//
// The body holds four sections in order: header, key directory, index and
// layout. The key directory and index sections depend only on the logical
// state at the snapshot position; the layout section describes where the
// node that wrote the snapshot keeps those records and lets a node with the
// same segments adopt the snapshot without rewriting data.
package snapshot
