// Package model defines the core types shared by every chronos package.
//
// # Identity Types
//
//   - Key: record identity (a UUID)
//   - SegmentID: segment file identifier, assigned in creation order from 1
//   - Location: physical address of a record version (SegmentID, Offset)
//
// # Data Types
//
//   - Record: one immutable, bi-temporal record version
//   - Candidate: a vector search hit
//
// Vectors have a fixed dimensionality of Dim. Shorter vectors are zero-padded
// on ingest with PadVector; longer ones are rejected.
package model
