// Package blobstore archives chronos snapshots outside the data directory.
//
// A BlobStore holds immutable named blobs. Archive builds on it: Upload
// streams a snapshot of a DB into the store, Fetch downloads and verifies
// one with retries, and Restore installs it into a lagging or failed
// replica.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-process, for tests
//   - minio.Store: MinIO and other S3-compatible servers
//   - s3.Store: Amazon S3
package blobstore
