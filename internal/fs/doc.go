// Package fs provides the filesystem seam used by the segment store and the
// engine's metadata and snapshot files.
//
//   - [File]: an open file with read/write/sync/truncate capabilities
//   - [FileSystem]: open, remove, rename, stat, mkdir, readdir
//
// Production code uses [Default] ([LocalFS]). Crash and IO-failure tests
// inject [FaultyFS], which can fail writes after a byte budget, tear the
// failing write (persist a prefix of it), or fail Sync and Close.
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("seg-", fs.Fault{FailAfterBytes: 4096, TornWrite: true})
//
// Filesystem calls take no context: they are local and not interruptible at
// the syscall level. Remote IO goes through package blobstore.
package fs
