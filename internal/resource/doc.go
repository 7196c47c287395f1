// Package resource governs the background work chronos does next to the
// apply path: checkpoints, history compaction, snapshot rehydration and
// archive uploads.
//
//   - Memory: tracks bytes held by the record cache (non-blocking, fail-fast)
//   - Background workers: bounds concurrent checkpoint/compaction jobs
//   - IO: token bucket for bytes written by background jobs
//
// All methods are safe on a nil *Controller and then impose no limit, so
// callers can make governance optional without nil checks.
//
//	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 64 << 20})
//	w := resource.NewRateLimitedWriter(ctx, file, rc)
package resource
