// Package cache provides a byte-bounded LRU cache for record bodies.
//
// Record bodies are immutable once appended, so a body cached under its
// location never goes stale. The segment store consults the cache for reads
// from the open segment, which are served by ReadAt rather than a mapping.
// Memory is optionally accounted against a resource.Controller.
package cache
