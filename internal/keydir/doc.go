// Package keydir maps keys to the location of their latest version.
//
// Each key owns a short MVCC chain so that a snapshot pinned at log position
// N keeps seeing the directory as of N while the apply path moves on.
// Versions no pinned snapshot can observe are pruned on the next Put.
package keydir
