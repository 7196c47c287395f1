// Package filter provides Bloom filters that answer "definitely absent" for
// keys, per segment and in aggregate.
//
// A filter never reports a false negative: if MightContain returns false the
// key was never inserted. A true result may be a false positive, in which
// case the caller falls back to a real scan.
package filter
