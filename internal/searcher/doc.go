// Package searcher provides the pooled scratch state used by graph search:
// bounded priority queues and a visited set.
//
// All orderings break distance ties by node id, so a search over the same
// graph visits nodes and returns results in the same order on every
// replica.
package searcher
