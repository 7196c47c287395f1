// Package hnsw implements a Hierarchical Navigable Small World graph over
// fixed-dimension vectors keyed by record key.
//
// # Structure
//
//   - Nodes live in an arena addressed by int32 slot. Slots are never reused.
//   - Neighbor lists are []int32 per layer; layer 0 holds up to 2*M links.
//   - Node layers are derived from the key, so every replica builds the same
//     graph from the same sequence of operations.
//
// # Concurrency
//
// Nodes are immutable. The arena is a two-level copy-on-write directory
// (pages of chunks of node pointers). A mutation copies the pages and
// chunks it touches and publishes a new root with one atomic store, so
// searches are lock-free and never observe a partially linked node.
// Freeze returns the current root in O(1).
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
