// Package engine implements the replicated state machine: it applies
// committed commands to the segment store, key directory, existence filter
// and vector index, captures and installs snapshots, and recovers its state
// from disk on open.
//
// Apply is called by a single goroutine in log order. Reads (Get, History,
// GetAsOf, GetAsOfTx, Search) run concurrently with it against atomically
// published state and never block the apply path.
//
// On-disk layout:
//
//	<dir>/segments/seg-%08d.log   append-only record log
//	<dir>/snapshot.bin            latest local checkpoint
//	<dir>/meta                    last applied position, live segment floor
package engine
