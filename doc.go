// Package chronos is the storage and indexing core of a replicated,
// bi-temporal vector database.
//
// Every replica owns a DB. A consensus layer (see package cluster) orders
// commands into a log and hands each committed entry to Apply together
// with its log position. Applying the same log on any node yields the same
// state and byte-identical snapshots.
//
// # Quick Start
//
//	cfg := chronos.DefaultConfig()
//	cfg.Dir = "./data"
//	db, _ := chronos.Open(cfg, chronos.WithLogger(chronos.NewTextLogger(slog.LevelInfo)))
//	defer db.Close()
//
//	key := uuid.New()
//	res, _ := db.Apply(ctx, command.Insert{Key: key, Vector: vec, Payload: doc}, 1)
//	if res.Err != nil {
//	    // rejected identically on every replica; position 1 is consumed
//	}
//	hits, _ := db.Search(ctx, query, 10)
//
// # Versions and Time
//
// Every mutation appends a new version of its key. Versions carry two
// times: TxTime, the log position that wrote them, and ValidFrom, the
// business time supplied by the command (the log position when omitted).
// History returns all versions, GetAsOf answers by valid time and
// GetAsOfTx by log position.
//
// # Durability
//
// Records live in fixed-capacity segment files under Dir/segments. In
// strict mode every append is synced before Apply returns; relaxed mode
// syncs on a timer. Config.Durability "auto" picks the mode from the host
// profile. A local checkpoint (Dir/snapshot.bin plus Dir/meta) bounds the
// replay needed after a restart.
//
// # Snapshots
//
// BeginSnapshot captures the state without blocking applies for longer
// than the capture. InstallSnapshot replaces the state of a lagging or
// failed replica. After a determinism violation every call returns
// ErrFailed until a snapshot is installed.
package chronos
