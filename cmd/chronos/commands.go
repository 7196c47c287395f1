package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/chronos"
)

func profileCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "print the detected host profile and its presets",
		Action: func(c *cli.Context) error {
			p := chronos.DetectProfile()
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "cores\t%d\n", p.Cores)
			fmt.Fprintf(tw, "memory\t%d MiB\n", p.MemoryBytes>>20)
			fmt.Fprintf(tw, "simd\t%s\n", p.ISA)
			fmt.Fprintf(tw, "durability\t%s\n", p.Durability)
			fmt.Fprintf(tw, "flush interval\t%s\n", p.FlushInterval)
			fmt.Fprintf(tw, "heartbeat timeout\t%s\n", e.cfg.HeartbeatTimeout(p))
			fmt.Fprintf(tw, "record cache\t%d MiB\n", p.RecordCacheBytes()>>20)
			return tw.Flush()
		},
	}
}

func inspectCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "describe segments, keys and filters of the data directory",
		Action: func(c *cli.Context) error {
			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			st := db.Stats()
			w := c.App.Writer
			fmt.Fprintf(w, "last applied: %d\n", st.LastApplied)
			fmt.Fprintf(w, "keys: %d (live %d, indexed %d)\n", st.Keys, st.LiveKeys, st.IndexedKeys)
			fmt.Fprintf(w, "filter: %d segments, %d bytes, %d/%d negative\n",
				st.Filter.Segments, st.Filter.SizeBytes, st.Filter.Negatives, st.Filter.Queries)
			fmt.Fprintln(w)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "ID\tSEQ\tBASE TX\tSIZE\tRECORDS\tSTATE\t")
			for _, info := range db.Segments() {
				n, err := db.SegmentRecords(info.ID)
				if err != nil {
					return fmt.Errorf("segment %d: %w", info.ID, err)
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%s\t\n",
					info.ID, info.Seq, info.BaseTx, info.Size, n, segmentState(info))
			}
			return tw.Flush()
		},
	}
}

func segmentState(info chronos.SegmentInfo) string {
	switch {
	case !info.Live:
		return "superseded"
	case info.Sealed:
		return "sealed"
	default:
		return "active"
	}
}

func verifyCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "cross-check the key directory, index, filters and segments",
		Action: func(c *cli.Context) error {
			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			rep, err := db.Verify(c.Context)
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "position %d: %d keys, %d live, %d indexed, %d records in %d segments\n",
				rep.Position, rep.Keys, rep.LiveKeys, rep.IndexedKeys, rep.RecordsScanned, rep.SegmentsScanned)
			if rep.OK() {
				fmt.Fprintln(w, "ok")
				return nil
			}
			for _, k := range rep.MissingFromIndex {
				fmt.Fprintf(w, "missing from index: %s\n", k)
			}
			for _, k := range rep.StaleInIndex {
				fmt.Fprintf(w, "stale in index: %s\n", k)
			}
			for _, k := range rep.DirectoryMismatches {
				fmt.Fprintf(w, "directory mismatch: %s\n", k)
			}
			for _, k := range rep.FilterMisses {
				fmt.Fprintf(w, "filter miss: %s\n", k)
			}
			return cli.Exit("inconsistencies found", 1)
		},
	}
}

func snapshotCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "write a snapshot to a file or the archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "output file, - for stdout",
			},
			&cli.BoolFlag{
				Name:  "upload",
				Usage: "upload the snapshot to the configured archive",
			},
			&cli.IntFlag{
				Name:  "keep",
				Usage: "archived snapshots to keep after upload, 0 keeps all",
			},
		},
		Action: func(c *cli.Context) error {
			out := c.String("out")
			if out == "" && !c.Bool("upload") {
				return fmt.Errorf("%w: one of --out or --upload is required", chronos.ErrInvalidArgument)
			}
			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if out != "" {
				pos, n, err := writeSnapshot(c, db, out)
				if err != nil {
					return err
				}
				e.logger.Info("snapshot written", "out", out, "position", pos, "bytes", n)
			}
			if c.Bool("upload") {
				archive, err := openArchive(c.Context, e.cfg, e.logger)
				if err != nil {
					return err
				}
				name, pos, err := archive.Upload(c.Context, db)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "uploaded %s at position %d\n", name, pos)
				if keep := c.Int("keep"); keep > 0 {
					if _, err := archive.Prune(c.Context, keep); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func writeSnapshot(c *cli.Context, db *chronos.DB, out string) (uint64, int64, error) {
	if out == "-" {
		return db.WriteSnapshot(c.Context, c.App.Writer)
	}
	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, 0, err
	}
	pos, n, err := db.WriteSnapshot(c.Context, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, out)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, 0, err
	}
	return pos, n, nil
}

func restoreCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "install a snapshot from a file or the archive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "in",
				Aliases: []string{"i"},
				Usage:   "snapshot file, - for stdin; omit to use the archive",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "archived snapshot name, newest when empty",
			},
		},
		Action: func(c *cli.Context) error {
			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if in := c.String("in"); in != "" {
				var r io.Reader = os.Stdin
				if in != "-" {
					f, err := os.Open(in)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				if err := db.InstallSnapshot(c.Context, r, 0); err != nil {
					return err
				}
			} else {
				archive, err := openArchive(c.Context, e.cfg, e.logger)
				if err != nil {
					return err
				}
				if _, err := archive.Restore(c.Context, db, c.String("name")); err != nil {
					return err
				}
			}
			fmt.Fprintf(c.App.Writer, "restored to position %d\n", db.LastApplied())
			return nil
		},
	}
}

func compactCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "drop all but the newest versions of every key",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "keep",
				Usage: "versions to keep per key, defaults to history_retention",
			},
		},
		Action: func(c *cli.Context) error {
			keep := c.Int("keep")
			if keep == 0 {
				keep = e.cfg.HistoryRetention
			}
			if keep <= 0 {
				return fmt.Errorf("%w: --keep or history_retention must be positive", chronos.ErrInvalidArgument)
			}
			db, err := e.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Compact(c.Context, keep); err != nil {
				if errors.Is(err, chronos.ErrFailed) {
					return cli.Exit(err.Error(), 2)
				}
				return err
			}
			live := 0
			for _, info := range db.Segments() {
				if info.Live {
					live++
				}
			}
			fmt.Fprintf(c.App.Writer, "compacted to %d versions per key, %d live segments\n", keep, live)
			return nil
		},
	}
}
