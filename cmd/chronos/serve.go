package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/blobstore"
	"github.com/hupe1980/chronos/cluster"
	"github.com/hupe1980/chronos/metrics"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a raft node and the metrics endpoint",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "peer",
				Usage: "bootstrap voter as id=addr, repeatable; this node alone when empty",
			},
			&cli.BoolFlag{
				Name:  "restore-latest",
				Usage: "install the newest archived snapshot before starting raft",
			},
			&cli.DurationFlag{
				Name:  "archive-interval",
				Usage: "upload a snapshot to the archive this often, 0 disables",
			},
			&cli.IntFlag{
				Name:  "archive-keep",
				Value: 3,
				Usage: "archived snapshots to keep",
			},
		},
		Action: func(c *cli.Context) error {
			peers, err := parsePeers(c.StringSlice("peer"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.serve(ctx, peers, c.Bool("restore-latest"), c.Duration("archive-interval"), c.Int("archive-keep"))
		},
	}
}

func (e *env) serve(ctx context.Context, peers []raft.Server, restore bool, interval time.Duration, keep int) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewPrometheusCollector(reg, e.cfg.Metrics.Namespace)
	if err != nil {
		return err
	}

	db, err := e.openDB(chronos.WithMetricsCollector(collector))
	if err != nil {
		return err
	}
	defer db.Close()

	archive, err := openArchive(ctx, e.cfg, e.logger)
	switch {
	case errors.Is(err, errNoArchive):
		archive = nil
	case err != nil:
		return err
	}
	if restore && archive != nil {
		pos, err := archive.Restore(ctx, db, "")
		switch {
		case errors.Is(err, blobstore.ErrNotFound):
			e.logger.Info("archive is empty, starting from local state")
		case err != nil:
			return fmt.Errorf("restore from archive: %w", err)
		default:
			e.logger.Info("restored from archive", "position", pos)
		}
	}

	nodeCfg := cluster.ConfigFrom(e.cfg, db.Profile())
	nodeCfg.Peers = peers
	node, err := cluster.NewNode(db, nodeCfg)
	if err != nil {
		return err
	}
	defer node.Close()

	g, ctx := errgroup.WithContext(ctx)
	if addr := e.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newMux(reg, node),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			e.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	if archive != nil && interval > 0 {
		g.Go(func() error {
			archiveLoop(ctx, e.logger, archive, node, interval, keep)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		e.logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

// archiveLoop uploads a snapshot every interval while this node leads.
func archiveLoop(ctx context.Context, logger *chronos.Logger, archive *blobstore.Archive, node *cluster.Node, interval time.Duration, keep int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		db := node.DB()
		if !node.IsLeader() || db.LastApplied() == last {
			continue
		}
		_, pos, err := archive.Upload(ctx, db)
		if err != nil {
			logger.Warn("periodic snapshot upload failed", "error", err)
			continue
		}
		last = pos
		if keep > 0 {
			if _, err := archive.Prune(ctx, keep); err != nil {
				logger.Warn("archive prune failed", "error", err)
			}
		}
	}
}

func newMux(g prometheus.Gatherer, node *cluster.Node) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := node.DB().Stats()
		if st.Failed {
			http.Error(w, "failed: waiting for snapshot install", http.StatusServiceUnavailable)
			return
		}
		_, id := node.Leader()
		fmt.Fprintf(w, "ok position=%d leader=%s\n", st.LastApplied, id)
	})
	return mux
}

// parsePeers parses id=addr pairs into raft voters.
func parsePeers(specs []string) ([]raft.Server, error) {
	servers := make([]raft.Server, 0, len(specs))
	for _, s := range specs {
		id, addr, ok := strings.Cut(s, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: peer %q is not id=addr", chronos.ErrInvalidArgument, s)
		}
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(addr),
			Suffrage: raft.Voter,
		})
	}
	return servers, nil
}
