package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftbolt "github.com/hashicorp/raft-boltdb/v2"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/command"
)

const (
	// raftDBName is the name of the BoltDB file for raft log storage.
	raftDBName = "raft.db"

	// logCacheCapacity is the maximum number of logs to cache in-memory.
	logCacheCapacity = 512

	tcpMaxPool = 3
	tcpTimeout = 10 * time.Second

	defaultApplyTimeout = 10 * time.Second
	defaultRetain       = 2
)

var (
	// ErrNotLeader is returned by Submit on a follower.
	ErrNotLeader = errors.New("cluster: not leader")

	// ErrClosed is returned when the node has been shut down.
	ErrClosed = errors.New("cluster: node closed")

	// ErrFenced is returned by Submit once the DB failed and the node left
	// the cluster.
	ErrFenced = errors.New("cluster: node fenced")
)

// Config configures a Node.
type Config struct {
	// ID is the raft server id of this node.
	ID string
	// BindAddr is the TCP address of the raft transport. It is ignored
	// when Transport is set.
	BindAddr string
	// Dir holds the raft log and snapshots. Empty together with InMemory
	// keeps everything in memory.
	Dir string
	// Bootstrap starts a new cluster with Peers (this node when empty) as
	// voters if no raft state exists.
	Bootstrap bool
	Peers     []raft.Server

	HeartbeatTimeout  time.Duration
	SnapshotThreshold uint64
	SnapshotRetain    int
	TrailingLogs      uint64
	ApplyTimeout      time.Duration

	// Transport replaces the TCP transport, e.g. with raft.NewInmemTransport.
	Transport raft.Transport
	// InMemory uses raft.InmemStore and an in-memory snapshot store.
	InMemory bool
	// Logger receives raft's own log output.
	Logger hclog.Logger
}

// ConfigFrom derives the node configuration from a chronos configuration.
func ConfigFrom(cfg chronos.Config, p chronos.Profile) Config {
	return Config{
		ID:                cfg.Raft.ID,
		BindAddr:          cfg.Raft.BindAddr,
		Dir:               filepath.Join(cfg.Dir, "raft"),
		Bootstrap:         cfg.Raft.Bootstrap,
		HeartbeatTimeout:  cfg.HeartbeatTimeout(p),
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		SnapshotRetain:    cfg.Raft.SnapshotRetain,
		ApplyTimeout:      cfg.Raft.ApplyTimeout,
		Logger:            NewLogger(cfg.Raft.ID, cfg.LogLevel, cfg.LogFormat == "json"),
	}
}

// NewLogger returns the hclog logger raft writes to.
func NewLogger(name, level string, json bool) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft." + name,
		Level:      hclog.LevelFromString(level),
		Output:     os.Stderr,
		JSONFormat: json,
	})
}

// Node is a raft server driving one chronos DB.
type Node struct {
	config Config
	db     *chronos.DB
	fsm    *FSM
	logger *chronos.Logger

	raft      *raft.Raft
	transport raft.Transport
	boltStore *raftbolt.BoltStore

	mu     sync.RWMutex
	closed bool

	started   chan struct{} // closed once raft is assigned
	fenced    atomic.Pointer[error]
	fenceDone chan struct{}
}

// NewNode starts a raft server for db. The DB must not receive Apply calls
// from anywhere else.
func NewNode(db *chronos.DB, config Config) (*Node, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("%w: raft id is required", chronos.ErrInvalidArgument)
	}
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = defaultApplyTimeout
	}
	if config.SnapshotRetain <= 0 {
		config.SnapshotRetain = defaultRetain
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	n := &Node{
		config:    config,
		db:        db,
		fsm:       NewFSM(db),
		logger:    db.Logger().WithNode(config.ID),
		started:   make(chan struct{}),
		fenceDone: make(chan struct{}),
	}
	n.fsm.onFatal = n.fence

	logs, stable, snaps, err := n.initStorage()
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := n.initTransport(); err != nil {
		n.cleanupStorage()
		return nil, fmt.Errorf("init transport: %w", err)
	}

	n.raft, err = raft.NewRaft(n.raftConfig(), n.fsm, logs, stable, snaps, n.transport)
	close(n.started)
	if err != nil {
		n.cleanupTransport()
		n.cleanupStorage()
		return nil, fmt.Errorf("new raft: %w", err)
	}

	if config.Bootstrap {
		if err := n.maybeBootstrap(logs, stable, snaps); err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	n.logger.Info("raft node started",
		"address", n.transport.LocalAddr(),
		"raft_applied_index", n.raft.AppliedIndex(),
		"raft_last_index", n.raft.LastIndex(),
		"db_last_applied", db.LastApplied())
	return n, nil
}

func (n *Node) initStorage() (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if n.config.InMemory {
		store := raft.NewInmemStore()
		return store, store, raft.NewInmemSnapshotStore(), nil
	}
	if n.config.Dir == "" {
		return nil, nil, nil, fmt.Errorf("%w: raft dir is required", chronos.ErrInvalidArgument)
	}
	if err := os.MkdirAll(n.config.Dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("mkdir %s: %w", n.config.Dir, err)
	}

	var err error
	n.boltStore, err = raftbolt.NewBoltStore(filepath.Join(n.config.Dir, raftDBName))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bolt db: %w", err)
	}
	logCache, err := raft.NewLogCache(logCacheCapacity, n.boltStore)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("log cache: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStoreWithLogger(n.config.Dir, n.config.SnapshotRetain, n.config.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("snapshot store: %w", err)
	}
	return logCache, n.boltStore, snaps, nil
}

func (n *Node) initTransport() error {
	if n.config.Transport != nil {
		n.transport = n.config.Transport
		return nil
	}
	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", n.config.BindAddr, err)
	}
	n.transport, err = raft.NewTCPTransportWithLogger(n.config.BindAddr, addr, tcpMaxPool, tcpTimeout, n.config.Logger)
	if err != nil {
		return fmt.Errorf("tcp transport %s: %w", n.config.BindAddr, err)
	}
	return nil
}

func (n *Node) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.config.ID)
	cfg.Logger = n.config.Logger
	cfg.NoLegacyTelemetry = true

	if hb := n.config.HeartbeatTimeout; hb > 0 {
		cfg.HeartbeatTimeout = hb
		cfg.ElectionTimeout = hb
		cfg.LeaderLeaseTimeout = min(cfg.LeaderLeaseTimeout, hb)
	}
	if n.config.SnapshotThreshold > 0 {
		cfg.SnapshotThreshold = n.config.SnapshotThreshold
	}
	if n.config.TrailingLogs > 0 {
		cfg.TrailingLogs = n.config.TrailingLogs
	}
	return cfg
}

func (n *Node) maybeBootstrap(logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore) error {
	hasState, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("check existing state: %w", err)
	}
	if hasState {
		n.logger.Info("raft state exists, skipping bootstrap")
		return nil
	}

	servers := n.config.Peers
	if len(servers) == 0 {
		servers = []raft.Server{{
			ID:       raft.ServerID(n.config.ID),
			Address:  n.transport.LocalAddr(),
			Suffrage: raft.Voter,
		}}
	}
	n.logger.Info("bootstrapping raft cluster", "servers", len(servers))
	if err := n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		if !errors.Is(err, raft.ErrCantBootstrap) {
			return err
		}
	}
	return nil
}

func (n *Node) raftOrErr() (*raft.Raft, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, ErrClosed
	}
	return n.raft, nil
}

// fence takes the node out of the cluster once its DB can no longer apply
// entries. Leadership is handed to another voter and raft is shut down, so
// the node stops acknowledging entries. Only the first call has an effect.
func (n *Node) fence(cause error) {
	if !n.fenced.CompareAndSwap(nil, &cause) {
		return
	}
	n.logger.Error("db failed, fencing raft node", "error", cause)
	go func() {
		defer close(n.fenceDone)
		<-n.started
		r := n.raft
		if r == nil {
			return
		}
		if r.State() == raft.Leader {
			if err := r.LeadershipTransfer().Error(); err != nil {
				n.logger.Warn("leadership transfer after db failure", "error", err)
			}
		}
		if err := r.Shutdown().Error(); err != nil {
			n.logger.Warn("raft shutdown after db failure", "error", err)
		}
	}()
}

func (n *Node) fenceErr() error {
	if cause := n.fenced.Load(); cause != nil {
		return fmt.Errorf("%w: %w", ErrFenced, *cause)
	}
	return nil
}

// Submit replicates cmd and waits until this node applied it. Read-only
// commands are served from the local DB without going through the log.
func (n *Node) Submit(ctx context.Context, cmd command.Command) (chronos.Result, error) {
	r, err := n.raftOrErr()
	if err != nil {
		return chronos.Result{}, err
	}
	if err := n.fenceErr(); err != nil {
		return chronos.Result{}, err
	}
	if cmd == nil {
		return chronos.Result{}, fmt.Errorf("%w: nil command", chronos.ErrInvalidArgument)
	}
	if cmd.Kind().ReadOnly() {
		return n.db.Apply(ctx, cmd, 0)
	}

	data, err := command.Encode(cmd)
	if err != nil {
		return chronos.Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return chronos.Result{}, err
	}
	timeout := n.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	fut := r.Apply(data, timeout)
	if err := fut.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return chronos.Result{}, ErrNotLeader
		}
		return chronos.Result{}, fmt.Errorf("raft apply: %w", err)
	}

	resp, ok := fut.Response().(Response)
	if !ok {
		return chronos.Result{}, fmt.Errorf("unexpected raft response %T", fut.Response())
	}
	return resp.Result, resp.Error
}

// AddVoter adds a server to the cluster. It must be called on the leader.
func (n *Node) AddVoter(id, addr string) error {
	r, err := n.raftOrErr()
	if err != nil {
		return err
	}
	return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, n.config.ApplyTimeout).Error()
}

// Snapshot forces a raft snapshot.
func (n *Node) Snapshot() error {
	r, err := n.raftOrErr()
	if err != nil {
		return err
	}
	return r.Snapshot().Error()
}

// IsLeader reports whether this node is the leader.
func (n *Node) IsLeader() bool {
	r, err := n.raftOrErr()
	return err == nil && n.fenced.Load() == nil && r.State() == raft.Leader
}

// Leader returns the leader's address and id, or empty strings if unknown.
func (n *Node) Leader() (string, string) {
	r, err := n.raftOrErr()
	if err != nil {
		return "", ""
	}
	addr, id := r.LeaderWithID()
	return string(addr), string(id)
}

// WaitForLeader blocks until the cluster has a leader.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := n.Leader(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForPosition blocks until the DB applied pos.
func (n *Node) WaitForPosition(ctx context.Context, pos uint64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.db.LastApplied() < pos {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// DB returns the state machine.
func (n *Node) DB() *chronos.DB { return n.db }

// Close shuts raft down. The DB stays open.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.fenced.Load() != nil {
		<-n.fenceDone
	}

	var errs []error
	if err := n.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
	}
	if err := n.cleanupTransport(); err != nil {
		errs = append(errs, err)
	}
	if err := n.cleanupStorage(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("raft node stopped")
	return errors.Join(errs...)
}

func (n *Node) cleanupTransport() error {
	if c, ok := n.transport.(raft.WithClose); ok && n.config.Transport == nil {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	}
	return nil
}

func (n *Node) cleanupStorage() error {
	if n.boltStore == nil {
		return nil
	}
	err := n.boltStore.Close()
	n.boltStore = nil
	if err != nil {
		return fmt.Errorf("close log store: %w", err)
	}
	return nil
}
