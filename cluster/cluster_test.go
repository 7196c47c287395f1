package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/segment"
)

func openDB(t *testing.T, opts ...chronos.Option) *chronos.DB {
	t.Helper()
	cfg := chronos.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.SnapshotThreshold = 0
	cfg.CompactionInterval = 0
	cfg.Durability = "relaxed"
	db, err := chronos.Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func encode(t *testing.T, cmd command.Command) []byte {
	t.Helper()
	data, err := command.Encode(cmd)
	require.NoError(t, err)
	return data
}

type testSink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *testSink) ID() string    { return "test" }
func (s *testSink) Cancel() error { s.cancelled = true; return nil }
func (s *testSink) Close() error  { s.closed = true; return nil }

func TestFSMApply(t *testing.T) {
	fsm := NewFSM(openDB(t))
	key := uuid.New()

	resp := fsm.Apply(&raft.Log{Index: 3, Type: raft.LogCommand, Data: encode(t, command.Insert{Key: key, Vector: []float32{1}})})
	require.IsType(t, Response{}, resp)
	r := resp.(Response)
	require.NoError(t, r.Error)
	require.NoError(t, r.Result.Err)
	assert.Equal(t, uint64(3), r.Result.Position)

	resp = fsm.Apply(&raft.Log{Index: 4, Type: raft.LogCommand, Data: encode(t, command.Insert{Key: key, Vector: []float32{1}})})
	assert.ErrorIs(t, resp.(Response).Result.Err, chronos.ErrKeyExists)

	assert.Nil(t, fsm.Apply(&raft.Log{Index: 5, Type: raft.LogConfiguration}))
	assert.Equal(t, uint64(4), fsm.db.LastApplied())
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := NewFSM(openDB(t))
	keys := make([]uuid.UUID, 10)
	for i := range keys {
		keys[i] = uuid.New()
		resp := src.Apply(&raft.Log{Index: uint64(i + 1), Type: raft.LogCommand, Data: encode(t, command.Insert{Key: keys[i], Vector: []float32{float32(i)}, Payload: []byte{byte(i)}})})
		require.NoError(t, resp.(Response).Error)
	}

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &testSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	assert.False(t, sink.cancelled)

	dst := NewFSM(openDB(t))
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	assert.Equal(t, uint64(len(keys)), dst.db.LastApplied())
	for i, k := range keys {
		rec, err := dst.db.Get(k)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, rec.Payload)
	}

	err = dst.Restore(io.NopCloser(bytes.NewReader([]byte("garbage"))))
	assert.ErrorIs(t, err, chronos.ErrSnapshotFormatMismatch)
}

func testConfig(id string, trans raft.Transport) Config {
	return Config{
		ID:               id,
		InMemory:         true,
		Transport:        trans,
		HeartbeatTimeout: 100 * time.Millisecond,
		ApplyTimeout:     5 * time.Second,
	}
}

func TestSingleNodeSubmit(t *testing.T) {
	addr, trans := raft.NewInmemTransport("")
	cfg := testConfig("node-1", trans)
	cfg.Bootstrap = true
	cfg.Peers = []raft.Server{{ID: "node-1", Address: addr, Suffrage: raft.Voter}}

	n, err := NewNode(openDB(t), cfg)
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.WaitForLeader(ctx))
	require.Eventually(t, n.IsLeader, 5*time.Second, 20*time.Millisecond)

	key := uuid.New()
	res, err := n.Submit(ctx, command.Insert{Key: key, Vector: []float32{1, 2}, Payload: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Record)

	res, err = n.Submit(ctx, command.Get{Key: key})
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, []byte("a"), res.Record.Payload)

	res, err = n.Submit(ctx, command.Update{Key: uuid.New(), Payload: []byte("b")})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, chronos.ErrNotFound)

	require.NoError(t, n.Snapshot())

	require.NoError(t, n.Close())
	_, err = n.Submit(ctx, command.Get{Key: key})
	assert.ErrorIs(t, err, ErrClosed)
}

// startCluster connects one node per db over in-memory transports. The
// first node bootstraps the cluster.
func startCluster(t *testing.T, dbs ...*chronos.DB) []*Node {
	t.Helper()
	size := len(dbs)
	addrs := make([]raft.ServerAddress, size)
	transports := make([]*raft.InmemTransport, size)
	for i := range size {
		addrs[i], transports[i] = raft.NewInmemTransport("")
	}
	for i := range size {
		for j := range size {
			if i != j {
				transports[i].Connect(addrs[j], transports[j])
			}
		}
	}

	peers := make([]raft.Server, size)
	for i := range size {
		peers[i] = raft.Server{ID: raft.ServerID(fmt.Sprintf("node-%d", i)), Address: addrs[i], Suffrage: raft.Voter}
	}

	nodes := make([]*Node, size)
	for i := range size {
		cfg := testConfig(fmt.Sprintf("node-%d", i), transports[i])
		cfg.Bootstrap = i == 0
		cfg.Peers = peers
		n, err := NewNode(dbs[i], cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		nodes[i] = n
	}
	return nodes
}

func waitLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()
	var leader *Node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
	return leader
}

func TestReplicasConverge(t *testing.T) {
	nodes := startCluster(t, openDB(t), openDB(t), openDB(t))
	leader := waitLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var last uint64
	for i := range 30 {
		key := uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "key-%d", i))
		res, err := leader.Submit(ctx, command.Insert{Key: key, Vector: []float32{float32(i), 1}, Payload: []byte{byte(i)}})
		require.NoError(t, err)
		require.NoError(t, res.Err)
		last = res.Position
	}

	for _, n := range nodes {
		require.NoError(t, n.WaitForPosition(ctx, last))
	}

	// The raft log index is the position, so every replica holds the same
	// canonical state and the same segment layout.
	var want []byte
	for _, n := range nodes {
		snap, err := n.DB().BeginSnapshot()
		require.NoError(t, err)
		got, err := snap.Bytes()
		require.NoError(t, snap.Close())
		require.NoError(t, err)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got)
	}
}

func TestFollowerRejectsSubmit(t *testing.T) {
	addr1, t1 := raft.NewInmemTransport("")
	addr2, t2 := raft.NewInmemTransport("")
	t1.Connect(addr2, t2)
	t2.Connect(addr1, t1)
	peers := []raft.Server{
		{ID: "a", Address: addr1, Suffrage: raft.Voter},
		{ID: "b", Address: addr2, Suffrage: raft.Voter},
	}

	cfgA := testConfig("a", t1)
	cfgA.Bootstrap = true
	cfgA.Peers = peers
	a, err := NewNode(openDB(t), cfgA)
	require.NoError(t, err)
	defer a.Close()

	b, err := NewNode(openDB(t), testConfig("b", t2))
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return a.IsLeader() || b.IsLeader() }, 10*time.Second, 50*time.Millisecond)
	follower := a
	if a.IsLeader() {
		follower = b
	}

	_, err = follower.Submit(context.Background(), command.Insert{Key: uuid.New(), Vector: []float32{1}})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestFailedReplicaIsFenced(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(segment.FileName(1), fs.Fault{FailAfterBytes: segment.HeaderSize + 4<<10, Err: fs.ErrInjected})
	nodes := startCluster(t, openDB(t, chronos.WithFileSystem(ffs)), openDB(t), openDB(t))
	broken := nodes[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fenced := func() bool {
		_, err := broken.Submit(ctx, command.Get{Key: uuid.New()})
		return errors.Is(err, ErrFenced)
	}
	for i := 0; i < 200 && !fenced(); i++ {
		leader := waitLeader(t, nodes)
		_, _ = leader.Submit(ctx, command.Insert{Key: uuid.New(), Vector: []float32{float32(i), 1}})
	}
	require.True(t, fenced())
	assert.False(t, broken.IsLeader())

	_, err := broken.Submit(ctx, command.Insert{Key: uuid.New(), Vector: []float32{1}})
	require.ErrorIs(t, err, ErrFenced)
	require.ErrorIs(t, err, chronos.ErrStorageIO)

	// the healthy majority keeps accepting writes
	leader := waitLeader(t, nodes[1:])
	res, err := leader.Submit(ctx, command.Insert{Key: uuid.New(), Vector: []float32{2}})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	stalled := broken.DB().LastApplied()
	assert.Less(t, stalled, res.Position)
}
