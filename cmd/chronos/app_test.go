package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/command"
)

func writeConfig(t *testing.T, dir, archive string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronos.yaml")
	data := fmt.Sprintf(`dir: %s
durability: strict
snapshot_compression: none
log_level: error
archive:
  kind: local
  path: %s
`, dir, archive)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func seed(t *testing.T, dir string, n int) {
	t.Helper()
	cfg := chronos.DefaultConfig()
	cfg.Dir = dir
	cfg.Durability = "strict"
	cfg.SnapshotCompression = "none"
	db, err := chronos.Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	for i := range n {
		key := uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "cli-%d", i))
		res, err := db.Apply(context.Background(), command.Insert{
			Key:     key,
			Vector:  []float32{float32(i), 1, 2},
			Payload: fmt.Appendf(nil, "doc-%d", i),
		}, uint64(i+1))
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"chronos"}, args...))
	return out.String(), err
}

func TestProfileCommand(t *testing.T) {
	out, err := run(t, "--dir", t.TempDir(), "profile")
	require.NoError(t, err)
	assert.Contains(t, out, "cores")
	assert.Contains(t, out, "durability")
}

func TestInspectAndVerify(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, 20)
	cfg := writeConfig(t, dir, t.TempDir())

	out, err := run(t, "--config", cfg, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "last applied: 20")
	assert.Contains(t, out, "RECORDS")
	assert.Contains(t, out, "active")

	out, err = run(t, "--config", cfg, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestSnapshotAndRestore(t *testing.T) {
	src := t.TempDir()
	archive := t.TempDir()
	seed(t, src, 30)
	file := filepath.Join(t.TempDir(), "snap.bin")

	out, err := run(t, "--config", writeConfig(t, src, archive), "snapshot", "--out", file, "--upload")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded snapshots/snapshot-")
	assert.FileExists(t, file)

	fromFile := writeConfig(t, t.TempDir(), archive)
	out, err = run(t, "--config", fromFile, "restore", "--in", file)
	require.NoError(t, err)
	assert.Contains(t, out, "restored to position 30")

	fromArchive := writeConfig(t, t.TempDir(), archive)
	out, err = run(t, "--config", fromArchive, "restore")
	require.NoError(t, err)
	assert.Contains(t, out, "restored to position 30")

	out, err = run(t, "--config", fromArchive, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "30 live")
}

func TestSnapshotRequiresTarget(t *testing.T) {
	_, err := run(t, "--dir", t.TempDir(), "snapshot")
	require.ErrorIs(t, err, chronos.ErrInvalidArgument)
}

func TestCompactCommand(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir, 10)
	out, err := run(t, "--config", writeConfig(t, dir, t.TempDir()), "compact", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "compacted to 1 versions per key")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := run(t, "--dir", t.TempDir(), "--log-level", "info", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "profile")
	require.Error(t, err)
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers([]string{"n1=127.0.0.1:7000", "n2=127.0.0.1:7001"})
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, raft.ServerID("n2"), peers[1].ID)
	assert.Equal(t, raft.ServerAddress("127.0.0.1:7000"), peers[0].Address)
	assert.Equal(t, raft.Voter, peers[0].Suffrage)

	_, err = parsePeers([]string{"n1"})
	require.ErrorIs(t, err, chronos.ErrInvalidArgument)
	_, err = parsePeers([]string{"=addr"})
	require.ErrorIs(t, err, chronos.ErrInvalidArgument)
}
