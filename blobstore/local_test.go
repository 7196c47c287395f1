package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestBlobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			data := "hello world, this is a test blob"
			require.NoError(t, store.Put(ctx, "a/data-001.bin", strings.NewReader(data), int64(len(data))))
			require.NoError(t, store.Put(ctx, "a/data-002.bin", strings.NewReader("second"), -1))
			require.NoError(t, store.Put(ctx, "b/other.bin", strings.NewReader("x"), 1))

			rc, err := store.Open(ctx, "a/data-001.bin")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, data, string(got))

			names, err := store.List(ctx, "a/")
			require.NoError(t, err)
			assert.Equal(t, []string{"a/data-001.bin", "a/data-002.bin"}, names)

			require.NoError(t, store.Put(ctx, "a/data-001.bin", strings.NewReader("replaced"), -1))
			rc, err = store.Open(ctx, "a/data-001.bin")
			require.NoError(t, err)
			got, err = io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "replaced", string(got))

			require.NoError(t, store.Delete(ctx, "a/data-001.bin"))
			require.NoError(t, store.Delete(ctx, "a/data-001.bin"))
			_, err = store.Open(ctx, "a/data-001.bin")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStorePutCancelled(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Put(ctx, "blob", strings.NewReader("data"), 4)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
