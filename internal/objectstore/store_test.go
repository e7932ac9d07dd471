package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/canvasflow/testutil"
)

func backends(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"gorm": NewGormStore(testutil.NewDB(t, &ObjectBlob{})),
		"file": fs,
	}
}

func TestStore_UploadDownload(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "schedules/u1/rec-1/snapshot.json"
			data := []byte(`{"nodes":[],"edges":[]}`)

			_, err := store.Download(ctx, key)
			assert.ErrorIs(t, err, ErrObjectNotFound)

			require.NoError(t, store.Upload(ctx, key, data))

			got, err := store.Download(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestStore_Immutable(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "a/b.json"

			require.NoError(t, store.Upload(ctx, key, []byte("v1")))
			require.NoError(t, store.Upload(ctx, key, []byte("v1")), "same content is idempotent")
			assert.ErrorIs(t, store.Upload(ctx, key, []byte("v2")), ErrObjectExists)

			got, err := store.Download(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)
		})
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"", "/abs", "a/../b", "a//b", `a\b`, "."} {
				assert.ErrorIs(t, store.Upload(ctx, key, []byte("x")), ErrInvalidKey, key)
				_, err := store.Download(ctx, key)
				assert.ErrorIs(t, err, ErrInvalidKey, key)
			}
		})
	}
}
