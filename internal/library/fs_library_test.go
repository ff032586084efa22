package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLibrary(t *testing.T) (*FSLibrary, string) {
	root := t.TempDir()
	lib, err := NewFSLibrary(root)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib, root
}

func writePhoto(t *testing.T, root, name string, mtime time.Time) string {
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("fake image bytes for "+name), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	return assetID(rel)
}

func TestFSLibrary_Permission(t *testing.T) {
	lib, root := setupTestLibrary(t)
	ctx := context.Background()

	status, err := lib.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, PermissionFull, status)

	require.NoError(t, os.WriteFile(filepath.Join(root, allowlistName), []byte(""), 0644))
	status, err = lib.Permission(ctx)
	require.NoError(t, err)
	assert.Equal(t, PermissionLimited, status)
}

func TestFSLibrary_Assets(t *testing.T) {
	lib, root := setupTestLibrary(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	oldID := writePhoto(t, root, "old.jpg", base.Add(-48*time.Hour))
	midID := writePhoto(t, root, "mid.jpg", base.Add(-1*time.Hour))
	newID := writePhoto(t, root, "new.jpg", base)

	t.Run("newest first", func(t *testing.T) {
		page, err := lib.Assets(ctx, AssetQuery{PageSize: 10})
		require.NoError(t, err)
		require.Len(t, page.Assets, 3)
		assert.Equal(t, newID, page.Assets[0].ID)
		assert.Equal(t, midID, page.Assets[1].ID)
		assert.Equal(t, oldID, page.Assets[2].ID)
		assert.False(t, page.HasMore)
	})

	t.Run("createdAfter filters strictly", func(t *testing.T) {
		page, err := lib.Assets(ctx, AssetQuery{
			CreatedAfter: base.Add(-2 * time.Hour),
			PageSize:     10,
		})
		require.NoError(t, err)
		require.Len(t, page.Assets, 2)
		assert.Equal(t, newID, page.Assets[0].ID)
		assert.Equal(t, midID, page.Assets[1].ID)
	})

	t.Run("pagination walks the full set", func(t *testing.T) {
		var collected []string
		cursor := ""
		for {
			page, err := lib.Assets(ctx, AssetQuery{PageSize: 2, Cursor: cursor})
			require.NoError(t, err)
			for _, a := range page.Assets {
				collected = append(collected, a.ID)
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, []string{newID, midID, oldID}, collected)
	})

	t.Run("non-image files are invisible", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("text"), 0644))
		page, err := lib.Assets(ctx, AssetQuery{PageSize: 10})
		require.NoError(t, err)
		assert.Len(t, page.Assets, 3)
	})
}

func TestFSLibrary_LimitedAccessFiltering(t *testing.T) {
	lib, root := setupTestLibrary(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	aID := writePhoto(t, root, "a.jpg", base)
	writePhoto(t, root, "b.jpg", base)

	require.NoError(t, os.WriteFile(filepath.Join(root, allowlistName), []byte(aID+"\n"), 0644))

	page, err := lib.Assets(ctx, AssetQuery{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Assets, 1)
	assert.Equal(t, aID, page.Assets[0].ID)
}

func TestFSLibrary_AssetURI(t *testing.T) {
	lib, root := setupTestLibrary(t)
	ctx := context.Background()

	id := writePhoto(t, root, "photo.jpg", time.Now())

	uri, err := lib.AssetURI(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "photo.jpg"), uri)

	_, err = lib.AssetURI(ctx, "does-not-exist")
	assert.Error(t, err)
}

func TestFSLibrary_Albums(t *testing.T) {
	lib, _ := setupTestLibrary(t)
	ctx := context.Background()

	t.Run("missing album is nil", func(t *testing.T) {
		album, err := lib.AlbumByName(ctx, "Phomo")
		require.NoError(t, err)
		assert.Nil(t, album)
	})

	t.Run("save creates the album and returns a stable ID", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "incoming.jpg")
		require.NoError(t, os.WriteFile(src, []byte("downloaded bytes"), 0644))

		id, err := lib.SaveToAlbum(ctx, src, "Phomo")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		album, err := lib.AlbumByName(ctx, "Phomo")
		require.NoError(t, err)
		require.NotNil(t, album)

		ids, err := lib.AlbumAssetIDs(ctx, album.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, ids)

		// Saved photos are part of the roll and show up in scans
		page, err := lib.Assets(ctx, AssetQuery{PageSize: 10})
		require.NoError(t, err)
		require.Len(t, page.Assets, 1)
		assert.Equal(t, id, page.Assets[0].ID)
	})

	t.Run("name collisions get a suffix", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "incoming.jpg")
		require.NoError(t, os.WriteFile(src, []byte("other bytes"), 0644))

		id2, err := lib.SaveToAlbum(ctx, src, "Phomo")
		require.NoError(t, err)

		ids, err := lib.AlbumAssetIDs(ctx, "Phomo")
		require.NoError(t, err)
		assert.Len(t, ids, 2)
		assert.Contains(t, ids, id2)
	})
}

func TestFSLibrary_Subscribe(t *testing.T) {
	lib, root := setupTestLibrary(t)

	events := make(chan ChangeEvent, 8)
	unsubscribe, err := lib.Subscribe(func(ev ChangeEvent) {
		events <- ev
	})
	require.NoError(t, err)
	defer unsubscribe()

	t.Run("new photo is an incremental change", func(t *testing.T) {
		writePhoto(t, root, "snap.jpg", time.Now())

		select {
		case ev := <-events:
			assert.False(t, ev.ScopeChanged)
		case <-time.After(2 * time.Second):
			t.Fatal("no change event received")
		}
	})

	t.Run("allowlist edit is a scope change", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, allowlistName), []byte("x\n"), 0644))

		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.ScopeChanged {
					return
				}
			case <-deadline:
				t.Fatal("no scope-change event received")
			}
		}
	})
}
