package library

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/phomo/syncengine/internal/models"
)

// allowlistName marks the roll as limited-access: when present, only the
// asset IDs it lists (one per line) are visible. Whatever edits this file
// plays the role of the OS limited-access picker.
const allowlistName = ".access-grant"

// FSLibrary backs the MediaLibrary capability with a directory tree. Files
// anywhere under the root are assets; albums are first-level
// subdirectories. Asset identity is a stable hash of the relative path, so
// IDs survive restarts and rescans.
type FSLibrary struct {
	root string

	mu      sync.Mutex
	idIndex map[string]string // asset ID -> relative path

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	handlers map[int]func(ChangeEvent)
	nextID   int
}

// NewFSLibrary creates a library rooted at dir.
func NewFSLibrary(root string) (*FSLibrary, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}

	return &FSLibrary{
		root:     abs,
		idIndex:  make(map[string]string),
		handlers: make(map[int]func(ChangeEvent)),
	}, nil
}

func (l *FSLibrary) allowlistPath() string {
	return filepath.Join(l.root, allowlistName)
}

// Permission reports full access unless an allowlist file restricts the
// visible set.
func (l *FSLibrary) Permission(ctx context.Context) (PermissionStatus, error) {
	if _, err := os.Stat(l.root); err != nil {
		return PermissionDenied, nil
	}
	if _, err := os.Stat(l.allowlistPath()); err == nil {
		return PermissionLimited, nil
	}
	return PermissionFull, nil
}

// assetID derives the stable ID for a relative path.
func assetID(relPath string) string {
	sum := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(sum[:8])
}

// scan walks the root and returns every image asset, refreshing the ID
// index as a side effect.
func (l *FSLibrary) scan() ([]models.DeviceAsset, error) {
	var assets []models.DeviceAsset
	index := make(map[string]string)

	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != l.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !isImageFile(info.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}

		id := assetID(relPath)
		index[id] = relPath
		assets = append(assets, models.DeviceAsset{
			ID:           id,
			Filename:     info.Name(),
			CreationTime: creationTime(path, info),
			LocalURI:     path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.idIndex = index
	l.mu.Unlock()

	return assets, nil
}

// creationTime prefers the EXIF capture time and falls back to file mtime.
func creationTime(path string, info os.FileInfo) time.Time {
	f, err := os.Open(path)
	if err != nil {
		return info.ModTime()
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return info.ModTime()
	}
	taken, err := x.DateTime()
	if err != nil {
		return info.ModTime()
	}
	return taken
}

// readAllowlist returns the limited-access grant set, or nil when the
// library is in full-access mode.
func (l *FSLibrary) readAllowlist() map[string]bool {
	f, err := os.Open(l.allowlistPath())
	if err != nil {
		return nil
	}
	defer f.Close()

	allowed := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			allowed[id] = true
		}
	}
	return allowed
}

// Assets lists accessible assets newest-first, filtered and paged per the
// query. The cursor is an offset into the filtered, sorted listing.
func (l *FSLibrary) Assets(ctx context.Context, query AssetQuery) (*AssetPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := l.scan()
	if err != nil {
		return nil, err
	}

	allowed := l.readAllowlist()

	var filtered []models.DeviceAsset
	for _, a := range all {
		if allowed != nil && !allowed[a.ID] {
			continue
		}
		if !query.CreatedAfter.IsZero() && !a.CreationTime.After(query.CreatedAfter) {
			continue
		}
		filtered = append(filtered, a)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreationTime.Equal(filtered[j].CreationTime) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreationTime.After(filtered[j].CreationTime)
	})

	offset := 0
	if query.Cursor != "" {
		offset, err = strconv.Atoi(query.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", query.Cursor, err)
		}
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	page := &AssetPage{
		Assets:  filtered[offset:end],
		HasMore: end < len(filtered),
	}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// AssetURI resolves an asset ID to its absolute path.
func (l *FSLibrary) AssetURI(ctx context.Context, id string) (string, error) {
	l.mu.Lock()
	relPath, ok := l.idIndex[id]
	l.mu.Unlock()

	if !ok {
		// Index may be cold; rescan once
		if _, err := l.scan(); err != nil {
			return "", err
		}
		l.mu.Lock()
		relPath, ok = l.idIndex[id]
		l.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("asset %s not found", id)
		}
	}

	full := filepath.Join(l.root, relPath)
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("asset %s unreadable: %w", id, err)
	}
	return full, nil
}

// AlbumByName returns the album with the given name, or nil when it does
// not exist.
func (l *FSLibrary) AlbumByName(ctx context.Context, name string) (*Album, error) {
	dir := filepath.Join(l.root, filepath.Base(name))
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}
	return &Album{ID: filepath.Base(name), Name: filepath.Base(name)}, nil
}

// AlbumAssetIDs lists the asset IDs inside an album.
func (l *FSLibrary) AlbumAssetIDs(ctx context.Context, albumID string) ([]string, error) {
	dir := filepath.Join(l.root, filepath.Base(albumID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		ids = append(ids, assetID(filepath.Join(filepath.Base(albumID), entry.Name())))
	}
	return ids, nil
}

// SaveToAlbum copies the file at localURI into the album directory and
// returns the new asset's ID.
func (l *FSLibrary) SaveToAlbum(ctx context.Context, localURI, albumName string) (string, error) {
	src, err := os.Open(localURI)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	albumDir := filepath.Join(l.root, filepath.Base(albumName))
	if err := os.MkdirAll(albumDir, 0755); err != nil {
		return "", fmt.Errorf("create album: %w", err)
	}

	// Keep the original filename, suffixing on collision
	base := filepath.Base(localURI)
	destName := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(albumDir, destName)); os.IsNotExist(err) {
			break
		}
		ext := filepath.Ext(base)
		destName = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), i, ext)
	}

	destPath := filepath.Join(albumDir, destName)
	dst, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("copy photo: %w", err)
	}

	relPath := filepath.Join(filepath.Base(albumName), destName)
	id := assetID(relPath)

	l.mu.Lock()
	l.idIndex[id] = relPath
	l.mu.Unlock()

	return id, nil
}

// Subscribe registers a change handler. The underlying fsnotify watcher is
// started on first use and shared by all subscribers. An event on the
// allowlist file is reported as a scope change; everything else is an
// incremental library change.
func (l *FSLibrary) Subscribe(handler func(ChangeEvent)) (func(), error) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("start library watcher: %w", err)
		}
		if err := watcher.Add(l.root); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch library root: %w", err)
		}
		// Albums are first-level subdirectories; watch existing ones so
		// saves into them are observed too
		if entries, err := os.ReadDir(l.root); err == nil {
			for _, entry := range entries {
				if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
					watcher.Add(filepath.Join(l.root, entry.Name()))
				}
			}
		}
		l.watcher = watcher
		go l.watchLoop(watcher)
	}

	id := l.nextID
	l.nextID++
	l.handlers[id] = handler

	return func() {
		l.watchMu.Lock()
		defer l.watchMu.Unlock()
		delete(l.handlers, id)
	}, nil
}

func (l *FSLibrary) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Creating a new album directory extends the watch set
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watcher.Add(event.Name)
				}
			}
			ev := ChangeEvent{ScopeChanged: filepath.Base(event.Name) == allowlistName}
			l.dispatch(ev)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Library watcher error: %v", err)
		}
	}
}

func (l *FSLibrary) dispatch(ev ChangeEvent) {
	l.watchMu.Lock()
	handlers := make([]func(ChangeEvent), 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.watchMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// PresentPicker logs the request; with a directory-backed library the
// "picker" is whatever edits the allowlist file.
func (l *FSLibrary) PresentPicker(ctx context.Context) error {
	log.Printf("Limited-access picker requested (edit %s to change the grant)", l.allowlistPath())
	return nil
}

// Close stops the change watcher.
func (l *FSLibrary) Close() error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

// isImageFile checks if a filename has an image extension
func isImageFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic", ".heif", ".tiff", ".tif", ".bmp":
		return true
	}
	return false
}
