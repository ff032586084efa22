package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/push"
	"github.com/phomo/syncengine/internal/remote"
)

// memKV is an in-memory repository.KVStore for service tests.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) SetMany(ctx context.Context, pairs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range pairs {
		m.data[k] = v
	}
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// fakeLibrary is a scriptable library.MediaLibrary.
type fakeLibrary struct {
	mu          sync.Mutex
	permission  library.PermissionStatus
	assets      []models.DeviceAsset
	uris        map[string]string
	uriErr      error
	uriErrs     map[string]error
	albums      map[string][]string // name -> asset IDs
	saveErr     error
	saved       []string // URIs passed to SaveToAlbum
	nextLocalID int
	handlers    map[int]func(library.ChangeEvent)
	nextHandler int
	pickerErr   error
	onPicker    func() // called when the picker is presented
	onAssets    func() // called before each Assets page is served
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		permission: library.PermissionFull,
		uris:       make(map[string]string),
		albums:     make(map[string][]string),
		handlers:   make(map[int]func(library.ChangeEvent)),
	}
}

func (f *fakeLibrary) Permission(ctx context.Context) (library.PermissionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission, nil
}

func (f *fakeLibrary) Assets(ctx context.Context, query library.AssetQuery) (*library.AssetPage, error) {
	if f.onAssets != nil {
		f.onAssets()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []models.DeviceAsset
	for _, a := range f.assets {
		if !query.CreatedAfter.IsZero() && !a.CreationTime.After(query.CreatedAfter) {
			continue
		}
		matched = append(matched, a)
	}

	offset := 0
	if query.Cursor != "" {
		offset, _ = strconv.Atoi(query.Cursor)
	}
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = len(matched)
	}

	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	page := &library.AssetPage{Assets: matched[offset:end]}
	if end < len(matched) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeLibrary) AssetURI(ctx context.Context, assetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uriErr != nil {
		return "", f.uriErr
	}
	if err, ok := f.uriErrs[assetID]; ok {
		return "", err
	}
	if uri, ok := f.uris[assetID]; ok {
		return uri, nil
	}
	return "/library/" + assetID + ".jpg", nil
}

func (f *fakeLibrary) AlbumByName(ctx context.Context, name string) (*library.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.albums[name]; !ok {
		return nil, nil
	}
	return &library.Album{ID: "album-" + name, Name: name}, nil
}

func (f *fakeLibrary) AlbumAssetIDs(ctx context.Context, albumID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, ids := range f.albums {
		if "album-"+name == albumID {
			return ids, nil
		}
	}
	return nil, nil
}

func (f *fakeLibrary) SaveToAlbum(ctx context.Context, localURI, albumName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.nextLocalID++
	localID := fmt.Sprintf("local-%d", f.nextLocalID)
	f.albums[albumName] = append(f.albums[albumName], localID)
	f.saved = append(f.saved, localURI)
	return localID, nil
}

func (f *fakeLibrary) Subscribe(handler func(library.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}, nil
}

func (f *fakeLibrary) PresentPicker(ctx context.Context) error {
	f.mu.Lock()
	onPicker := f.onPicker
	err := f.pickerErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onPicker != nil {
		onPicker()
	}
	return nil
}

func (f *fakeLibrary) emit(ev library.ChangeEvent) {
	f.mu.Lock()
	handlers := make([]func(library.ChangeEvent), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// fakeRemote is a scriptable remote.Service.
type fakeRemote struct {
	mu            sync.Mutex
	user          *remote.User
	memberships   []remote.CameraMembership
	cameraPhotos  map[string][]remote.RemotePhoto
	recipients    []remote.PhotoRecipient
	photos        map[string]remote.RemotePhoto
	downloads     map[string][]byte
	downloadErr   error
	downloadBlock chan struct{} // when set, downloads hang until closed
	token         string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		user:         &remote.User{ID: "user-1"},
		cameraPhotos: make(map[string][]remote.RemotePhoto),
		photos:       make(map[string]remote.RemotePhoto),
		downloads:    make(map[string][]byte),
	}
}

func (f *fakeRemote) CurrentUser(ctx context.Context) (*remote.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, nil
}

func (f *fakeRemote) CameraMemberships(ctx context.Context, userID, cursor string) (*remote.MembershipPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &remote.MembershipPage{Items: f.memberships}, nil
}

func (f *fakeRemote) CameraPhotos(ctx context.Context, cameraID, cursor string) (*remote.PhotoPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &remote.PhotoPage{Items: f.cameraPhotos[cameraID]}, nil
}

func (f *fakeRemote) PhotoRecipients(ctx context.Context, userID, cursor string) (*remote.RecipientPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &remote.RecipientPage{Items: f.recipients}, nil
}

func (f *fakeRemote) PhotoByID(ctx context.Context, photoID string) (*remote.RemotePhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if photo, ok := f.photos[photoID]; ok {
		return &photo, nil
	}
	return nil, nil
}

func (f *fakeRemote) PushToken(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeRemote) DownloadPhoto(ctx context.Context, photoID, ownerID string) ([]byte, error) {
	f.mu.Lock()
	block := f.downloadBlock
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	if data, ok := f.downloads[photoID]; ok {
		return data, nil
	}
	return []byte("photo-bytes-" + photoID), nil
}

// fakeSender records sent push notifications.
type fakeSender struct {
	mu   sync.Mutex
	sent []push.SyncNotification
	err  error
}

func (f *fakeSender) SendSyncNotification(ctx context.Context, deviceToken string, notification push.SyncNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, notification)
	return nil
}
