package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corefront/webauth/oidc"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const (
	tokenFile    = "token.json"
	requestsFile = "requests.json"

	// watchDebounce coalesces the burst of filesystem events a single
	// atomic write produces into one notification.
	watchDebounce = 50 * time.Millisecond
)

// File is a directory-backed Store and RequestStore. Every process
// pointed at the same directory sees the same token, and Watch
// listeners are notified when any of them writes it. Writes go through
// a temp file and a rename, so readers never observe a half-written
// token; concurrent writers converge on whichever write lands last.
type File struct {
	dir    string
	logger hclog.Logger

	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
	watcher   *fsnotify.Watcher
	closed    bool
}

// NewFile creates a File store rooted at dir, creating the directory
// when needed. Supported options: WithLogger
func NewFile(dir string, opt ...oidc.Option) (*File, error) {
	const op = "store.NewFile"
	if dir == "" {
		return nil, fmt.Errorf("%s: directory is empty: %w", op, oidc.ErrInvalidParameter)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%s: unable to create %s: %w", op, dir, err)
	}
	opts := getFileOpts(opt...)
	return &File{
		dir:       dir,
		logger:    opts.withLogger,
		listeners: map[int]func(){},
	}, nil
}

// persistedToken is the durable form of a token triple. The redacting
// token types can't be used here since the triple has to round-trip
// through the file intact.
type persistedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Get implements Store.Get. A missing or unreadable token file reads
// as no token.
func (f *File) Get() (*oidc.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(f.dir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store.File.Get: %w", err)
	}
	var p persistedToken
	if err := json.Unmarshal(data, &p); err != nil {
		f.logger.Warn("discarding unreadable token file", "error", err)
		return nil, nil
	}
	if p.AccessToken == "" {
		return nil, nil
	}
	return &oidc.Token{
		AccessToken:  oidc.AccessToken(p.AccessToken),
		RefreshToken: oidc.RefreshToken(p.RefreshToken),
		IDToken:      oidc.IDToken(p.IDToken),
		Expiry:       p.Expiry,
	}, nil
}

// Set implements Store.Set.
func (f *File) Set(t *oidc.Token) error {
	const op = "store.File.Set"
	if t == nil {
		return fmt.Errorf("%s: token is nil: %w", op, oidc.ErrNilParameter)
	}
	p := persistedToken{
		AccessToken:  string(t.AccessToken),
		RefreshToken: string(t.RefreshToken),
		IDToken:      string(t.IDToken),
		Expiry:       t.Expiry,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeFile(tokenFile, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Clear implements Store.Clear.
func (f *File) Clear() error {
	const op = "store.File.Clear"
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(filepath.Join(f.dir, tokenFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Watch implements Store.Watch. The first Watch starts a filesystem
// watcher on the store directory; it runs until Close.
func (f *File) Watch(fn func()) (func(), error) {
	const op = "store.File.Watch"
	if fn == nil {
		return nil, fmt.Errorf("%s: listener is nil: %w", op, oidc.ErrNilParameter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if f.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := w.Add(f.dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("%s: unable to watch %s: %w", op, f.dir, err)
		}
		f.watcher = w
		reload := make(chan struct{}, 1)
		go f.scheduleNotify(reload)
		go f.handleEvents(w, reload)
	}
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}, nil
}

// Close stops the filesystem watcher. Registered listeners stop firing;
// the files themselves are left in place.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.listeners = map[int]func(){}
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *File) handleEvents(w *fsnotify.Watcher, reload chan<- struct{}) {
	// closing reload lets scheduleNotify exit once the watcher is gone
	defer close(reload)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != tokenFile {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("token store watcher error", "error", err)
		}
	}
}

func (f *File) scheduleNotify(reload <-chan struct{}) {
	var timer *time.Timer
	var c <-chan time.Time
	for {
		select {
		case _, ok := <-reload:
			if !ok {
				return
			}
			if timer != nil {
				timer.Reset(watchDebounce)
			} else {
				timer = time.NewTimer(watchDebounce)
				c = timer.C
			}
		case <-c:
			c = nil
			timer = nil
			f.notify()
		}
	}
}

func (f *File) notify() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Put implements RequestStore.Put.
func (f *File) Put(r *oidc.Request) error {
	const op = "store.File.Put"
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, oidc.ErrNilParameter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pending, err := f.readRequests()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	pending[r.State()] = r
	if err := f.writeRequests(pending); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Take implements RequestStore.Take. Expired requests are dropped as a
// side effect of any Take.
func (f *File) Take(state string) (*oidc.Request, error) {
	const op = "store.File.Take"
	f.mu.Lock()
	defer f.mu.Unlock()
	pending, err := f.readRequests()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	changed := false
	for s, r := range pending {
		if r.IsExpired() {
			delete(pending, s)
			changed = true
		}
	}
	r, ok := pending[state]
	if ok {
		delete(pending, state)
		changed = true
	}
	if changed {
		if err := f.writeRequests(pending); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, state, ErrNoRequest)
	}
	return r, nil
}

// Purge implements RequestStore.Purge.
func (f *File) Purge() error {
	const op = "store.File.Purge"
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(filepath.Join(f.dir, requestsFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *File) readRequests() (map[string]*oidc.Request, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, requestsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*oidc.Request{}, nil
		}
		return nil, err
	}
	pending := map[string]*oidc.Request{}
	if err := json.Unmarshal(data, &pending); err != nil {
		f.logger.Warn("discarding unreadable pending request file", "error", err)
		return map[string]*oidc.Request{}, nil
	}
	return pending, nil
}

func (f *File) writeRequests(pending map[string]*oidc.Request) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return f.writeFile(requestsFile, data)
}

// writeFile writes data to name via a temp file and a rename so readers
// in other processes never see a partial write. Callers hold f.mu.
func (f *File) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(f.dir, name))
}

type fileOptions struct {
	withLogger hclog.Logger
}

func fileDefaults() fileOptions {
	return fileOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getFileOpts(opt ...oidc.Option) fileOptions {
	opts := fileDefaults()
	oidc.ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger for store diagnostics.
func WithLogger(l hclog.Logger) oidc.Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		if o, ok := o.(*fileOptions); ok {
			o.withLogger = l
		}
	}
}
