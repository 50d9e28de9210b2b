package store

import (
	"fmt"
	"sync"

	"github.com/corefront/webauth/oidc"
)

// Memory is an in-process Store and RequestStore. It has no durability
// and no cross-process visibility; it exists for tests and single-shot
// tools.
type Memory struct {
	mu        sync.Mutex
	token     *oidc.Token
	pending   map[string]*oidc.Request
	listeners map[int]func()
	nextID    int
}

func NewMemory() *Memory {
	return &Memory{
		pending:   map[string]*oidc.Request{},
		listeners: map[int]func(){},
	}
}

// Get implements Store.Get.
func (m *Memory) Get() (*oidc.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, nil
	}
	cp := *m.token
	return &cp, nil
}

// Set implements Store.Set.
func (m *Memory) Set(t *oidc.Token) error {
	const op = "store.Memory.Set"
	if t == nil {
		return fmt.Errorf("%s: token is nil: %w", op, oidc.ErrNilParameter)
	}
	cp := *t
	m.mu.Lock()
	m.token = &cp
	fns := m.snapshotListeners()
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Clear implements Store.Clear.
func (m *Memory) Clear() error {
	m.mu.Lock()
	m.token = nil
	fns := m.snapshotListeners()
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Watch implements Store.Watch. Memory listeners fire synchronously
// from Set and Clear.
func (m *Memory) Watch(fn func()) (func(), error) {
	const op = "store.Memory.Watch"
	if fn == nil {
		return nil, fmt.Errorf("%s: listener is nil: %w", op, oidc.ErrNilParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}, nil
}

// Put implements RequestStore.Put.
func (m *Memory) Put(r *oidc.Request) error {
	const op = "store.Memory.Put"
	if r == nil {
		return fmt.Errorf("%s: request is nil: %w", op, oidc.ErrNilParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[r.State()] = r
	return nil
}

// Take implements RequestStore.Take.
func (m *Memory) Take(state string) (*oidc.Request, error) {
	const op = "store.Memory.Take"
	m.mu.Lock()
	defer m.mu.Unlock()
	for s, r := range m.pending {
		if r.IsExpired() {
			delete(m.pending, s)
		}
	}
	r, ok := m.pending[state]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, state, ErrNoRequest)
	}
	delete(m.pending, state)
	return r, nil
}

// Purge implements RequestStore.Purge.
func (m *Memory) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = map[string]*oidc.Request{}
	return nil
}

// snapshotListeners copies the listener set; callers hold m.mu.
func (m *Memory) snapshotListeners() []func() {
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}
