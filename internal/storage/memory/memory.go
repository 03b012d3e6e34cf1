// Package memory implements an in-process key-value storage with change
// notifications. Every adapter sharing one Storage sees the others' writes,
// the way browser tabs share local storage.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xenking/kart-cart/internal/persist"
)

var (
	_ persist.Storage = (*Storage)(nil)
	_ persist.Watcher = (*Storage)(nil)
)

// Storage is a concurrency-safe map of byte values.
type Storage struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[string][]*mailbox
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{
		data:     make(map[string][]byte),
		watchers: make(map[string][]*mailbox),
	}
}

// Get returns a copy of the value stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, persist.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Set stores a copy of value and notifies the key's watchers.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = slices.Clone(value)
	s.notifyLocked(key, value)
	return nil
}

// Delete removes key. Watchers receive nil.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	s.notifyLocked(key, nil)
	return nil
}

// Len returns the number of stored keys.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Watch calls fn with every new value of key. Notifications are delivered
// on a separate goroutine, in write order.
func (s *Storage) Watch(key string, fn func([]byte)) (stop func()) {
	mb := newMailbox(fn)

	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], mb)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.watchers[key] = slices.DeleteFunc(s.watchers[key], func(m *mailbox) bool { return m == mb })
			if len(s.watchers[key]) == 0 {
				delete(s.watchers, key)
			}
			s.mu.Unlock()
			mb.close()
		})
	}
}

func (s *Storage) notifyLocked(key string, value []byte) {
	for _, mb := range s.watchers[key] {
		mb.post(slices.Clone(value))
	}
}

// mailbox is an unbounded ordered queue drained by one goroutine, so a slow
// watcher never blocks writers.
type mailbox struct {
	fn func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	signal chan struct{}
}

func newMailbox(fn func([]byte)) *mailbox {
	mb := &mailbox{fn: fn, signal: make(chan struct{}, 1)}
	go mb.run()
	return mb
}

func (m *mailbox) post(v []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, v)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	close(m.signal)
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for range m.signal {
		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.fn(v)
		}
	}
}
