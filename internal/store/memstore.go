package store

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is a volatile, in-process implementation of Backend. It models
// exactly the capability subset this system issues against a real
// replica (spec.md §6); nothing more. Durability across restarts is an
// explicit non-goal (spec.md §1): MemStore holds everything in a map
// guarded by a mutex and loses it all on process exit.
type MemStore struct {
	opts DialOptions

	mu     sync.Mutex
	lists  map[string][]Entry
	closed bool
}

// NewMemStore creates an in-memory Backend bound to the given dial
// options. The options are recorded for observability only; no socket is
// opened.
func NewMemStore(opts DialOptions) *MemStore {
	return &MemStore{
		opts:  opts,
		lists: make(map[string][]Entry),
	}
}

func (m *MemStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store: connection to %s:%d: %w", m.opts.Host, m.opts.Port, ErrConnectionClosed)
	}
	return nil
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	_, ok := m.lists[key]
	return ok, nil
}

// RPush unconditionally appends entry to the tail, creating the timeline
// if it does not already exist, and returns the new length.
func (m *MemStore) RPush(_ context.Context, key string, entry Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	m.lists[key] = append(m.lists[key], entry)
	return len(m.lists[key]), nil
}

// RPushX appends entry to the tail only if the timeline already exists,
// and returns the new length. If the timeline does not exist, the entry
// is dropped and the returned length is 0.
func (m *MemStore) RPushX(_ context.Context, key string, entry Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	cur, ok := m.lists[key]
	if !ok {
		return 0, nil
	}
	m.lists[key] = append(cur, entry)
	return len(m.lists[key]), nil
}

// LPushX prepends entry to the head only if the timeline already exists.
func (m *MemStore) LPushX(_ context.Context, key string, entry Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	cur, ok := m.lists[key]
	if !ok {
		return 0, nil
	}
	next := make([]Entry, 0, len(cur)+1)
	next = append(next, entry)
	next = append(next, cur...)
	m.lists[key] = next
	return len(next), nil
}

// LRem removes every exact-match occurrence of entry and returns the
// count removed.
func (m *MemStore) LRem(_ context.Context, key string, entry Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	cur, ok := m.lists[key]
	if !ok {
		return 0, nil
	}
	kept := cur[:0:0]
	removed := 0
	for _, e := range cur {
		if entriesEqual(e, entry) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		m.lists[key] = kept
	}
	return removed, nil
}

// LInsertBefore inserts entry so that it reads as "immediately before
// pivot" in newest-first order — i.e. just nearer the tail than the
// occurrence of pivot nearest the tail, landing at array position i+1
// where pivot sits at i (index 0 is the head/oldest end). It reports
// whether an insertion happened.
func (m *MemStore) LInsertBefore(_ context.Context, key string, pivot, entry Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	cur, ok := m.lists[key]
	if !ok {
		return false, nil
	}
	for i := len(cur) - 1; i >= 0; i-- {
		if entriesEqual(cur[i], pivot) {
			next := make([]Entry, 0, len(cur)+1)
			next = append(next, cur[:i+1]...)
			next = append(next, entry)
			next = append(next, cur[i+1:]...)
			m.lists[key] = next
			return true, nil
		}
	}
	return false, nil
}

// LRange returns up to length entries starting offset positions from the
// tail, newest first. length <= 0 means "from offset to the head".
func (m *MemStore) LRange(_ context.Context, key string, offset, length int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	cur := m.lists[key]
	n := len(cur)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil, nil
	}

	// The copy loop walks from the tail (newest) toward the head (oldest).
	// position p (0-based, p=0 is newest) corresponds to cur[n-1-p].
	start := n - 1 - offset
	var count int
	if length <= 0 {
		count = start + 1
	} else {
		count = length
		if count > start+1 {
			count = start + 1
		}
	}

	out := make([]Entry, count)
	for i := 0; i < count; i++ {
		out[i] = cur[start-i]
	}
	return out, nil
}

func (m *MemStore) LLen(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return len(m.lists[key]), nil
}

// LTrim keeps the last (newest) size entries, dropping the rest.
func (m *MemStore) LTrim(_ context.Context, key string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	cur, ok := m.lists[key]
	if !ok {
		return nil
	}
	if size <= 0 {
		delete(m.lists, key)
		return nil
	}
	if len(cur) <= size {
		return nil
	}
	m.lists[key] = append([]Entry{}, cur[len(cur)-size:]...)
	return nil
}

func (m *MemStore) Del(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	_, ok := m.lists[key]
	delete(m.lists, key)
	return ok, nil
}

// Rename atomically moves src to dst, overwriting any existing dst.
func (m *MemStore) Rename(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	cur, ok := m.lists[src]
	if !ok {
		return fmt.Errorf("store: rename source %q does not exist", src)
	}
	m.lists[dst] = cur
	delete(m.lists, src)
	return nil
}

// Keys returns a snapshot of every timeline name currently present.
func (m *MemStore) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.lists))
	for k := range m.lists {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemStore) Quit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemStore) Heartbeat(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkOpen()
}

func entriesEqual(a, b Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Backend = (*MemStore)(nil)
