package messages

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/klipach/firebridge/contract"
)

type memoryDoc struct {
	id   string
	data map[string]any
}

// Memory is an in-process store with the same append and snapshot semantics as Firestore.
// Documents are returned in insertion order.
type Memory struct {
	mu       sync.Mutex
	docs     map[string][]memoryDoc
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string][]memoryDoc),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

func (m *Memory) Add(_ context.Context, uid, content string) (string, error) {
	return m.Insert(uid, map[string]any{contract.FirestoreContentField: content}), nil
}

// Insert stores a raw document, for fixtures that do not follow the message shape.
func (m *Memory) Insert(uid string, data map[string]any) string {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[uid] = append(m.docs[uid], memoryDoc{id: id, data: maps.Clone(data)})
	for ch := range m.watchers[uid] {
		select {
		case ch <- struct{}{}:
		default: // a snapshot is already pending
		}
	}
	return id
}

func (m *Memory) snapshot(uid string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.docs[uid]))
	for _, d := range m.docs[uid] {
		out = append(out, maps.Clone(d.data))
	}
	return out
}

// Watch delivers the current snapshot immediately, then one per change, until ctx is done.
func (m *Memory) Watch(ctx context.Context, uid string, fn func(docs []map[string]any)) error {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}

	m.mu.Lock()
	if m.watchers[uid] == nil {
		m.watchers[uid] = make(map[chan struct{}]struct{})
	}
	m.watchers[uid][ch] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers[uid], ch)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			fn(m.snapshot(uid))
		}
	}
}

// Watchers returns the number of live listeners for uid.
func (m *Memory) Watchers(uid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[uid])
}
