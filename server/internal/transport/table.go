package transport

import "sync"

// table is the thread-safe set of live sessions, keyed by sid.
type table struct {
	mu   sync.RWMutex
	data map[string]*session
}

func newTable() *table {
	return &table{data: make(map[string]*session)}
}

func (t *table) put(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[s.id] = s
}

func (t *table) get(id string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.data[id]
	return s, ok
}

// remove deletes id only while it still maps to s.
func (t *table) remove(id string, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data[id] == s {
		delete(t.data, id)
	}
}

func (t *table) all() []*session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*session, 0, len(t.data))
	for _, s := range t.data {
		out = append(out, s)
	}
	return out
}

func (t *table) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}
