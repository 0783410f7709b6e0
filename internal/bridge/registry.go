package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the bridges live within one control session, so
// session shutdown can tear them all down.
type Registry struct {
	mu       sync.Mutex
	bridges  map[uuid.UUID]*Bridge
}

func NewRegistry() *Registry {
	return &Registry{bridges: make(map[uuid.UUID]*Bridge)}
}

func (r *Registry) Add(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b.ID] = b
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bridges, id)
}

func (r *Registry) Get(id uuid.UUID) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[id]
	return b, ok
}

// All returns a snapshot of the currently tracked bridges.
func (r *Registry) All() []*Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// CloseAll tears down every tracked bridge, e.g. on session shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.bridges = make(map[uuid.UUID]*Bridge)
	r.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}
