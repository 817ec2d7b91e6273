package session

import (
	"context"
	"sync"

	"github.com/bjo163/zapflow/internal/common"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/transport"
)

// Handle is the registry entry for one live transport session.
type Handle struct {
	ConnectionID int64
	TenantID     int64
	Session      transport.Session

	conn   *domain.Connection // owned by the handle's event loop
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newHandle(conn *domain.Connection, s transport.Session) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	c := *conn
	return &Handle{
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Session:      s,
		conn:         &c,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// stop ends the event loop and drops the network connection.
func (h *Handle) stop() {
	h.once.Do(func() {
		h.cancel()
		h.Session.Close()
	})
}

// Registry is the table of live sessions keyed by connection id. Every
// mutation happens while holding the id's lock from Lock.
type Registry struct {
	locks   *common.KeyedMutex[int64]
	mu      sync.RWMutex
	handles map[int64]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		locks:   common.NewKeyedMutex[int64](),
		handles: make(map[int64]*Handle),
	}
}

// Lock serialises lifecycle operations for one connection id.
func (r *Registry) Lock(id int64) func() {
	return r.locks.Lock(id)
}

func (r *Registry) Get(id int64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Session returns the live transport session for the outbound sender.
func (r *Registry) Session(id int64) (transport.Session, bool) {
	h, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return h.Session, true
}

func (r *Registry) put(h *Handle) {
	r.mu.Lock()
	r.handles[h.ConnectionID] = h
	r.mu.Unlock()
}

// remove deletes the entry only if it still points at h, so a stale handle
// can never evict its replacement.
func (r *Registry) remove(id int64, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[id]; ok && cur == h {
		delete(r.handles, id)
		return true
	}
	return false
}

func (r *Registry) isCurrent(h *Handle) bool {
	cur, ok := r.Get(h.ConnectionID)
	return ok && cur == h
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
