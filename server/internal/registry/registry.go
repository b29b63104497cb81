package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateID is returned by Register when the id is already a member.
var ErrDuplicateID = errors.New("registry: duplicate connection id")

// Conn is one live client session as seen by the relay core.
// The transport owns the outbound queue; the registry only tracks identity
// and liveness.
type Conn struct {
	ID         string
	Transport  string
	Protocol   int
	RemoteAddr string
	UserAgent  string

	created  time.Time
	seq      uint64
	open     atomic.Bool
	sent     atomic.Uint64
	upgraded atomic.Bool
}

// Open reports whether the connection is still a registry member.
func (c *Conn) Open() bool { return c.open.Load() }

// Sent returns the number of frames handed to the transport for c.
func (c *Conn) Sent() uint64 { return c.sent.Load() }

// MarkUpgraded records that a polling session moved to websocket.
func (c *Conn) MarkUpgraded() { c.upgraded.Store(true) }

// TransportName returns the transport currently carrying c.
func (c *Conn) TransportName() string {
	if c.upgraded.Load() {
		return "websocket"
	}
	return c.Transport
}

// Status is the JSON view of a Conn served by the admin API.
type Status struct {
	ID         string `json:"id"`
	Transport  string `json:"transport"`
	Protocol   int    `json:"protocol"`
	RemoteAddr string `json:"remote_addr"`
	UserAgent  string `json:"user_agent,omitempty"`
	Created    int64  `json:"created_at"`
	MsgsSent   uint64 `json:"msgs_sent"`
}

// Registry is the set of connections currently eligible for broadcasts.
// Membership changes and Snapshot are mutually exclusive, so a snapshot
// always reflects a single point in time.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	seq   uint64
	now   func() time.Time // injectable for deterministic tests
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		now:   time.Now,
	}
}

// Register admits c and returns its id.
func (r *Registry) Register(c *Conn) (string, error) {
	if c == nil || c.ID == "" {
		return "", fmt.Errorf("registry: register: empty connection id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
	}
	r.seq++
	c.seq = r.seq
	c.created = r.now()
	c.open.Store(true)
	r.conns[c.ID] = c
	return c.ID, nil
}

// Unregister removes id. Removing an absent id is a no-op; the return value
// reports whether a member was actually removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	c.open.Store(false)
	return true
}

// Snapshot returns a copy of the member ids in admission order.
// The caller may iterate it freely while membership keeps changing.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		members = append(members, c)
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	ids := make([]string, len(members))
	for i, c := range members {
		ids[i] = c.ID
	}
	return ids
}

// Get returns the member with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// MarkSent records one successful hand-off to the transport for id.
func (r *Registry) MarkSent(id string) {
	if c, ok := r.Get(id); ok {
		c.sent.Add(1)
	}
}

// List returns the status of every member, oldest first.
func (r *Registry) List() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, Status{
			ID:         c.ID,
			Transport:  c.TransportName(),
			Protocol:   c.Protocol,
			RemoteAddr: c.RemoteAddr,
			UserAgent:  c.UserAgent,
			Created:    c.created.Unix(),
			MsgsSent:   c.sent.Load(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}
