package subinode

import (
	"sync"
	"time"

	"github.com/ordishs/go-utils/expiringmap"
)

// NetFulfilled is the C2 per-peer fulfilled-request registry: a mapping
// (peer_addr, tag) -> expiry, used purely to suppress repeat traffic
// ("have we already asked/answered this peer for X"). It is never
// authoritative for protocol correctness, only a rate-limit.
//
// One expiringmap per tag is kept (ordishs/go-utils/expiringmap) — each
// tag's first caller fixes that tag's eviction duration, since in
// practice every caller for a given tag (e.g. "dseg", "payment-sync")
// asks for the same window.
type NetFulfilled struct {
	mu   sync.Mutex
	tags map[string]*expiringmap.ExpiringMap[string, struct{}]
}

func NewNetFulfilled() *NetFulfilled {
	return &NetFulfilled{
		tags: make(map[string]*expiringmap.ExpiringMap[string, struct{}]),
	}
}

// Add records that peerAddr has been asked/answered for tag, expiring
// after ttl.
func (n *NetFulfilled) Add(peerAddr, tag string, ttl time.Duration) {
	n.mu.Lock()
	m, ok := n.tags[tag]
	if !ok {
		m = expiringmap.New[string, struct{}](ttl)
		n.tags[tag] = m
	}
	n.mu.Unlock()

	m.Set(peerAddr, struct{}{})
}

// Has reports whether peerAddr is still within its fulfilled window for tag.
func (n *NetFulfilled) Has(peerAddr, tag string) bool {
	n.mu.Lock()
	m, ok := n.tags[tag]
	n.mu.Unlock()

	if !ok {
		return false
	}

	_, found := m.Get(peerAddr)

	return found
}

// Remove clears peerAddr's fulfilled marker for tag, if any.
func (n *NetFulfilled) Remove(peerAddr, tag string) {
	n.mu.Lock()
	m, ok := n.tags[tag]
	n.mu.Unlock()

	if ok {
		m.Delete(peerAddr)
	}
}

// ExpireAll drops every tracked entry for every tag, used on a network
// switch or full reset.
func (n *NetFulfilled) ExpireAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tags = make(map[string]*expiringmap.ExpiringMap[string, struct{}])
}
