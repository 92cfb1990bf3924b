package rcluster

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// Node identifies a single Redis Cluster server. It is immutable once
// constructed.
type Node struct {
	IP   string
	Port uint16
}

// Addr returns the "ip:port" form used as a map key and dial target.
func (n Node) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(int(n.Port)))
}

func (n Node) String() string { return n.Addr() }

// SlotEntry is the ordered list of nodes that own one hash slot. Position
// 0 is always the master; positions >= 1 are replicas, in the order
// CLUSTER SLOTS reported them. A SlotEntry is never published empty.
type SlotEntry []Node

// Master returns the entry's master node.
func (e SlotEntry) Master() Node { return e[0] }

// SlotMap is a fixed logical array indexed by slot. An unassigned slot
// has a nil entry.
type SlotMap [hashSlots]SlotEntry

// ServerList is the union of every node appearing in any SlotEntry: the
// dynamically discovered cluster membership, distinct from the
// user-provided seed list.
type ServerList []Node

// MasterList is the subset of ServerList reported as "master" by
// CLUSTER NODES. It is fully replaced on every successful refresh, never
// appended to, so it cannot grow unboundedly across reloads.
type MasterList []Node

// Topology is an immutable, consistent snapshot of cluster routing
// state. A refresh produces a brand new Topology and atomically replaces
// whatever the cache held for that cluster name; callers that already
// hold a reference keep a coherent view for the duration of one command
// attempt even if a concurrent refresh runs.
type Topology struct {
	Slots   SlotMap
	Servers ServerList
	Masters MasterList
}

// EntryFor returns the SlotEntry owning slot s, or false if the slot is
// unassigned in this Topology.
func (t *Topology) EntryFor(slot int) (SlotEntry, bool) {
	e := t.Slots[slot]
	if e == nil {
		return nil, false
	}
	return e, true
}

// TopologyCache maps cluster name to the currently published Topology.
// Reads and writes take a short lock only to look up (or, for writes,
// create) the per-name slot; the Topology itself is then loaded or
// swapped through an atomic pointer. It is shared process-wide and has no connection-lifetime
// responsibilities of its own.
type TopologyCache struct {
	mu      sync.Mutex
	entries map[string]*atomic.Pointer[Topology]
}

// NewTopologyCache creates an empty cache. Most callers use the
// process-wide DefaultTopologyCache instead of constructing their own,
// so that multiple ClusterClient instances for the same cluster name
// share one cache, per spec.
func NewTopologyCache() *TopologyCache {
	return &TopologyCache{entries: make(map[string]*atomic.Pointer[Topology])}
}

// DefaultTopologyCache is the process-wide cache used by ClusterClient
// unless a test or embedder supplies its own.
var DefaultTopologyCache = NewTopologyCache()

func (c *TopologyCache) slot(name string) *atomic.Pointer[Topology] {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[name]
	if !ok {
		p = &atomic.Pointer[Topology]{}
		c.entries[name] = p
	}
	return p
}

// Get returns the currently published Topology for name, or (nil, false)
// if none has been published yet.
func (c *TopologyCache) Get(name string) (*Topology, bool) {
	c.mu.Lock()
	p, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	t := p.Load()
	return t, t != nil
}

// Replace atomically swaps the published Topology for name.
func (c *TopologyCache) Replace(name string, t *Topology) {
	c.slot(name).Store(t)
}
