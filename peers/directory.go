package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridmesh/logging"
	"gridmesh/protocol"
)

const (
	// DefaultBucketSize is k from the Kademlia paper.
	DefaultBucketSize = 20
	// DefaultStaleAfter is how long a silent peer stays in the table.
	DefaultStaleAfter = 15 * time.Minute

	pingTimeout = 5 * time.Second
)

var (
	ErrSelfRegistration = errors.New("refusing to add local node to its own directory")
	ErrUnknownNode      = errors.New("node not in directory")
)

// Pinger probes a peer for liveness. The directory uses it before
// evicting a bucket's oldest entry on overflow; classic Kademlia
// behavior rather than the evict-unconditionally shortcut.
type Pinger interface {
	Ping(ctx context.Context, node *Node) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context, node *Node) error

func (f PingerFunc) Ping(ctx context.Context, node *Node) error { return f(ctx, node) }

// bucket holds up to k peers at one distance range, oldest at the head,
// most recently seen at the tail. While the oldest entry is being
// probed, one newcomer waits in the replacement slot.
type bucket struct {
	entries     []protocol.NodeID
	replacement *Node
	pinging     bool
}

func (b *bucket) remove(id protocol.NodeID) {
	for i, e := range b.entries {
		if e == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

func (b *bucket) moveToTail(id protocol.NodeID) {
	b.remove(id)
	b.entries = append(b.entries, id)
}

func (b *bucket) contains(id protocol.NodeID) bool {
	for _, e := range b.entries {
		if e == id {
			return true
		}
	}
	return false
}

// Directory is the distance-keyed routing table of known peers. One
// logical owner: every mutation goes through the table mutex.
type Directory struct {
	self protocol.NodeID
	k    int

	mu      sync.RWMutex
	buckets [protocol.IDBytes * 8]bucket
	nodes   map[protocol.NodeID]*Node

	pinger     Pinger
	staleAfter time.Duration
	onEvict    func(id protocol.NodeID)
}

type Option func(*Directory)

func WithBucketSize(k int) Option {
	return func(d *Directory) { d.k = k }
}

func WithStaleAfter(ttl time.Duration) Option {
	return func(d *Directory) { d.staleAfter = ttl }
}

func WithPinger(p Pinger) Option {
	return func(d *Directory) { d.pinger = p }
}

// WithEvictionHook registers a callback invoked (outside the table
// lock) for every peer the staleness sweep removes. The node wiring
// uses it to fail jobs assigned to vanished providers.
func WithEvictionHook(hook func(id protocol.NodeID)) Option {
	return func(d *Directory) { d.onEvict = hook }
}

func NewDirectory(self protocol.NodeID, opts ...Option) *Directory {
	d := &Directory{
		self:       self,
		k:          DefaultBucketSize,
		nodes:      make(map[protocol.NodeID]*Node),
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) Self() protocol.NodeID { return d.self }

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// AddNode upserts a peer. A peer already present is refreshed and moved
// to the tail of its bucket. On bucket overflow the oldest entry is
// probed first; the newcomer is parked in the bucket's replacement slot
// until the probe settles.
func (d *Directory) AddNode(node *Node) error {
	if node.ID == d.self {
		return ErrSelfRegistration
	}
	if node.ID.IsZero() {
		return fmt.Errorf("%w: zero id", ErrUnknownNode)
	}

	dist := protocol.XORDistance(d.self, node.ID)
	idx := dist.BucketIndex()

	d.mu.Lock()
	node = node.clone()
	if node.LastSeenAt.IsZero() {
		node.LastSeenAt = time.Now()
	}

	if _, known := d.nodes[node.ID]; known {
		d.nodes[node.ID] = node
		d.buckets[idx].moveToTail(node.ID)
		d.mu.Unlock()
		return nil
	}

	b := &d.buckets[idx]
	if len(b.entries) < d.k {
		d.nodes[node.ID] = node
		b.entries = append(b.entries, node.ID)
		d.mu.Unlock()
		return nil
	}

	// Bucket full: park the newcomer and probe the oldest entry.
	b.replacement = node
	if b.pinging {
		d.mu.Unlock()
		return nil
	}
	b.pinging = true
	oldest := d.nodes[b.entries[0]].clone()
	d.mu.Unlock()

	go d.probeOldest(idx, oldest)
	return nil
}

// probeOldest pings the bucket's oldest entry. Alive: the oldest moves
// to the tail and the parked newcomer is dropped. Dead or no pinger:
// the oldest is evicted and the newcomer inserted.
func (d *Directory) probeOldest(idx int, oldest *Node) {
	var pingErr error
	if d.pinger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		pingErr = d.pinger.Ping(ctx, oldest)
		cancel()
	} else {
		pingErr = errors.New("no pinger configured")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b := &d.buckets[idx]
	b.pinging = false
	candidate := b.replacement
	b.replacement = nil
	if candidate == nil {
		return
	}
	if !b.contains(oldest.ID) {
		// Oldest left the bucket while we were probing; just insert.
		d.insertLocked(idx, candidate)
		return
	}

	if pingErr == nil {
		if n, ok := d.nodes[oldest.ID]; ok {
			n.LastSeenAt = time.Now()
		}
		b.moveToTail(oldest.ID)
		logging.Debug("Bucket full, oldest entry alive, dropping newcomer", logging.Peers,
			"bucket", idx, "oldest", oldest.ID.Short(), "dropped", candidate.ID.Short())
		return
	}

	delete(d.nodes, oldest.ID)
	b.remove(oldest.ID)
	d.insertLocked(idx, candidate)
	logging.Info("Evicted unresponsive peer on bucket overflow", logging.Peers,
		"bucket", idx, "evicted", oldest.ID.Short(), "inserted", candidate.ID.Short())
}

func (d *Directory) insertLocked(idx int, node *Node) {
	b := &d.buckets[idx]
	if len(b.entries) >= d.k {
		return
	}
	d.nodes[node.ID] = node
	b.entries = append(b.entries, node.ID)
}

// RemoveNode drops a peer from the map and its bucket.
func (d *Directory) RemoveNode(id protocol.NodeID) {
	dist := protocol.XORDistance(d.self, id)
	idx := dist.BucketIndex()
	if idx < 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
	d.buckets[idx].remove(id)
}

// UpdateNode merges the patch into the peer's record and refreshes its
// last-seen time and bucket position.
func (d *Directory) UpdateNode(id protocol.NodeID, patch Patch) error {
	dist := protocol.XORDistance(d.self, id)
	idx := dist.BucketIndex()

	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id.Short())
	}
	if patch.Addresses != nil {
		node.Addresses = append([]string(nil), patch.Addresses...)
	}
	if patch.Status != nil {
		node.Status = *patch.Status
	}
	if patch.ReputationScore != nil {
		node.ReputationScore = *patch.ReputationScore
	}
	if patch.ActiveJobs != nil {
		node.ActiveJobs = *patch.ActiveJobs
	}
	if patch.Capabilities != nil {
		node.Capabilities = *patch.Capabilities
	}
	node.LastSeenAt = time.Now()
	d.buckets[idx].moveToTail(id)
	return nil
}

// GetNode returns a copy of the peer's record.
func (d *Directory) GetNode(id protocol.NodeID) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return node.clone(), true
}

// Snapshot returns copies of every known peer.
func (d *Directory) Snapshot() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n.clone())
	}
	return out
}

// BucketLen is exposed for the invariant tests: no bucket ever exceeds k.
func (d *Directory) BucketLen(idx int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.buckets[idx].entries)
}
