package peers

import (
	"context"
	"time"

	"gridmesh/logging"
	"gridmesh/protocol"
)

const (
	DefaultSweepInterval     = time.Minute
	DefaultDiscoveryInterval = 30 * time.Second
)

// DiscoveryFunc is called each discovery tick with a lookup target and
// the closest peers currently known to it. The node wiring sends
// peer:query messages to those peers; answers come back as
// peer:announce and flow into AddNode. One network hop per tick; a
// full recursive lookup is out of scope.
type DiscoveryFunc func(target protocol.NodeID, closest []*Node)

// RunMaintenance runs the staleness sweep and discovery ticks until the
// context is canceled. Sweep evicts peers unseen for longer than the
// staleness threshold; discovery asks nearby peers for nodes close to
// our own id to keep the low buckets populated.
func (d *Directory) RunMaintenance(ctx context.Context, discover DiscoveryFunc) {
	sweep := time.NewTicker(DefaultSweepInterval)
	defer sweep.Stop()
	discovery := time.NewTicker(DefaultDiscoveryInterval)
	defer discovery.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			d.sweepStale()
		case <-discovery.C:
			if discover == nil {
				continue
			}
			target := d.self
			closest := d.FindClosestNodes(target, d.k, nil)
			if len(closest) > 0 {
				discover(target, closest)
			}
		}
	}
}

func (d *Directory) sweepStale() {
	cutoff := time.Now().Add(-d.staleAfter)

	d.mu.Lock()
	var evicted []protocol.NodeID
	for id, n := range d.nodes {
		if n.LastSeenAt.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		idx := protocol.XORDistance(d.self, id).BucketIndex()
		delete(d.nodes, id)
		d.buckets[idx].remove(id)
	}
	d.mu.Unlock()

	if len(evicted) > 0 {
		logging.Info("Swept stale peers", logging.Peers, "count", len(evicted))
	}
	if d.onEvict != nil {
		for _, id := range evicted {
			d.onEvict(id)
		}
	}
}
