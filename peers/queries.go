package peers

import (
	"sort"

	"gridmesh/protocol"
)

// FindClosestNodes returns up to count peers sorted ascending by XOR
// distance to target, after applying the optional filters.
func (d *Directory) FindClosestNodes(target protocol.NodeID, count int, filters *QueryFilters) []*Node {
	d.mu.RLock()
	candidates := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		if filters != nil {
			if filters.Status != "" && n.Status != filters.Status {
				continue
			}
			if n.ReputationScore < filters.MinReputation {
				continue
			}
			if filters.AggregatorsOnly && !n.Capabilities.IsAggregator {
				continue
			}
		}
		candidates = append(candidates, n.clone())
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := protocol.XORDistance(target, candidates[i].ID)
		dj := protocol.XORDistance(target, candidates[j].ID)
		return di.Cmp(dj) < 0
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// FindProviders returns up to count available peers that satisfy the
// hardware and model filters, best first: reputation descending, then
// price ascending.
func (d *Directory) FindProviders(q ProviderQuery, count int) []*Node {
	d.mu.RLock()
	candidates := make([]*Node, 0)
	for _, n := range d.nodes {
		if n.Status != StatusAvailable {
			continue
		}
		caps := n.Capabilities
		if q.RequireGPU && !caps.HasGPU {
			continue
		}
		if caps.VRAMMB < q.MinVRAMMB {
			continue
		}
		if caps.CPUCores < q.MinCPUCores {
			continue
		}
		if q.Model != "" && !caps.SupportsModel(q.Model) {
			continue
		}
		candidates = append(candidates, n.clone())
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReputationScore != candidates[j].ReputationScore {
			return candidates[i].ReputationScore > candidates[j].ReputationScore
		}
		return candidates[i].Capabilities.PricePerUnit < candidates[j].Capabilities.PricePerUnit
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// FindAggregators returns up to count available coordinator-capable
// peers under their aggregation cap, least loaded first, reputation
// descending as the tie-break.
func (d *Directory) FindAggregators(count int) []*Node {
	d.mu.RLock()
	candidates := make([]*Node, 0)
	for _, n := range d.nodes {
		if n.Status != StatusAvailable {
			continue
		}
		if !n.Capabilities.IsAggregator {
			continue
		}
		if n.Capabilities.MaxAggregations > 0 && n.ActiveJobs >= n.Capabilities.MaxAggregations {
			continue
		}
		candidates = append(candidates, n.clone())
	}
	d.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := loadFraction(candidates[i]), loadFraction(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i].ReputationScore > candidates[j].ReputationScore
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

func loadFraction(n *Node) float64 {
	cap := n.Capabilities.MaxAggregations
	if cap <= 0 {
		cap = 1
	}
	return float64(n.ActiveJobs) / float64(cap)
}
