package coordinator

import (
	"fmt"
	"sort"

	"gridmesh/jobs"
	"gridmesh/protocol"
)

// selectWorkers picks the required number of workers for a job: drop
// anyone at their concurrency cap, drop capability mismatches, then
// prefer the least loaded.
func (c *Coordinator) selectWorkers(req jobs.Requirements, needed int) ([]protocol.NodeID, error) {
	eligible := make([]*workerEntry, 0, len(c.workers))
	for _, w := range c.workers {
		caps := w.capabilities
		if caps.MaxConcurrentJobs > 0 && w.activeJobs >= caps.MaxConcurrentJobs {
			continue
		}
		if req.MinMemoryMB > 0 && caps.MemoryMB < req.MinMemoryMB {
			continue
		}
		if req.RequireGPU && !caps.HasGPU {
			continue
		}
		if req.MinVRAMMB > 0 && caps.VRAMMB < req.MinVRAMMB {
			continue
		}
		if req.Model != "" && !caps.SupportsModel(req.Model) {
			continue
		}
		eligible = append(eligible, w)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].activeJobs < eligible[j].activeJobs
	})

	if len(eligible) < needed {
		return nil, fmt.Errorf("%w: need %d workers, %d eligible",
			ErrInsufficientWorkers, needed, len(eligible))
	}

	selected := make([]protocol.NodeID, needed)
	for i := 0; i < needed; i++ {
		selected[i] = eligible[i].id
	}
	return selected, nil
}
