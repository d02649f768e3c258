package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"

	"gridmesh/jobs"
	"gridmesh/protocol"
)

// LayerRange is a contiguous inclusive slice of model layers.
type LayerRange struct {
	Start int
	End   int
}

// PartitionLayers splits totalLayers into workerCount contiguous
// ranges of ceil(L/N) layers; only the last range may be shorter. The
// ranges are non-overlapping and cover exactly [0, L-1].
func PartitionLayers(totalLayers, workerCount int) []LayerRange {
	if totalLayers <= 0 || workerCount <= 0 {
		return nil
	}
	if workerCount > totalLayers {
		workerCount = totalLayers
	}
	per := (totalLayers + workerCount - 1) / workerCount
	ranges := make([]LayerRange, 0, workerCount)
	for start := 0; start < totalLayers; start += per {
		end := start + per - 1
		if end > totalLayers-1 {
			end = totalLayers - 1
		}
		ranges = append(ranges, LayerRange{Start: start, End: end})
	}
	return ranges
}

// buildShards assigns each worker its shard under the strategy. The
// worker order fixes shard order: index i gets range/stage/batch i.
func buildShards(strategy jobs.Strategy, workers []protocol.NodeID, req jobs.Requirements) (map[protocol.NodeID]protocol.ShardSpec, error) {
	n := len(workers)
	shards := make(map[protocol.NodeID]protocol.ShardSpec, n)

	switch strategy {
	case jobs.StrategyTensorParallel:
		layers := req.LayerCount
		if layers <= 0 {
			return nil, fmt.Errorf("tensor_parallel requires a positive layer count")
		}
		ranges := PartitionLayers(layers, n)
		if len(ranges) < n {
			return nil, fmt.Errorf("more workers (%d) than layers (%d)", n, layers)
		}
		for i, w := range workers {
			shards[w] = protocol.ShardSpec{
				StartLayer:  ranges[i].Start,
				EndLayer:    ranges[i].End,
				TotalLayers: layers,
				Stage:       i,
			}
		}

	case jobs.StrategyPipelineParallel:
		for i, w := range workers {
			shard := protocol.ShardSpec{Stage: i, TotalLayers: req.LayerCount}
			if i > 0 {
				shard.PrevWorkerID = workers[i-1].String()
			}
			if i < n-1 {
				shard.NextWorkerID = workers[i+1].String()
			}
			shards[w] = shard
		}

	case jobs.StrategyDataParallel:
		batches := req.BatchCount
		if batches <= 0 {
			batches = n
		}
		if batches != n {
			return nil, fmt.Errorf("data_parallel needs one worker per batch: %d workers, %d batches", n, batches)
		}
		for i, w := range workers {
			shards[w] = protocol.ShardSpec{
				BatchIndex:   i,
				TotalBatches: batches,
				TotalLayers:  req.LayerCount,
			}
		}

	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
	return shards, nil
}

// completionResult decides whether the job is finished and, if so,
// combines the final output per the strategy's rule.
func completionResult(a *activeJob) (json.RawMessage, bool) {
	switch a.djob.Strategy {
	case jobs.StrategyTensorParallel:
		// The worker holding the last layer range is authoritative.
		for id, st := range a.djob.PerWorker {
			if a.djob.Failed(id) {
				continue
			}
			if st.Shard.EndLayer == st.Shard.TotalLayers-1 && st.Status == jobs.ShardDone {
				return st.LastResult, true
			}
		}
		return nil, false

	case jobs.StrategyPipelineParallel:
		// The terminal stage (no next worker) signals completion.
		for id, st := range a.djob.PerWorker {
			if a.djob.Failed(id) {
				continue
			}
			if st.Shard.NextWorkerID == "" && st.Status == jobs.ShardDone {
				return st.LastResult, true
			}
		}
		return nil, false

	case jobs.StrategyDataParallel:
		// Every batch must report; the result is the ordered array of
		// batch outputs.
		if len(a.batchResults) < a.totalBatches {
			return nil, false
		}
		indexes := make([]int, 0, len(a.batchResults))
		for idx := range a.batchResults {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		ordered := make([]json.RawMessage, 0, len(indexes))
		for _, idx := range indexes {
			ordered = append(ordered, a.batchResults[idx])
		}
		combined, err := json.Marshal(ordered)
		if err != nil {
			return nil, false
		}
		return combined, true
	}
	return nil, false
}
