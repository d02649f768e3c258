package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmesh/jobs"
	"gridmesh/protocol"
)

func TestPartitionLayersEven(t *testing.T) {
	ranges := PartitionLayers(32, 4)
	require.Len(t, ranges, 4)
	assert.Equal(t, []LayerRange{{0, 7}, {8, 15}, {16, 23}, {24, 31}}, ranges)
}

func TestPartitionLayersUneven(t *testing.T) {
	// ceil(10/3) = 4 layers per worker, last range shorter.
	ranges := PartitionLayers(10, 3)
	require.Len(t, ranges, 3)
	assert.Equal(t, []LayerRange{{0, 3}, {4, 7}, {8, 9}}, ranges)
}

func TestPartitionLayersCoversExactly(t *testing.T) {
	for _, tc := range []struct{ layers, workers int }{
		{32, 4}, {10, 3}, {7, 7}, {100, 9}, {5, 2},
	} {
		ranges := PartitionLayers(tc.layers, tc.workers)
		next := 0
		for _, r := range ranges {
			assert.Equal(t, next, r.Start, "L=%d N=%d: contiguous, non-overlapping", tc.layers, tc.workers)
			assert.GreaterOrEqual(t, r.End, r.Start)
			next = r.End + 1
		}
		assert.Equal(t, tc.layers, next, "L=%d N=%d: covers [0, L-1]", tc.layers, tc.workers)
	}
}

func TestPartitionLayersDegenerate(t *testing.T) {
	assert.Nil(t, PartitionLayers(0, 3))
	assert.Nil(t, PartitionLayers(5, 0))
	// More workers than layers collapses to one layer each.
	assert.Len(t, PartitionLayers(2, 5), 2)
}

func TestBuildShardsTensor(t *testing.T) {
	workers := testWorkerIDs(4)
	shards, err := buildShards(jobs.StrategyTensorParallel, workers, jobs.Requirements{LayerCount: 32})
	require.NoError(t, err)
	require.Len(t, shards, 4)

	for i, w := range workers {
		shard := shards[w]
		assert.Equal(t, i*8, shard.StartLayer)
		assert.Equal(t, i*8+7, shard.EndLayer)
		assert.Equal(t, 32, shard.TotalLayers)
		assert.Equal(t, i, shard.Stage)
	}
}

func TestBuildShardsTensorErrors(t *testing.T) {
	_, err := buildShards(jobs.StrategyTensorParallel, testWorkerIDs(2), jobs.Requirements{})
	assert.Error(t, err, "layer count required")

	_, err = buildShards(jobs.StrategyTensorParallel, testWorkerIDs(5), jobs.Requirements{LayerCount: 3})
	assert.Error(t, err, "more workers than layers")
}

func TestBuildShardsPipeline(t *testing.T) {
	workers := testWorkerIDs(3)
	shards, err := buildShards(jobs.StrategyPipelineParallel, workers, jobs.Requirements{LayerCount: 24})
	require.NoError(t, err)

	first := shards[workers[0]]
	assert.Empty(t, first.PrevWorkerID)
	assert.Equal(t, workers[1].String(), first.NextWorkerID)

	middle := shards[workers[1]]
	assert.Equal(t, workers[0].String(), middle.PrevWorkerID)
	assert.Equal(t, workers[2].String(), middle.NextWorkerID)

	terminal := shards[workers[2]]
	assert.Equal(t, workers[1].String(), terminal.PrevWorkerID)
	assert.Empty(t, terminal.NextWorkerID, "the last stage has no next worker")
}

func TestBuildShardsData(t *testing.T) {
	workers := testWorkerIDs(3)
	shards, err := buildShards(jobs.StrategyDataParallel, workers, jobs.Requirements{BatchCount: 3})
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, w := range workers {
		shard := shards[w]
		assert.Equal(t, 3, shard.TotalBatches)
		seen[shard.BatchIndex] = true
	}
	assert.Len(t, seen, 3, "each worker owns a distinct batch")

	_, err = buildShards(jobs.StrategyDataParallel, workers, jobs.Requirements{BatchCount: 5})
	assert.Error(t, err, "batch count must match worker count")

	// Unset batch count defaults to one batch per worker.
	shards, err = buildShards(jobs.StrategyDataParallel, workers, jobs.Requirements{})
	require.NoError(t, err)
	assert.Len(t, shards, 3)
}

func TestBuildShardsUnknownStrategy(t *testing.T) {
	_, err := buildShards(jobs.Strategy("shuffle"), testWorkerIDs(2), jobs.Requirements{})
	assert.Error(t, err)
}

func TestCompletionResultTensor(t *testing.T) {
	workers := testWorkerIDs(2)
	a := &activeJob{
		job: &jobs.Job{ID: "j1"},
		djob: &jobs.DistributedJob{
			Strategy: jobs.StrategyTensorParallel,
			Workers:  workers,
			PerWorker: map[protocol.NodeID]*jobs.WorkerState{
				workers[0]: {Shard: protocol.ShardSpec{StartLayer: 0, EndLayer: 15, TotalLayers: 32}, Status: jobs.ShardDone, LastResult: json.RawMessage(`"lower"`)},
				workers[1]: {Shard: protocol.ShardSpec{StartLayer: 16, EndLayer: 31, TotalLayers: 32}, Status: jobs.ShardRunning},
			},
		},
	}

	_, done := completionResult(a)
	assert.False(t, done, "last-range worker still running")

	// Only the worker holding the final layer range is authoritative.
	a.djob.PerWorker[workers[1]].Status = jobs.ShardDone
	a.djob.PerWorker[workers[1]].LastResult = json.RawMessage(`"upper"`)
	result, done := completionResult(a)
	require.True(t, done)
	assert.JSONEq(t, `"upper"`, string(result))
}

func TestCompletionResultPipeline(t *testing.T) {
	workers := testWorkerIDs(2)
	a := &activeJob{
		job: &jobs.Job{ID: "j1"},
		djob: &jobs.DistributedJob{
			Strategy: jobs.StrategyPipelineParallel,
			Workers:  workers,
			PerWorker: map[protocol.NodeID]*jobs.WorkerState{
				workers[0]: {Shard: protocol.ShardSpec{Stage: 0, NextWorkerID: workers[1].String()}, Status: jobs.ShardDone, LastResult: json.RawMessage(`"stage0"`)},
				workers[1]: {Shard: protocol.ShardSpec{Stage: 1, PrevWorkerID: workers[0].String()}, Status: jobs.ShardRunning},
			},
		},
	}

	_, done := completionResult(a)
	assert.False(t, done, "terminal stage not done yet")

	a.djob.PerWorker[workers[1]].Status = jobs.ShardDone
	a.djob.PerWorker[workers[1]].LastResult = json.RawMessage(`"final"`)
	result, done := completionResult(a)
	require.True(t, done)
	assert.JSONEq(t, `"final"`, string(result))
}

func TestCompletionResultData(t *testing.T) {
	a := &activeJob{
		job:          &jobs.Job{ID: "j1"},
		djob:         &jobs.DistributedJob{Strategy: jobs.StrategyDataParallel},
		totalBatches: 3,
		batchResults: map[int]json.RawMessage{
			2: json.RawMessage(`"c"`),
			0: json.RawMessage(`"a"`),
		},
	}

	_, done := completionResult(a)
	assert.False(t, done, "a batch is still outstanding")

	a.batchResults[1] = json.RawMessage(`"b"`)
	result, done := completionResult(a)
	require.True(t, done)
	assert.JSONEq(t, `["a","b","c"]`, string(result), "batch order, not arrival order")
}

func testWorkerIDs(n int) []protocol.NodeID {
	out := make([]protocol.NodeID, n)
	for i := range out {
		out[i] = protocol.RandomNodeID()
	}
	return out
}
