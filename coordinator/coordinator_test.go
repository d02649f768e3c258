package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmesh/jobs"
	"gridmesh/protocol"
)

type sentEnvelope struct {
	to  protocol.NodeID
	env protocol.Envelope
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentEnvelope
	failTo map[protocol.NodeID]bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{failTo: make(map[protocol.NodeID]bool)}
}

func (f *fakeMessenger) SendTo(_ context.Context, to protocol.NodeID, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return fmt.Errorf("peer %s unreachable", to.Short())
	}
	f.sent = append(f.sent, sentEnvelope{to: to, env: env})
	return nil
}

func (f *fakeMessenger) byKind(kind protocol.Kind) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEnvelope, 0)
	for _, s := range f.sent {
		if s.env.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeMessenger) setUnreachable(id protocol.NodeID) {
	f.mu.Lock()
	f.failTo[id] = true
	f.mu.Unlock()
}

type fakeRegistry struct {
	mu        sync.Mutex
	running   []string
	completed map[string][]byte
	failed    map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{completed: make(map[string][]byte), failed: make(map[string]string)}
}

func (f *fakeRegistry) MarkRunning(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, jobID)
	return nil
}

func (f *fakeRegistry) Complete(_ context.Context, jobID string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[jobID] = result
	return nil
}

func (f *fakeRegistry) Fail(_ context.Context, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errMsg
	return nil
}

func (f *fakeRegistry) failure(jobID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.failed[jobID]
	return msg, ok
}

func (f *fakeRegistry) result(jobID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.completed[jobID]
	return res, ok
}

func startTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeMessenger, *fakeRegistry) {
	t.Helper()
	msg := newFakeMessenger()
	reg := newFakeRegistry()
	c := New(protocol.RandomNodeID(), msg, reg, nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	return c, msg, reg
}

func registerWorkers(t *testing.T, c *Coordinator, n int) []protocol.NodeID {
	t.Helper()
	ids := make([]protocol.NodeID, n)
	for i := range ids {
		ids[i] = protocol.RandomNodeID()
		require.NoError(t, c.QueueCommand(WorkerReadyCommand{Ready: protocol.WorkerReady{
			NodeID:       ids[i],
			Capabilities: protocol.Capabilities{MemoryMB: 16384, HasGPU: true, VRAMMB: 24576},
		}}))
	}
	return ids
}

// flush queues a synchronous command so every previously queued
// fire-and-forget command is known to have been processed.
func flush(c *Coordinator, jobID string) *jobs.DistributedJob {
	return c.GetDistributedJob(jobID)
}

func tensorJob(id string, workers, layers int) *jobs.Job {
	return &jobs.Job{
		ID:     id,
		Model:  "llama-7b",
		Type:   jobs.TypeInference,
		Status: jobs.StatusAssigned,
		Input:  json.RawMessage(`{"prompt":"hi"}`),
		Requirements: jobs.Requirements{
			Model:      "llama-7b",
			MinWorkers: workers,
			LayerCount: layers,
			Strategy:   jobs.StrategyTensorParallel,
		},
	}
}

// initShards recovers worker -> shard from the init_model envelopes.
func initShards(t *testing.T, msg *fakeMessenger) map[protocol.NodeID]protocol.ShardSpec {
	t.Helper()
	out := make(map[protocol.NodeID]protocol.ShardSpec)
	for _, s := range msg.byKind(protocol.KindInitModel) {
		var init protocol.InitModel
		require.NoError(t, s.env.Decode(&init))
		out[s.to] = init.Shard
	}
	return out
}

func TestStartJobTensorParallel(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 4)

	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 4, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	require.Len(t, shards, 4)
	ranges := make(map[int]int)
	for _, shard := range shards {
		ranges[shard.StartLayer] = shard.EndLayer
		assert.Equal(t, 32, shard.TotalLayers)
	}
	assert.Equal(t, map[int]int{0: 7, 8: 15, 16: 23, 24: 31}, ranges)

	assert.Len(t, msg.byKind(protocol.KindProcessInput), 4, "tensor parallel feeds every worker")

	reg.mu.Lock()
	assert.Equal(t, []string{"j1"}, reg.running)
	reg.mu.Unlock()

	djob := c.GetDistributedJob("j1")
	require.NotNil(t, djob)
	assert.Equal(t, jobs.StatusRunning, djob.Status)
	assert.Len(t, djob.Workers, 4)
}

func TestStartJobInsufficientWorkers(t *testing.T) {
	c, _, reg := startTestCoordinator(t)
	registerWorkers(t, c, 2)

	err := c.StartJob(context.Background(), tensorJob("j1", 4, 32), jobs.StrategyTensorParallel)
	assert.ErrorIs(t, err, ErrInsufficientWorkers)

	_, failed := reg.failure("j1")
	assert.True(t, failed)
	assert.Nil(t, c.GetDistributedJob("j1"))
}

func TestSelectWorkersSkipsIneligible(t *testing.T) {
	c, msg, _ := startTestCoordinator(t)

	capable := protocol.RandomNodeID()
	require.NoError(t, c.QueueCommand(WorkerReadyCommand{Ready: protocol.WorkerReady{
		NodeID:       capable,
		Capabilities: protocol.Capabilities{MemoryMB: 32768, HasGPU: true, VRAMMB: 48000},
	}}))
	require.NoError(t, c.QueueCommand(WorkerReadyCommand{Ready: protocol.WorkerReady{
		NodeID:       protocol.RandomNodeID(),
		Capabilities: protocol.Capabilities{MemoryMB: 2048},
	}}))

	job := tensorJob("j1", 1, 8)
	job.Requirements.RequireGPU = true
	job.Requirements.MinVRAMMB = 24000
	require.NoError(t, c.StartJob(context.Background(), job, jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	require.Len(t, shards, 1)
	_, ok := shards[capable]
	assert.True(t, ok, "only the GPU worker is eligible")
}

func TestTensorCompletionAuthority(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 2)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 2, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var lower, upper protocol.NodeID
	for w, shard := range shards {
		if shard.EndLayer == 31 {
			upper = w
		} else {
			lower = w
		}
	}

	require.NoError(t, c.QueueCommand(LayerResultCommand{JobID: "j1", Result: protocol.LayerResult{
		WorkerID: lower, Result: json.RawMessage(`"partial"`), IsComplete: true,
	}}))
	flush(c, "j1")
	_, done := reg.result("j1")
	assert.False(t, done, "the lower range is never authoritative")

	require.NoError(t, c.QueueCommand(LayerResultCommand{JobID: "j1", Result: protocol.LayerResult{
		WorkerID: upper, Result: json.RawMessage(`"final"`), IsComplete: true,
	}}))
	flush(c, "j1")

	result, done := reg.result("j1")
	require.True(t, done)
	assert.JSONEq(t, `"final"`, string(result))
	assert.Nil(t, c.GetDistributedJob("j1"), "completed jobs leave the active set")
	assert.NotEmpty(t, msg.byKind(protocol.KindShutdown), "workers get a job-scoped shutdown")
}

func TestWorkerFailureBelowQuorumRedistributes(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 4)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 4, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var failed protocol.NodeID
	for w := range shards {
		failed = w
		break
	}

	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: failed, JobID: "j1", Reason: "oom"}))
	djob := flush(c, "j1")

	require.NotNil(t, djob, "one failure out of four keeps the job running")
	require.Len(t, djob.WorkerFailures, 1)
	assert.Equal(t, failed, djob.WorkerFailures[0].PeerID)
	assert.Equal(t, jobs.ShardFailed, djob.PerWorker[failed].Status)
	assert.Len(t, djob.Workers, 4, "the worker set stays fixed")

	_, jobFailed := reg.failure("j1")
	assert.False(t, jobFailed)

	// Survivors were re-sharded over the full layer space.
	assigns := msg.byKind(protocol.KindAssignLayer)
	require.Len(t, assigns, 3)
	covered := 0
	for _, s := range assigns {
		var assign protocol.AssignLayer
		require.NoError(t, s.env.Decode(&assign))
		covered += assign.Shard.EndLayer - assign.Shard.StartLayer + 1
		assert.Equal(t, 32, assign.Shard.TotalLayers)
	}
	assert.Equal(t, 32, covered)
}

func TestRedistributeMoreSurvivorsThanRanges(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 6)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 6, 6), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var failed protocol.NodeID
	for w := range shards {
		failed = w
		break
	}

	// Five survivors over six layers yields only three two-layer ranges;
	// the remaining two workers are parked on an empty range.
	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: failed, JobID: "j1", Reason: "oom"}))
	djob := flush(c, "j1")

	require.NotNil(t, djob, "one failure out of six keeps the job running")
	require.Len(t, djob.WorkerFailures, 1)

	assigns := msg.byKind(protocol.KindAssignLayer)
	require.Len(t, assigns, 5, "every survivor hears its new shard")
	covered, parked := 0, 0
	for _, s := range assigns {
		var assign protocol.AssignLayer
		require.NoError(t, s.env.Decode(&assign))
		if assign.Shard.EndLayer < assign.Shard.StartLayer {
			parked++
			continue
		}
		covered += assign.Shard.EndLayer - assign.Shard.StartLayer + 1
		assert.Equal(t, 6, assign.Shard.TotalLayers)
	}
	assert.Equal(t, 6, covered)
	assert.Equal(t, 2, parked)

	_, jobFailed := reg.failure("j1")
	assert.False(t, jobFailed)
	assert.NotNil(t, c.GetDistributedJob("j1"), "the coordinator keeps serving commands")
}

func TestWorkerFailuresAtQuorumAbort(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 4)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 4, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var victims []protocol.NodeID
	for w := range shards {
		victims = append(victims, w)
		if len(victims) == 2 {
			break
		}
	}

	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: victims[0], JobID: "j1", Reason: "oom"}))
	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: victims[1], JobID: "j1", Reason: "oom"}))
	flush(c, "j1")

	// ceil(4/2) = 2 failures abort the job.
	msgText, jobFailed := reg.failure("j1")
	require.True(t, jobFailed)
	assert.Contains(t, msgText, "2 of 4")
	assert.Nil(t, c.GetDistributedJob("j1"))
}

func TestDuplicateFailureCountsOnce(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 4)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 4, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var failed protocol.NodeID
	for w := range shards {
		failed = w
		break
	}

	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: failed, JobID: "j1", Reason: "oom"}))
	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: failed, JobID: "j1", Reason: "still oom"}))
	djob := flush(c, "j1")

	require.NotNil(t, djob)
	assert.Len(t, djob.WorkerFailures, 1)
	_, jobFailed := reg.failure("j1")
	assert.False(t, jobFailed)
}

func TestPipelineRelinkOnFailure(t *testing.T) {
	c, msg, _ := startTestCoordinator(t)
	registerWorkers(t, c, 3)

	job := tensorJob("j1", 3, 24)
	job.Requirements.Strategy = jobs.StrategyPipelineParallel
	require.NoError(t, c.StartJob(context.Background(), job, jobs.StrategyPipelineParallel))

	shards := initShards(t, msg)
	var stage0, stage1, stage2 protocol.NodeID
	for w, shard := range shards {
		switch shard.Stage {
		case 0:
			stage0 = w
		case 1:
			stage1 = w
		case 2:
			stage2 = w
		}
	}

	assert.Len(t, msg.byKind(protocol.KindProcessInput), 1, "a pipeline feeds stage 0 only")

	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: stage1, JobID: "j1", Reason: "crashed"}))
	djob := flush(c, "j1")
	require.NotNil(t, djob)

	// The chain closes around the dead stage.
	assert.Equal(t, stage2.String(), djob.PerWorker[stage0].Shard.NextWorkerID)
	assert.Equal(t, stage0.String(), djob.PerWorker[stage2].Shard.PrevWorkerID)

	// Replay: stage 0 got the original input again.
	assert.Len(t, msg.byKind(protocol.KindProcessInput), 2)
}

func TestDataParallelCompletion(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 3)

	job := tensorJob("j1", 3, 0)
	job.Requirements.Strategy = jobs.StrategyDataParallel
	job.Requirements.BatchCount = 3
	job.Requirements.LayerCount = 0
	require.NoError(t, c.StartJob(context.Background(), job, jobs.StrategyDataParallel))

	shards := initShards(t, msg)
	require.Len(t, shards, 3)

	for w, shard := range shards {
		require.NoError(t, c.QueueCommand(LayerResultCommand{JobID: "j1", Result: protocol.LayerResult{
			WorkerID:   w,
			Result:     json.RawMessage(fmt.Sprintf(`"batch-%d"`, shard.BatchIndex)),
			IsComplete: true,
			BatchIndex: shard.BatchIndex,
		}}))
	}
	flush(c, "j1")

	result, done := reg.result("j1")
	require.True(t, done, "all batches reported")
	assert.JSONEq(t, `["batch-0","batch-1","batch-2"]`, string(result))
}

func TestDataParallelReassignsBatch(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 3)

	job := tensorJob("j1", 3, 0)
	job.Requirements.Strategy = jobs.StrategyDataParallel
	job.Requirements.BatchCount = 3
	job.Requirements.LayerCount = 0
	require.NoError(t, c.StartJob(context.Background(), job, jobs.StrategyDataParallel))

	shards := initShards(t, msg)
	var failed protocol.NodeID
	var failedBatch int
	for w, shard := range shards {
		failed = w
		failedBatch = shard.BatchIndex
		break
	}

	require.NoError(t, c.QueueCommand(WorkerErrorCommand{NodeID: failed, JobID: "j1", Reason: "gone"}))
	djob := flush(c, "j1")
	require.NotNil(t, djob)

	// The orphaned batch went to a survivor.
	assigns := msg.byKind(protocol.KindAssignLayer)
	require.Len(t, assigns, 1)
	var assign protocol.AssignLayer
	require.NoError(t, assigns[0].env.Decode(&assign))
	assert.Equal(t, failedBatch, assign.Shard.BatchIndex)
	assert.NotEqual(t, failed, assigns[0].to)

	// Completion now needs the reassigned batch from its new owner.
	for w, shard := range shards {
		if w == failed {
			continue
		}
		require.NoError(t, c.QueueCommand(LayerResultCommand{JobID: "j1", Result: protocol.LayerResult{
			WorkerID: w, Result: json.RawMessage(fmt.Sprintf(`"batch-%d"`, shard.BatchIndex)),
			IsComplete: true, BatchIndex: shard.BatchIndex,
		}}))
	}
	require.NoError(t, c.QueueCommand(LayerResultCommand{JobID: "j1", Result: protocol.LayerResult{
		WorkerID: assigns[0].to, Result: json.RawMessage(fmt.Sprintf(`"batch-%d"`, failedBatch)),
		IsComplete: true, BatchIndex: failedBatch,
	}}))
	flush(c, "j1")

	result, done := reg.result("j1")
	require.True(t, done)
	assert.JSONEq(t, `["batch-0","batch-1","batch-2"]`, string(result))
}

func TestInitSendFailureCountsTowardQuorum(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	workers := registerWorkers(t, c, 2)
	msg.setUnreachable(workers[0])
	msg.setUnreachable(workers[1])

	err := c.StartJob(context.Background(), tensorJob("j1", 2, 32), jobs.StrategyTensorParallel)
	require.Error(t, err)
	msgText, jobFailed := reg.failure("j1")
	require.True(t, jobFailed)
	assert.Contains(t, msgText, "initialization")
}

func TestCancelJob(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 2)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 2, 32), jobs.StrategyTensorParallel))

	require.NoError(t, c.CancelJob(context.Background(), "j1"))
	assert.Nil(t, c.GetDistributedJob("j1"))
	assert.NotEmpty(t, msg.byKind(protocol.KindShutdown))
	_, jobFailed := reg.failure("j1")
	assert.False(t, jobFailed, "cancel is not a failure")

	assert.ErrorIs(t, c.CancelJob(context.Background(), "nope"), ErrUnknownJob)
}

func TestJobTimeout(t *testing.T) {
	c, _, reg := startTestCoordinator(t, WithJobTimeout(50*time.Millisecond))
	registerWorkers(t, c, 2)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 2, 32), jobs.StrategyTensorParallel))

	require.Eventually(t, func() bool {
		_, failed := reg.failure("j1")
		return failed
	}, 2*time.Second, 10*time.Millisecond)

	msgText, _ := reg.failure("j1")
	assert.Contains(t, msgText, "timed out")
	assert.Nil(t, c.GetDistributedJob("j1"))
}

func TestSilentWorkerEviction(t *testing.T) {
	c, _, _ := startTestCoordinator(t, WithHeartbeatInterval(30*time.Millisecond))
	silent := registerWorkers(t, c, 1)[0]
	alive := registerWorkers(t, c, 1)[0]

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = c.QueueCommand(HeartbeatCommand{NodeID: alive, At: time.Now()})
			}
		}
	}()

	require.Eventually(t, func() bool {
		views := c.Workers()
		if len(views) != 1 {
			return false
		}
		return views[0].NodeID == alive
	}, 2*time.Second, 20*time.Millisecond, "worker %s should outlive %s", alive.Short(), silent.Short())
}

func TestWorkerDisconnectFailsItsJobs(t *testing.T) {
	c, msg, reg := startTestCoordinator(t)
	registerWorkers(t, c, 2)
	require.NoError(t, c.StartJob(context.Background(), tensorJob("j1", 2, 32), jobs.StrategyTensorParallel))

	shards := initShards(t, msg)
	var victim protocol.NodeID
	for w := range shards {
		victim = w
		break
	}

	// With 2 workers the quorum is 1: a single disconnect aborts.
	c.WorkerDisconnected(victim, "stream reset")
	flush(c, "j1")

	msgText, jobFailed := reg.failure("j1")
	require.True(t, jobFailed)
	assert.Contains(t, msgText, "stream reset")
}

func TestQueueCommandRejectsUnbufferedResponse(t *testing.T) {
	c, _, _ := startTestCoordinator(t)
	err := c.QueueCommand(StartJobCommand{Job: tensorJob("j1", 2, 32), Response: make(chan error)})
	assert.Error(t, err)
}
