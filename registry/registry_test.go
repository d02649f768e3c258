package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridmesh/jobs"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/store"
)

type sentEnvelope struct {
	to  protocol.NodeID
	env protocol.Envelope
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentEnvelope
	sendErr error
}

func (f *fakeMessenger) SendTo(_ context.Context, to protocol.NodeID, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEnvelope{to: to, env: env})
	return nil
}

func (f *fakeMessenger) last(t *testing.T) sentEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeDistributor struct {
	mu      sync.Mutex
	started []*jobs.Job
	err     error
}

func (f *fakeDistributor) StartJob(_ context.Context, job *jobs.Job, strategy jobs.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, job)
	return nil
}

func provider(id protocol.NodeID, price float64) *peers.Node {
	return &peers.Node{
		NodeInfo: protocol.NodeInfo{
			ID:           id,
			Addresses:    []string{"/ip4/127.0.0.1/tcp/4001"},
			Capabilities: protocol.Capabilities{HasGPU: true, VRAMMB: 24576, CPUCores: 16, PricePerUnit: price},
		},
		Status:          peers.StatusAvailable,
		ReputationScore: 4.0,
	}
}

func testRegistry(t *testing.T) (*Registry, *peers.Directory, *fakeMessenger, store.Store) {
	t.Helper()
	self := protocol.RandomNodeID()
	dir := peers.NewDirectory(self)
	msg := &fakeMessenger{}
	st := store.NewMemory()
	return New(self, st, dir, msg), dir, msg, st
}

func TestSubmitSingleNode(t *testing.T) {
	reg, dir, msg, st := testRegistry(t)
	prov := provider(protocol.RandomNodeID(), 1.0)
	require.NoError(t, dir.AddNode(prov))

	job := &jobs.Job{Model: "llama-7b", Input: json.RawMessage(`{"p":1}`)}
	require.NoError(t, reg.Submit(context.Background(), job))

	assert.NotEmpty(t, job.ID, "ids are generated when absent")
	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAssigned, stored.Status)
	assert.Equal(t, prov.ID, stored.AssignedNode)

	sent := msg.last(t)
	assert.Equal(t, prov.ID, sent.to)
	assert.Equal(t, protocol.KindJobAssign, sent.env.Type)
	var assign protocol.JobAssign
	require.NoError(t, sent.env.Decode(&assign))
	assert.Equal(t, prov.ID, assign.NodeID)
	assert.Equal(t, reg.self, assign.From)
	assert.Equal(t, "llama-7b", assign.Model)

	node, _ := dir.GetNode(prov.ID)
	assert.Equal(t, peers.StatusBusy, node.Status)
	assert.Equal(t, 1, node.ActiveJobs)
}

func TestSubmitRespectsPriceCap(t *testing.T) {
	reg, dir, msg, _ := testRegistry(t)
	expensive := provider(protocol.RandomNodeID(), 9.0)
	cheap := provider(protocol.RandomNodeID(), 0.5)
	cheap.ReputationScore = 1.0 // ranked last despite the price
	require.NoError(t, dir.AddNode(expensive))
	require.NoError(t, dir.AddNode(cheap))

	job := &jobs.Job{Model: "llama-7b", Requirements: jobs.Requirements{MaxPricePerUnit: 1.0}}
	require.NoError(t, reg.Submit(context.Background(), job))

	assert.Equal(t, cheap.ID, msg.last(t).to, "providers over the price cap are skipped")
}

func TestSubmitNoProviderFailsJob(t *testing.T) {
	reg, _, _, st := testRegistry(t)

	job := &jobs.Job{Model: "llama-7b"}
	err := reg.Submit(context.Background(), job)
	assert.ErrorIs(t, err, ErrCapabilityMismatch)

	stored, getErr := st.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestSubmitSendFailureFailsJob(t *testing.T) {
	reg, dir, msg, st := testRegistry(t)
	prov := provider(protocol.RandomNodeID(), 1.0)
	require.NoError(t, dir.AddNode(prov))
	msg.sendErr = errors.New("stream reset")

	job := &jobs.Job{Model: "llama-7b"}
	require.Error(t, reg.Submit(context.Background(), job))

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, stored.Status)

	node, _ := dir.GetNode(prov.ID)
	assert.Equal(t, peers.StatusAvailable, node.Status, "the provider is released")
}

func TestSubmitMultiNodeLocalCoordinator(t *testing.T) {
	reg, _, _, st := testRegistry(t)
	dist := &fakeDistributor{}
	reg.SetDistributor(dist)

	job := &jobs.Job{
		Model: "llama-70b",
		Requirements: jobs.Requirements{
			MinWorkers: 4,
			LayerCount: 80,
			Strategy:   jobs.StrategyTensorParallel,
		},
	}
	require.NoError(t, reg.Submit(context.Background(), job))

	// No aggregator peers known, so the submitting node coordinates.
	require.Len(t, dist.started, 1)
	assert.Equal(t, job.ID, dist.started[0].ID)
	assert.Equal(t, reg.self, dist.started[0].CoordinatorID)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAssigned, stored.Status)
	assert.Equal(t, reg.self, stored.CoordinatorID)
}

func TestSubmitMultiNodeForwardsToAggregator(t *testing.T) {
	reg, dir, msg, _ := testRegistry(t)

	agg := provider(protocol.RandomNodeID(), 1.0)
	agg.Capabilities.IsAggregator = true
	require.NoError(t, dir.AddNode(agg))

	req := jobs.Requirements{MinWorkers: 2, LayerCount: 16, Strategy: jobs.StrategyPipelineParallel}
	job := &jobs.Job{Model: "llama-70b", Requirements: req, Input: json.RawMessage(`{"p":1}`)}
	require.NoError(t, reg.Submit(context.Background(), job))

	sent := msg.last(t)
	assert.Equal(t, agg.ID, sent.to)
	var assign protocol.JobAssign
	require.NoError(t, sent.env.Decode(&assign))
	assert.Equal(t, reg.self, assign.From)

	var carried jobs.Requirements
	require.NoError(t, json.Unmarshal(assign.Requirements, &carried))
	assert.Equal(t, req, carried, "requirements travel with the hand-off")
}

func TestSubmitMultiNodeNoCoordinator(t *testing.T) {
	reg, _, _, st := testRegistry(t)

	job := &jobs.Job{Model: "llama-70b", Requirements: jobs.Requirements{MinWorkers: 2}}
	err := reg.Submit(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoCoordinator)

	stored, getErr := st.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, stored.Status)
}

func TestLifecycleTransitions(t *testing.T) {
	reg, dir, _, _ := testRegistry(t)
	prov := provider(protocol.RandomNodeID(), 1.0)
	require.NoError(t, dir.AddNode(prov))

	job := &jobs.Job{Model: "llama-7b"}
	require.NoError(t, reg.Submit(context.Background(), job))

	require.NoError(t, reg.MarkRunning(context.Background(), job.ID))
	require.NoError(t, reg.Complete(context.Background(), job.ID, []byte(`"done"`)))

	stored, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	assert.JSONEq(t, `"done"`, string(stored.Result))
	assert.NotNil(t, stored.CompletedAt)

	// Terminal states absorb every further transition.
	assert.ErrorIs(t, reg.Fail(context.Background(), job.ID, "late"), ErrJobTerminal)
	assert.ErrorIs(t, reg.Cancel(context.Background(), job.ID), ErrJobTerminal)

	node, _ := dir.GetNode(prov.ID)
	assert.Equal(t, peers.StatusAvailable, node.Status, "completion releases the provider")
	assert.Equal(t, 0, node.ActiveJobs)
}

func TestCancelAssignedJob(t *testing.T) {
	reg, dir, _, _ := testRegistry(t)
	require.NoError(t, dir.AddNode(provider(protocol.RandomNodeID(), 1.0)))

	job := &jobs.Job{Model: "llama-7b"}
	require.NoError(t, reg.Submit(context.Background(), job))
	require.NoError(t, reg.Cancel(context.Background(), job.ID))

	stored, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, stored.Status)
}

func TestOnPeerDisconnect(t *testing.T) {
	reg, dir, _, st := testRegistry(t)
	prov := provider(protocol.RandomNodeID(), 1.0)
	require.NoError(t, dir.AddNode(prov))

	// One job already finished; disconnect must not touch it.
	finished := &jobs.Job{Model: "model-0"}
	require.NoError(t, reg.Submit(context.Background(), finished))
	require.NoError(t, reg.MarkRunning(context.Background(), finished.ID))
	require.NoError(t, reg.Complete(context.Background(), finished.ID, []byte(`"ok"`)))

	active := &jobs.Job{Model: "model-1"}
	require.NoError(t, reg.Submit(context.Background(), active))
	ids := []string{finished.ID, active.ID}

	reg.OnPeerDisconnect(context.Background(), prov.ID)

	first, err := st.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, first.Status)

	second, err := st.GetJob(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, second.Status)
	assert.Contains(t, second.Error, "disconnected")
}

func TestListAndWatch(t *testing.T) {
	reg, dir, _, _ := testRegistry(t)
	require.NoError(t, dir.AddNode(provider(protocol.RandomNodeID(), 1.0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := reg.Watch(ctx)

	job := &jobs.Job{Model: "llama-7b"}
	require.NoError(t, reg.Submit(ctx, job))

	ev := <-events
	assert.Equal(t, job.ID, ev.Job.ID)

	assigned, err := reg.List(ctx, store.JobFilter{Status: jobs.StatusAssigned})
	require.NoError(t, err)
	assert.Len(t, assigned, 1)
}
