package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gridmesh/jobs"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/reputation"
)

// Memory is the in-process backend: the default for tests and
// single-node setups without durability needs.
type Memory struct {
	mu         sync.RWMutex
	nodes      map[protocol.NodeID][]byte
	jobs       map[string][]byte
	djobs      map[string][]byte
	reputation map[protocol.NodeID][]byte
	watch      *jobWatch
}

func NewMemory() *Memory {
	return &Memory{
		nodes:      make(map[protocol.NodeID][]byte),
		jobs:       make(map[string][]byte),
		djobs:      make(map[string][]byte),
		reputation: make(map[protocol.NodeID][]byte),
		watch:      newJobWatch(),
	}
}

func encode(v any) ([]byte, error)   { return json.Marshal(v) }
func decode(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func (m *Memory) PutNode(_ context.Context, node *peers.Node) error {
	raw, err := encode(node)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes[node.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetNode(_ context.Context, id protocol.NodeID) (*peers.Node, error) {
	m.mu.RLock()
	raw, ok := m.nodes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id.Short())
	}
	var node peers.Node
	if err := decode(raw, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*peers.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peers.Node, 0, len(m.nodes))
	for _, raw := range m.nodes {
		var node peers.Node
		if err := decode(raw, &node); err != nil {
			return nil, err
		}
		out = append(out, &node)
	}
	return out, nil
}

func (m *Memory) DeleteNode(_ context.Context, id protocol.NodeID) error {
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *jobs.Job) error {
	raw, err := encode(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = raw
	m.mu.Unlock()
	m.watch.notify(JobEvent{Type: JobPut, Job: cloneJob(job)})
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	m.mu.RLock()
	raw, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	var job jobs.Job
	if err := decode(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *Memory) UpdateJob(_ context.Context, job *jobs.Job) error {
	raw, err := encode(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.jobs[job.ID] = raw
	m.mu.Unlock()
	m.watch.notify(JobEvent{Type: JobPut, Job: cloneJob(job)})
	return nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]*jobs.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*jobs.Job, 0)
	for _, raw := range m.jobs {
		var job jobs.Job
		if err := decode(raw, &job); err != nil {
			return nil, err
		}
		if filter.matches(&job) {
			out = append(out, &job)
		}
	}
	return out, nil
}

func (m *Memory) WatchJobs(ctx context.Context) <-chan JobEvent {
	return m.watch.watch(ctx)
}

func (m *Memory) PutDistributedJob(_ context.Context, djob *jobs.DistributedJob) error {
	raw, err := encode(djob)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.djobs[djob.JobID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDistributedJob(_ context.Context, jobID string) (*jobs.DistributedJob, error) {
	m.mu.RLock()
	raw, ok := m.djobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: distributed job %s", ErrNotFound, jobID)
	}
	var djob jobs.DistributedJob
	if err := decode(raw, &djob); err != nil {
		return nil, err
	}
	return &djob, nil
}

func (m *Memory) PutReputation(_ context.Context, rec *reputation.Record) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.reputation[rec.PeerID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetReputation(_ context.Context, id protocol.NodeID) (*reputation.Record, error) {
	m.mu.RLock()
	raw, ok := m.reputation[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: reputation %s", ErrNotFound, id.Short())
	}
	var rec reputation.Record
	if err := decode(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Memory) ListReputation(_ context.Context) ([]*reputation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*reputation.Record, 0, len(m.reputation))
	for _, raw := range m.reputation {
		var rec reputation.Record
		if err := decode(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneJob(job *jobs.Job) *jobs.Job {
	cp := *job
	return &cp
}
