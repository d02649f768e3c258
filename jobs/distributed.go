package jobs

import (
	"encoding/json"
	"time"

	"gridmesh/protocol"
)

// Strategy is how a multi-node job splits across workers.
type Strategy string

const (
	StrategyTensorParallel   Strategy = "tensor_parallel"
	StrategyPipelineParallel Strategy = "pipeline_parallel"
	StrategyDataParallel     Strategy = "data_parallel"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyTensorParallel, StrategyPipelineParallel, StrategyDataParallel:
		return true
	}
	return false
}

type WorkerShardStatus string

const (
	ShardAssigned WorkerShardStatus = "assigned"
	ShardRunning  WorkerShardStatus = "running"
	ShardDone     WorkerShardStatus = "done"
	ShardFailed   WorkerShardStatus = "failed"
)

// WorkerState tracks one worker's slice of a distributed job.
type WorkerState struct {
	Shard      protocol.ShardSpec `json:"shard"`
	Status     WorkerShardStatus  `json:"status"`
	LastResult json.RawMessage    `json:"lastResult,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

type WorkerFailure struct {
	PeerID protocol.NodeID `json:"peerId"`
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
}

// DistributedJob is the coordinator's record of a multi-node job.
// Workers is fixed once the job is running; a failed worker stays in
// Workers and is recorded in WorkerFailures.
type DistributedJob struct {
	JobID          string                           `json:"jobId"`
	CoordinatorID  protocol.NodeID                  `json:"coordinatorId"`
	Workers        []protocol.NodeID                `json:"workers"`
	Strategy       Strategy                         `json:"strategy"`
	PerWorker      map[protocol.NodeID]*WorkerState `json:"perWorkerState"`
	WorkerFailures []WorkerFailure                  `json:"workerFailures"`
	Status         Status                           `json:"status"`
	StartedAt      time.Time                        `json:"startedAt"`
}

// FailureQuorum is the failure count at which the job aborts:
// ceil(N/2) of the original worker set.
func (d *DistributedJob) FailureQuorum() int {
	n := len(d.Workers)
	return (n + 1) / 2
}

// Failed reports whether the peer is recorded as failed.
func (d *DistributedJob) Failed(id protocol.NodeID) bool {
	for _, f := range d.WorkerFailures {
		if f.PeerID == id {
			return true
		}
	}
	return false
}

// Survivors returns the workers not recorded as failed, in assignment
// order.
func (d *DistributedJob) Survivors() []protocol.NodeID {
	out := make([]protocol.NodeID, 0, len(d.Workers))
	for _, w := range d.Workers {
		if !d.Failed(w) {
			out = append(out, w)
		}
	}
	return out
}
