package coordinator

import (
	"time"

	"gridmesh/jobs"
	"gridmesh/protocol"
)

// Command is processed by the coordinator's single actor goroutine.
// GetResponseChannelCapacity returns the capacity of the command's
// response channel, or -1 for fire-and-forget commands; a zero
// capacity would block the actor and is rejected at the queue.
type Command interface {
	GetResponseChannelCapacity() int
}

// StartJobCommand launches a distributed job under the given strategy.
type StartJobCommand struct {
	Job      *jobs.Job
	Strategy jobs.Strategy
	Response chan error
}

func NewStartJobCommand(job *jobs.Job, strategy jobs.Strategy) StartJobCommand {
	return StartJobCommand{Job: job, Strategy: strategy, Response: make(chan error, 2)}
}

func (c StartJobCommand) GetResponseChannelCapacity() int { return cap(c.Response) }

// CancelJobCommand aborts a distributed job cooperatively.
type CancelJobCommand struct {
	JobID    string
	Response chan error
}

func NewCancelJobCommand(jobID string) CancelJobCommand {
	return CancelJobCommand{JobID: jobID, Response: make(chan error, 2)}
}

func (c CancelJobCommand) GetResponseChannelCapacity() int { return cap(c.Response) }

// WorkerReadyCommand registers or refreshes a worker agent.
type WorkerReadyCommand struct {
	Ready protocol.WorkerReady
}

func (c WorkerReadyCommand) GetResponseChannelCapacity() int { return -1 }

// WorkerErrorCommand reports a worker-side execution failure.
type WorkerErrorCommand struct {
	NodeID protocol.NodeID
	JobID  string
	Reason string
}

func (c WorkerErrorCommand) GetResponseChannelCapacity() int { return -1 }

// WorkerDisconnectedCommand reports a transport-level loss of a worker.
type WorkerDisconnectedCommand struct {
	NodeID protocol.NodeID
	Reason string
}

func (c WorkerDisconnectedCommand) GetResponseChannelCapacity() int { return -1 }

// LayerResultCommand carries one worker's shard output.
type LayerResultCommand struct {
	JobID  string
	Result protocol.LayerResult
}

func (c LayerResultCommand) GetResponseChannelCapacity() int { return -1 }

// HeartbeatCommand refreshes a worker's liveness.
type HeartbeatCommand struct {
	NodeID protocol.NodeID
	At     time.Time
}

func (c HeartbeatCommand) GetResponseChannelCapacity() int { return -1 }

// sweepCommand runs the heartbeat eviction pass.
type sweepCommand struct{}

func (c sweepCommand) GetResponseChannelCapacity() int { return -1 }

// jobTimeoutCommand fires when a job's timer expires.
type jobTimeoutCommand struct {
	jobID string
}

func (c jobTimeoutCommand) GetResponseChannelCapacity() int { return -1 }

// GetJobCommand fetches a snapshot of a distributed job.
type GetJobCommand struct {
	JobID    string
	Response chan *jobs.DistributedJob
}

func NewGetJobCommand(jobID string) GetJobCommand {
	return GetJobCommand{JobID: jobID, Response: make(chan *jobs.DistributedJob, 2)}
}

func (c GetJobCommand) GetResponseChannelCapacity() int { return cap(c.Response) }

// WorkerView is the read-only form of a registered worker.
type WorkerView struct {
	NodeID        protocol.NodeID       `json:"nodeId"`
	Capabilities  protocol.Capabilities `json:"capabilities"`
	ActiveJobs    int                   `json:"activeJobs"`
	LastHeartbeat time.Time             `json:"lastHeartbeat"`
}

// GetWorkersCommand lists registered workers.
type GetWorkersCommand struct {
	Response chan []WorkerView
}

func NewGetWorkersCommand() GetWorkersCommand {
	return GetWorkersCommand{Response: make(chan []WorkerView, 2)}
}

func (c GetWorkersCommand) GetResponseChannelCapacity() int { return cap(c.Response) }
