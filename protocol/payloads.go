package protocol

import "encoding/json"

// Capabilities is what a peer advertises about its hardware and the
// workloads it accepts.
type Capabilities struct {
	MemoryMB          int64    `json:"memoryMb"`
	HasGPU            bool     `json:"hasGpu"`
	VRAMMB            int64    `json:"vramMb"`
	CPUCores          int      `json:"cpuCores"`
	MaxBatchSize      int      `json:"maxBatchSize"`
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
	SupportedModels   []string `json:"supportedModels"`
	SupportedTasks    []string `json:"supportedTasks"`
	PricePerUnit      float64  `json:"pricePerUnit"`
	IsAggregator      bool     `json:"isAggregator"`
	MaxAggregations   int      `json:"maxAggregations"`
}

// SupportsModel reports whether the peer advertises the model. An empty
// list means the peer runs anything.
func (c Capabilities) SupportsModel(model string) bool {
	if len(c.SupportedModels) == 0 {
		return true
	}
	for _, m := range c.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// NodeInfo is the wire identity of a peer: who it is, how to reach it,
// and what it can do. Directory-local state (status, reputation, last
// seen) lives on peers.Node.
type NodeInfo struct {
	ID           NodeID       `json:"id"`
	Addresses    []string     `json:"addresses"`
	PublicKey    string       `json:"publicKey,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// PeerAnnounce is broadcast when a peer joins or refreshes itself, and
// sent unicast in response to a peer:query.
type PeerAnnounce struct {
	Node       NodeInfo `json:"node"`
	Status     string   `json:"status"`
	Reputation float64  `json:"reputation"`
}

// PeerQuery asks a peer for the nodes closest to Target out of its own
// table. Responses arrive as unicast peer:announce messages to From.
type PeerQuery struct {
	From   NodeID `json:"from"`
	Target NodeID `json:"target"`
	Count  int    `json:"count"`
}

type ReputationUpdate struct {
	PeerID NodeID  `json:"peerId"`
	JobID  string  `json:"jobId"`
	Score  float64 `json:"score"`
}

type JobBroadcast struct {
	JobID        string          `json:"jobId"`
	Model        string          `json:"model"`
	Task         string          `json:"task"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
}

type JobBid struct {
	NodeID NodeID  `json:"nodeId"`
	Price  float64 `json:"price"`
}

// JobAssign hands a job to a node: directly to a provider on the
// single-node path, or to a coordinator on the multi-node path. From is
// the submitting node, where job:result replies go.
type JobAssign struct {
	NodeID       NodeID          `json:"nodeId"`
	From         NodeID          `json:"from"`
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input,omitempty"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
}

type JobResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type JobDispute struct {
	Reason string `json:"reason"`
}

type WorkerReady struct {
	NodeID       NodeID       `json:"nodeId"`
	Capabilities Capabilities `json:"capabilities"`
	Addresses    []string     `json:"addresses,omitempty"`
}

type WorkerStatus struct {
	NodeID     NodeID `json:"nodeId"`
	Status     string `json:"status"`
	ActiveJobs int    `json:"activeJobs"`
}

type WorkerError struct {
	NodeID NodeID `json:"nodeId"`
	Error  string `json:"error"`
}

// ShardSpec describes the slice of work a worker owns under one of the
// splitting strategies. Layer bounds are inclusive. An empty
// NextWorkerID on a pipeline stage marks the terminal stage.
type ShardSpec struct {
	StartLayer   int    `json:"startLayer"`
	EndLayer     int    `json:"endLayer"`
	TotalLayers  int    `json:"totalLayers"`
	Stage        int    `json:"stage"`
	NextWorkerID string `json:"nextWorkerId,omitempty"`
	PrevWorkerID string `json:"prevWorkerId,omitempty"`
	BatchIndex   int    `json:"batchIndex"`
	TotalBatches int    `json:"totalBatches"`
}

type InitModel struct {
	Model        string    `json:"model"`
	Strategy     string    `json:"strategy"`
	WorkerIndex  int       `json:"workerIndex"`
	TotalWorkers int       `json:"totalWorkers"`
	Shard        ShardSpec `json:"shard"`
}

type ProcessInput struct {
	Input json.RawMessage `json:"input"`
}

type AssignLayer struct {
	Shard ShardSpec `json:"shard"`
}

// Shutdown with an empty JobID on the envelope tears the worker down
// entirely; with a job id it only releases that job's state.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

type ConfigUpdate struct {
	Config json.RawMessage `json:"config"`
}

type LayerResult struct {
	WorkerID   NodeID          `json:"workerId"`
	Result     json.RawMessage `json:"result"`
	IsComplete bool            `json:"isComplete"`
	BatchIndex int             `json:"batchIndex,omitempty"`
}

type Heartbeat struct {
	NodeID    NodeID `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}
