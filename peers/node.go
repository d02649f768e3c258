package peers

import (
	"time"

	"gridmesh/protocol"
)

// Status is the directory's view of a peer's availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Node is the canonical directory record for a peer: its wire identity
// plus the local bookkeeping the directory maintains about it.
type Node struct {
	protocol.NodeInfo

	Status          Status    `json:"status"`
	ReputationScore float64   `json:"reputationScore"`
	ActiveJobs      int       `json:"activeJobs"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

func (n *Node) clone() *Node {
	cp := *n
	cp.Addresses = append([]string(nil), n.Addresses...)
	cp.Capabilities.SupportedModels = append([]string(nil), n.Capabilities.SupportedModels...)
	cp.Capabilities.SupportedTasks = append([]string(nil), n.Capabilities.SupportedTasks...)
	return &cp
}

// Patch carries partial updates for UpdateNode. Nil fields are left
// untouched; LastSeenAt is always refreshed.
type Patch struct {
	Addresses       []string
	Status          *Status
	ReputationScore *float64
	ActiveJobs      *int
	Capabilities    *protocol.Capabilities
}

// ProviderQuery filters provider lookups.
type ProviderQuery struct {
	Model       string
	MinVRAMMB   int64
	MinCPUCores int
	RequireGPU  bool
}

// QueryFilters narrows FindClosestNodes results.
type QueryFilters struct {
	Status          Status
	MinReputation   float64
	AggregatorsOnly bool
}
