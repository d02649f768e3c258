// Package jobs holds the canonical job records shared by the registry,
// the coordinator, and the store. One representation per entity.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridmesh/protocol"
)

type JobType string

const (
	TypeInference JobType = "inference"
	TypeTraining  JobType = "training"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal states are absorbing: no transition leaves them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusRunning, StatusFailed, StatusCanceled},
	StatusAssigned: {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCanceled},
}

var ErrInvalidTransition = errors.New("invalid job status transition")

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Requirements describes what a job needs from its provider(s).
type Requirements struct {
	Model           string  `json:"model"`
	Task            string  `json:"task,omitempty"`
	MinMemoryMB     int64   `json:"minMemoryMb,omitempty"`
	MinVRAMMB       int64   `json:"minVramMb,omitempty"`
	MinCPUCores     int     `json:"minCpuCores,omitempty"`
	RequireGPU      bool    `json:"requireGpu,omitempty"`
	MaxPricePerUnit float64 `json:"maxPricePerUnit,omitempty"`

	// Multi-node jobs: how many workers and how the model splits.
	MinWorkers int      `json:"minWorkers,omitempty"`
	LayerCount int      `json:"layerCount,omitempty"`
	BatchCount int      `json:"batchCount,omitempty"`
	Strategy   Strategy `json:"strategy,omitempty"`
}

// MultiNode reports whether the job must be distributed.
func (r Requirements) MultiNode() bool { return r.MinWorkers > 1 }

// Job is the authoritative job record. Status moves forward only.
type Job struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Type         JobType         `json:"type"`
	Status       Status          `json:"status"`
	Requirements Requirements    `json:"requirements"`
	Input        json.RawMessage `json:"input,omitempty"`

	// Exactly one of these is set once the job leaves pending:
	// AssignedNode on the single-node path, CoordinatorID on the
	// multi-node path.
	AssignedNode  protocol.NodeID `json:"assignedNode,omitempty"`
	CoordinatorID protocol.NodeID `json:"coordinatorId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Transition moves the job to a new status, enforcing the forward-only
// state machine. Terminal states never change.
func (j *Job) Transition(to Status) error {
	if j.Status == to {
		return nil
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	now := time.Now()
	switch to {
	case StatusRunning:
		j.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCanceled:
		j.CompletedAt = &now
	}
	j.Status = to
	return nil
}
