// Package store is the persistence boundary. The core reads and writes
// records by id and simple filters; querying, indexing, and durability
// are the backend's contract, not the core's.
package store

import (
	"context"
	"errors"

	"gridmesh/jobs"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/reputation"
)

var ErrNotFound = errors.New("record not found")

// JobEventType classifies job watch events.
type JobEventType int

const (
	JobPut JobEventType = iota
	JobDelete
)

// JobEvent is delivered on the watch channel whenever a job record
// changes.
type JobEvent struct {
	Type JobEventType
	Job  *jobs.Job
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status       jobs.Status
	Type         jobs.JobType
	AssignedNode protocol.NodeID
}

func (f JobFilter) matches(j *jobs.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if !f.AssignedNode.IsZero() && j.AssignedNode != f.AssignedNode {
		return false
	}
	return true
}

// Store is everything the core needs from persistence.
type Store interface {
	PutNode(ctx context.Context, node *peers.Node) error
	GetNode(ctx context.Context, id protocol.NodeID) (*peers.Node, error)
	ListNodes(ctx context.Context) ([]*peers.Node, error)
	DeleteNode(ctx context.Context, id protocol.NodeID) error

	CreateJob(ctx context.Context, job *jobs.Job) error
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	UpdateJob(ctx context.Context, job *jobs.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*jobs.Job, error)
	// WatchJobs streams job changes until ctx is canceled.
	WatchJobs(ctx context.Context) <-chan JobEvent

	PutDistributedJob(ctx context.Context, djob *jobs.DistributedJob) error
	GetDistributedJob(ctx context.Context, jobID string) (*jobs.DistributedJob, error)

	PutReputation(ctx context.Context, rec *reputation.Record) error
	GetReputation(ctx context.Context, id protocol.NodeID) (*reputation.Record, error)
	ListReputation(ctx context.Context) ([]*reputation.Record, error)

	Close() error
}
