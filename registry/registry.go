// Package registry owns the authoritative job state machine:
// pending -> assigned -> running -> {completed|failed|canceled}, with
// absorbing terminal states. It performs no retries; sub-task
// redistribution is the coordinator's concern.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/store"
)

var (
	ErrCapabilityMismatch = errors.New("no eligible provider")
	ErrNoCoordinator      = errors.New("no coordinator-capable node available")
	ErrJobTerminal        = errors.New("job already in a terminal state")
)

// Messenger is the slice of the bus the registry needs.
type Messenger interface {
	SendTo(ctx context.Context, to protocol.NodeID, env protocol.Envelope) error
}

// Distributor starts multi-node jobs; implemented by the coordinator.
type Distributor interface {
	StartJob(ctx context.Context, job *jobs.Job, strategy jobs.Strategy) error
}

type Registry struct {
	self        protocol.NodeID
	store       store.Store
	dir         *peers.Directory
	msg         Messenger
	distributor Distributor

	// Serializes the read-modify-write of job records; the store has
	// no conditional update.
	mu sync.Mutex
}

func New(self protocol.NodeID, st store.Store, dir *peers.Directory, msg Messenger) *Registry {
	return &Registry{self: self, store: st, dir: dir, msg: msg}
}

// SetDistributor wires the multi-node path. Must be called before the
// first multi-node Submit.
func (r *Registry) SetDistributor(d Distributor) { r.distributor = d }

// Submit records a new job as pending and dispatches it to the
// single-node or multi-node path.
func (r *Registry) Submit(ctx context.Context, job *jobs.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = jobs.TypeInference
	}
	job.Status = jobs.StatusPending
	job.CreatedAt = time.Now()
	if err := r.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	logging.Info("Job submitted", logging.Jobs, "job", job.ID, "model", job.Model,
		"multi_node", job.Requirements.MultiNode())

	if job.Requirements.MultiNode() {
		return r.dispatchMultiNode(ctx, job)
	}
	return r.dispatchSingleNode(ctx, job)
}

// dispatchSingleNode assigns directly to the best-ranked provider:
// capability match, then reputation, then price.
func (r *Registry) dispatchSingleNode(ctx context.Context, job *jobs.Job) error {
	req := job.Requirements
	providers := r.dir.FindProviders(peers.ProviderQuery{
		Model:       job.Model,
		MinVRAMMB:   req.MinVRAMMB,
		MinCPUCores: req.MinCPUCores,
		RequireGPU:  req.RequireGPU,
	}, 5)
	var provider *peers.Node
	for _, p := range providers {
		if req.MaxPricePerUnit > 0 && p.Capabilities.PricePerUnit > req.MaxPricePerUnit {
			continue
		}
		provider = p
		break
	}
	if provider == nil {
		r.failJob(ctx, job.ID, "no provider matches job requirements")
		return fmt.Errorf("%w: job %s", ErrCapabilityMismatch, job.ID)
	}

	if err := r.transition(ctx, job.ID, jobs.StatusAssigned, func(j *jobs.Job) {
		j.AssignedNode = provider.ID
	}); err != nil {
		return err
	}
	r.occupyNode(provider.ID)

	env, err := protocol.NewEnvelope(protocol.KindJobAssign, protocol.JobAssign{
		NodeID: provider.ID,
		From:   r.self,
		Model:  job.Model,
		Input:  job.Input,
	}, job.ID)
	if err != nil {
		return err
	}
	if err := r.msg.SendTo(ctx, provider.ID, env); err != nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("assign send failed: %v", err))
		r.releaseNode(provider.ID)
		return err
	}
	logging.Info("Job assigned to provider", logging.Jobs,
		"job", job.ID, "provider", provider.ID.Short())
	return nil
}

// dispatchMultiNode hands the job to a coordinator chosen from the
// aggregator ranking. When this node is the best coordinator the local
// distributor takes over; otherwise the job is forwarded.
func (r *Registry) dispatchMultiNode(ctx context.Context, job *jobs.Job) error {
	strategy := job.Requirements.Strategy
	if !strategy.Valid() {
		strategy = jobs.StrategyTensorParallel
	}

	coordinator := r.pickCoordinator()
	if coordinator.IsZero() {
		r.failJob(ctx, job.ID, "no coordinator-capable node available")
		return fmt.Errorf("%w: job %s", ErrNoCoordinator, job.ID)
	}

	if err := r.transition(ctx, job.ID, jobs.StatusAssigned, func(j *jobs.Job) {
		j.CoordinatorID = coordinator
	}); err != nil {
		return err
	}

	if coordinator == r.self {
		if r.distributor == nil {
			r.failJob(ctx, job.ID, "node is not running a coordinator")
			return errors.New("no local distributor configured")
		}
		job.CoordinatorID = coordinator
		return r.distributor.StartJob(ctx, job, strategy)
	}

	reqData, err := json.Marshal(job.Requirements)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.KindJobAssign, protocol.JobAssign{
		NodeID:       coordinator,
		From:         r.self,
		Model:        job.Model,
		Input:        job.Input,
		Requirements: reqData,
	}, job.ID)
	if err != nil {
		return err
	}
	if err := r.msg.SendTo(ctx, coordinator, env); err != nil {
		r.failJob(ctx, job.ID, fmt.Sprintf("coordinator handoff failed: %v", err))
		return err
	}
	logging.Info("Job handed to coordinator", logging.Jobs,
		"job", job.ID, "coordinator", coordinator.Short())
	return nil
}

// pickCoordinator prefers the directory's aggregator ranking and falls
// back to this node when it is aggregator-capable and alone.
func (r *Registry) pickCoordinator() protocol.NodeID {
	aggs := r.dir.FindAggregators(1)
	if len(aggs) > 0 {
		return aggs[0].ID
	}
	if r.distributor != nil {
		return r.self
	}
	return protocol.NodeID{}
}

// Get returns the job record.
func (r *Registry) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return r.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (r *Registry) List(ctx context.Context, filter store.JobFilter) ([]*jobs.Job, error) {
	return r.store.ListJobs(ctx, filter)
}

// Watch streams job transitions.
func (r *Registry) Watch(ctx context.Context) <-chan store.JobEvent {
	return r.store.WatchJobs(ctx)
}

// GetDistribution returns the persisted distributed-job snapshot, which
// outlives the coordinator's in-memory record once the job finalizes.
func (r *Registry) GetDistribution(ctx context.Context, jobID string) (*jobs.DistributedJob, error) {
	return r.store.GetDistributedJob(ctx, jobID)
}

// MarkRunning moves the job to running.
func (r *Registry) MarkRunning(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, jobs.StatusRunning, nil)
}

// Complete finalizes the job with its result and releases the node.
func (r *Registry) Complete(ctx context.Context, jobID string, result []byte) error {
	return r.transition(ctx, jobID, jobs.StatusCompleted, func(j *jobs.Job) {
		j.Result = result
	})
}

// Fail terminates the job with a human-readable error string. This
// record is the only externally visible failure signal.
func (r *Registry) Fail(ctx context.Context, jobID, errMsg string) error {
	return r.transition(ctx, jobID, jobs.StatusFailed, func(j *jobs.Job) {
		j.Error = errMsg
	})
}

// Cancel terminates the job as canceled.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, jobs.StatusCanceled, nil)
}

// failJob logs instead of propagating: failure is already being
// reported through the job record.
func (r *Registry) failJob(ctx context.Context, jobID, errMsg string) {
	if err := r.Fail(ctx, jobID, errMsg); err != nil {
		logging.Error("Could not mark job failed", logging.Jobs, "job", jobID, "error", err)
	}
}

func (r *Registry) transition(ctx context.Context, jobID string, to jobs.Status, mutate func(*jobs.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}
	if mutate != nil {
		mutate(job)
	}
	if err := job.Transition(to); err != nil {
		return err
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	if to.Terminal() {
		r.releaseForJob(job)
	}
	logging.Info("Job transitioned", logging.Jobs, "job", jobID, "status", to)
	return nil
}

// OnPeerDisconnect fails every active job assigned to the peer and
// releases the node back to available. No automatic retry at this
// layer.
func (r *Registry) OnPeerDisconnect(ctx context.Context, peerID protocol.NodeID) {
	active, err := r.store.ListJobs(ctx, store.JobFilter{AssignedNode: peerID})
	if err != nil {
		logging.Error("Could not list jobs for disconnected peer", logging.Jobs,
			"peer", peerID.Short(), "error", err)
		return
	}
	for _, job := range active {
		if job.Status.Terminal() {
			continue
		}
		r.failJob(ctx, job.ID, fmt.Sprintf("provider %s disconnected", peerID.Short()))
	}
}

func (r *Registry) releaseForJob(job *jobs.Job) {
	if !job.AssignedNode.IsZero() {
		r.releaseNode(job.AssignedNode)
	}
}

func (r *Registry) occupyNode(id protocol.NodeID) {
	busy := peers.StatusBusy
	one := 1
	if n, ok := r.dir.GetNode(id); ok {
		one = n.ActiveJobs + 1
	}
	if err := r.dir.UpdateNode(id, peers.Patch{Status: &busy, ActiveJobs: &one}); err != nil {
		logging.Warn("Could not mark node busy", logging.Jobs, "node", id.Short(), "error", err)
	}
}

func (r *Registry) releaseNode(id protocol.NodeID) {
	available := peers.StatusAvailable
	count := 0
	if n, ok := r.dir.GetNode(id); ok && n.ActiveJobs > 0 {
		count = n.ActiveJobs - 1
	}
	if err := r.dir.UpdateNode(id, peers.Patch{Status: &available, ActiveJobs: &count}); err != nil {
		logging.Warn("Could not release node", logging.Jobs, "node", id.Short(), "error", err)
	}
}
