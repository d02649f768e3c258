// Package coordinator owns active distributed jobs: it selects workers,
// applies the splitting strategy, tracks partial results, and finalizes
// or fails each job. All state lives behind a single command-processing
// goroutine; concurrent readers never see a half-updated job record.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"gridmesh/bus"
	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/protocol"
)

const (
	// DefaultJobTimeout fails a distributed job with no completion.
	DefaultJobTimeout = 5 * time.Minute
	// DefaultHeartbeatInterval paces worker heartbeats; a worker silent
	// for more than twice this is evicted.
	DefaultHeartbeatInterval = 15 * time.Second

	commandBuffer = 100
)

var (
	ErrInsufficientWorkers = errors.New("not enough eligible workers")
	ErrUnknownJob          = errors.New("job not active on this coordinator")
)

// Messenger is the sending half of the bus.
type Messenger interface {
	SendTo(ctx context.Context, to protocol.NodeID, env protocol.Envelope) error
}

// MessageBus is what Attach needs to wire inbound worker traffic into
// the command queue.
type MessageBus interface {
	Messenger
	AddPeer(id protocol.NodeID, addrs []string)
	Subscribe(kind protocol.Kind, h bus.Handler) bus.Subscription
}

// RegistryHook is the slice of the job registry the coordinator drives.
type RegistryHook interface {
	MarkRunning(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result []byte) error
	Fail(ctx context.Context, jobID, errMsg string) error
}

// Persister saves distributed-job snapshots; satisfied by the store.
type Persister interface {
	PutDistributedJob(ctx context.Context, djob *jobs.DistributedJob) error
}

type workerEntry struct {
	id            protocol.NodeID
	capabilities  protocol.Capabilities
	addresses     []string
	activeJobs    int
	lastHeartbeat time.Time
}

type activeJob struct {
	job   *jobs.Job
	djob  *jobs.DistributedJob
	input json.RawMessage
	timer *time.Timer

	// data-parallel bookkeeping: batch index -> owner / result.
	batchOwners  map[int]protocol.NodeID
	batchResults map[int]json.RawMessage
	totalBatches int
}

type Coordinator struct {
	self     protocol.NodeID
	commands chan Command
	workers  map[protocol.NodeID]*workerEntry
	active   map[string]*activeJob

	msg      Messenger
	registry RegistryHook
	persist  Persister

	jobTimeout        time.Duration
	heartbeatInterval time.Duration

	ctx context.Context
}

type Option func(*Coordinator)

func WithJobTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.jobTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeatInterval = d }
}

func New(self protocol.NodeID, msg Messenger, registry RegistryHook, persist Persister, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:              self,
		commands:          make(chan Command, commandBuffer),
		workers:           make(map[protocol.NodeID]*workerEntry),
		active:            make(map[string]*activeJob),
		msg:               msg,
		registry:          registry,
		persist:           persist,
		jobTimeout:        DefaultJobTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the actor and the heartbeat sweeper.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	go c.processCommands(ctx)
	go c.sweepLoop(ctx)
}

// Attach subscribes the coordinator to the worker-facing message kinds.
func (c *Coordinator) Attach(b MessageBus) {
	b.Subscribe(protocol.KindWorkerReady, func(env protocol.Envelope) {
		var ready protocol.WorkerReady
		if err := env.Decode(&ready); err != nil {
			logging.Warn("Bad worker:ready payload", logging.Coordinator, "error", err)
			return
		}
		if len(ready.Addresses) > 0 {
			b.AddPeer(ready.NodeID, ready.Addresses)
		}
		c.queue(WorkerReadyCommand{Ready: ready})
	})
	b.Subscribe(protocol.KindLayerResult, func(env protocol.Envelope) {
		var res protocol.LayerResult
		if err := env.Decode(&res); err != nil {
			logging.Warn("Bad layer_result payload", logging.Coordinator, "error", err)
			return
		}
		c.queue(LayerResultCommand{JobID: env.JobID, Result: res})
	})
	b.Subscribe(protocol.KindWorkerError, func(env protocol.Envelope) {
		var we protocol.WorkerError
		if err := env.Decode(&we); err != nil {
			logging.Warn("Bad worker:error payload", logging.Coordinator, "error", err)
			return
		}
		c.queue(WorkerErrorCommand{NodeID: we.NodeID, JobID: env.JobID, Reason: we.Error})
	})
	b.Subscribe(protocol.KindHeartbeat, func(env protocol.Envelope) {
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return
		}
		c.queue(HeartbeatCommand{NodeID: hb.NodeID, At: time.Now()})
	})
}

// StartJob implements registry.Distributor.
func (c *Coordinator) StartJob(ctx context.Context, job *jobs.Job, strategy jobs.Strategy) error {
	cmd := NewStartJobCommand(job, strategy)
	if err := c.QueueCommand(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.Response:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelJob aborts an active distributed job.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	cmd := NewCancelJobCommand(jobID)
	if err := c.QueueCommand(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.Response:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetDistributedJob returns a snapshot of an active job, or nil.
func (c *Coordinator) GetDistributedJob(jobID string) *jobs.DistributedJob {
	cmd := NewGetJobCommand(jobID)
	if err := c.QueueCommand(cmd); err != nil {
		return nil
	}
	return <-cmd.Response
}

// WorkerDisconnected reports a transport-level loss of a peer, failing
// its share of every job it participates in. Wired to the directory's
// staleness eviction.
func (c *Coordinator) WorkerDisconnected(id protocol.NodeID, reason string) {
	c.queue(WorkerDisconnectedCommand{NodeID: id, Reason: reason})
}

// Workers returns the registered worker agents.
func (c *Coordinator) Workers() []WorkerView {
	cmd := NewGetWorkersCommand()
	if err := c.QueueCommand(cmd); err != nil {
		return nil
	}
	return <-cmd.Response
}

// QueueCommand enqueues a command. Response channels must be buffered
// or the actor could block on its own reply.
func (c *Coordinator) QueueCommand(command Command) error {
	if command.GetResponseChannelCapacity() == 0 {
		logging.Error("Command queued with unbuffered channel", logging.Coordinator,
			"command", reflect.TypeOf(command).String())
		return errors.New("response channel must support buffering")
	}
	c.commands <- command
	return nil
}

// queue is for fire-and-forget commands from bus handlers: drop rather
// than block message dispatch when the actor is saturated.
func (c *Coordinator) queue(command Command) {
	select {
	case c.commands <- command:
	default:
		logging.Warn("Coordinator command queue full, dropping", logging.Coordinator,
			"command", reflect.TypeOf(command).String())
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.queue(sweepCommand{})
		}
	}
}

func (c *Coordinator) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-c.commands:
			logging.Debug("Processing command", logging.Coordinator,
				"type", reflect.TypeOf(command).String())
			c.handleCommand(command)
		}
	}
}

// handleCommand isolates a panicking handler the way the bus isolates
// its subscribers: one bad command must not take the actor down with
// every queued caller behind it.
func (c *Coordinator) handleCommand(command Command) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Command handler panicked", logging.Coordinator,
				"type", reflect.TypeOf(command).String(), "panic", r)
		}
	}()
	switch command := command.(type) {
	case StartJobCommand:
		command.Response <- c.startJob(command.Job, command.Strategy)
	case CancelJobCommand:
		command.Response <- c.cancelJob(command.JobID)
	case WorkerReadyCommand:
		c.registerWorker(command.Ready)
	case WorkerErrorCommand:
		c.onWorkerFailure(command.NodeID, command.JobID,
			fmt.Sprintf("worker error: %s", command.Reason))
	case WorkerDisconnectedCommand:
		c.onWorkerDown(command.NodeID, command.Reason)
	case LayerResultCommand:
		c.onLayerResult(command.JobID, command.Result)
	case HeartbeatCommand:
		c.onHeartbeat(command.NodeID, command.At)
	case sweepCommand:
		c.evictSilentWorkers()
	case jobTimeoutCommand:
		c.onJobTimeout(command.jobID)
	case GetJobCommand:
		command.Response <- c.snapshotJob(command.JobID)
	case GetWorkersCommand:
		command.Response <- c.workerViews()
	default:
		logging.Error("Unknown command type", logging.Coordinator,
			"type", reflect.TypeOf(command).String())
	}
}

func (c *Coordinator) registerWorker(ready protocol.WorkerReady) {
	entry, known := c.workers[ready.NodeID]
	if !known {
		entry = &workerEntry{id: ready.NodeID}
		c.workers[ready.NodeID] = entry
	}
	entry.capabilities = ready.Capabilities
	entry.addresses = ready.Addresses
	entry.lastHeartbeat = time.Now()
	logging.Info("Worker registered", logging.Coordinator,
		"worker", ready.NodeID.Short(), "known", known)
}

func (c *Coordinator) onHeartbeat(id protocol.NodeID, at time.Time) {
	if entry, ok := c.workers[id]; ok {
		entry.lastHeartbeat = at
	}
}

// evictSilentWorkers drops workers silent for more than twice the
// heartbeat interval and treats each as a disconnect for its jobs.
func (c *Coordinator) evictSilentWorkers() {
	cutoff := time.Now().Add(-2 * c.heartbeatInterval)
	for id, entry := range c.workers {
		if entry.lastHeartbeat.After(cutoff) {
			continue
		}
		delete(c.workers, id)
		logging.Warn("Evicting silent worker", logging.Coordinator,
			"worker", id.Short(), "last_heartbeat", entry.lastHeartbeat)
		c.onWorkerDown(id, "heartbeat timeout")
	}
}

func (c *Coordinator) startJob(job *jobs.Job, strategy jobs.Strategy) error {
	ctx := c.ctx
	needed := job.Requirements.MinWorkers
	// Data-parallel runs one batch per worker, so the batch count fixes
	// the worker count.
	if strategy == jobs.StrategyDataParallel && job.Requirements.BatchCount > 0 {
		needed = job.Requirements.BatchCount
	}

	selected, err := c.selectWorkers(job.Requirements, needed)
	if err != nil {
		c.failJob(job.ID, err.Error())
		return err
	}

	shards, err := buildShards(strategy, selected, job.Requirements)
	if err != nil {
		c.failJob(job.ID, err.Error())
		return err
	}

	djob := &jobs.DistributedJob{
		JobID:         job.ID,
		CoordinatorID: c.self,
		Workers:       selected,
		Strategy:      strategy,
		PerWorker:     make(map[protocol.NodeID]*jobs.WorkerState, len(selected)),
		Status:        jobs.StatusRunning,
		StartedAt:     time.Now(),
	}
	a := &activeJob{
		job:          job,
		djob:         djob,
		input:        job.Input,
		batchOwners:  make(map[int]protocol.NodeID),
		batchResults: make(map[int]json.RawMessage),
	}
	for i, w := range selected {
		shard := shards[w]
		djob.PerWorker[w] = &jobs.WorkerState{Shard: shard, Status: jobs.ShardAssigned, UpdatedAt: time.Now()}
		if strategy == jobs.StrategyDataParallel {
			a.batchOwners[shard.BatchIndex] = w
		}
		init := protocol.InitModel{
			Model:        job.Model,
			Strategy:     string(strategy),
			WorkerIndex:  i,
			TotalWorkers: len(selected),
			Shard:        shard,
		}
		env, err := protocol.NewEnvelope(protocol.KindInitModel, init, job.ID)
		if err != nil {
			c.failJob(job.ID, err.Error())
			return err
		}
		if err := c.msg.SendTo(ctx, w, env); err != nil {
			// The worker set is fixed from here on; a failed init is a
			// worker failure, subject to the same quorum.
			djob.WorkerFailures = append(djob.WorkerFailures, jobs.WorkerFailure{
				PeerID: w, Reason: fmt.Sprintf("init send failed: %v", err), At: time.Now(),
			})
			djob.PerWorker[w].Status = jobs.ShardFailed
		}
	}
	if strategy == jobs.StrategyDataParallel {
		a.totalBatches = len(selected)
	}

	if len(djob.WorkerFailures) >= djob.FailureQuorum() {
		msg := fmt.Sprintf("%d of %d workers failed during initialization",
			len(djob.WorkerFailures), len(selected))
		c.failJob(job.ID, msg)
		return errors.New(msg)
	}

	c.active[job.ID] = a
	for _, w := range selected {
		if entry, ok := c.workers[w]; ok {
			entry.activeJobs++
		}
	}

	if err := c.registry.MarkRunning(ctx, job.ID); err != nil {
		logging.Error("Could not mark job running", logging.Coordinator,
			"job", job.ID, "error", err)
	}
	c.persistJob(a)

	c.feedInput(a)
	a.timer = time.AfterFunc(c.jobTimeout, func() {
		c.queue(jobTimeoutCommand{jobID: job.ID})
	})

	logging.Info("Distributed job started", logging.Coordinator,
		"job", job.ID, "strategy", strategy, "workers", len(selected))
	return nil
}

// feedInput sends process_input per the strategy: tensor and data
// parallel feed every surviving worker, a pipeline feeds stage 0 only.
func (c *Coordinator) feedInput(a *activeJob) {
	env, err := protocol.NewEnvelope(protocol.KindProcessInput,
		protocol.ProcessInput{Input: a.input}, a.job.ID)
	if err != nil {
		logging.Error("Could not encode process_input", logging.Coordinator,
			"job", a.job.ID, "error", err)
		return
	}

	switch a.djob.Strategy {
	case jobs.StrategyPipelineParallel:
		for _, w := range a.djob.Survivors() {
			if a.djob.PerWorker[w].Shard.PrevWorkerID == "" {
				c.sendOrFail(a, w, env)
				return
			}
		}
	default:
		for _, w := range a.djob.Survivors() {
			// Workers parked on an empty layer range after a re-shard
			// get no input.
			if st := a.djob.PerWorker[w]; st.Shard.StartLayer > st.Shard.EndLayer {
				continue
			}
			c.sendOrFail(a, w, env)
		}
	}
}

func (c *Coordinator) sendOrFail(a *activeJob, w protocol.NodeID, env protocol.Envelope) {
	if err := c.msg.SendTo(c.ctx, w, env); err != nil {
		logging.Warn("Send to worker failed", logging.Coordinator,
			"job", a.job.ID, "worker", w.Short(), "error", err)
		c.onWorkerFailure(w, a.job.ID, fmt.Sprintf("send failed: %v", err))
	}
}

func (c *Coordinator) onLayerResult(jobID string, res protocol.LayerResult) {
	a, ok := c.active[jobID]
	if !ok {
		logging.Debug("Result for unknown job", logging.Coordinator,
			"job", jobID, "worker", res.WorkerID.Short())
		return
	}
	state, ok := a.djob.PerWorker[res.WorkerID]
	if !ok {
		logging.Warn("Result from worker outside the job's set", logging.Coordinator,
			"job", jobID, "worker", res.WorkerID.Short())
		return
	}

	state.LastResult = res.Result
	state.UpdatedAt = time.Now()
	if res.IsComplete {
		state.Status = jobs.ShardDone
	} else {
		state.Status = jobs.ShardRunning
	}
	if a.djob.Strategy == jobs.StrategyDataParallel && res.IsComplete {
		a.batchResults[res.BatchIndex] = res.Result
	}

	if combined, done := completionResult(a); done {
		c.finalizeJob(a, combined)
	}
}

func (c *Coordinator) finalizeJob(a *activeJob, result json.RawMessage) {
	jobID := a.job.ID
	if err := c.registry.Complete(c.ctx, jobID, result); err != nil {
		logging.Error("Could not complete job record", logging.Coordinator,
			"job", jobID, "error", err)
	}
	a.djob.Status = jobs.StatusCompleted
	c.releaseJob(a, "job complete")
	logging.Info("Distributed job completed", logging.Coordinator, "job", jobID)
}

// onWorkerDown handles a transport-level worker loss for every job the
// worker participates in.
func (c *Coordinator) onWorkerDown(id protocol.NodeID, reason string) {
	for jobID, a := range c.active {
		if _, member := a.djob.PerWorker[id]; member {
			c.onWorkerFailure(id, jobID, reason)
		}
	}
}

// onWorkerFailure records the failure; at ceil(N/2) accumulated
// failures the job aborts, otherwise the failed worker's share is
// redistributed among survivors.
func (c *Coordinator) onWorkerFailure(id protocol.NodeID, jobID, reason string) {
	a, ok := c.active[jobID]
	if !ok {
		return
	}
	if a.djob.Failed(id) {
		return
	}
	state, member := a.djob.PerWorker[id]
	if !member {
		return
	}

	a.djob.WorkerFailures = append(a.djob.WorkerFailures, jobs.WorkerFailure{
		PeerID: id, Reason: reason, At: time.Now(),
	})
	state.Status = jobs.ShardFailed
	logging.Warn("Worker failed mid-job", logging.Coordinator,
		"job", jobID, "worker", id.Short(), "reason", reason,
		"failures", len(a.djob.WorkerFailures), "quorum", a.djob.FailureQuorum())

	if len(a.djob.WorkerFailures) >= a.djob.FailureQuorum() {
		c.abortJob(a, fmt.Sprintf("%d of %d workers failed (last: %s)",
			len(a.djob.WorkerFailures), len(a.djob.Workers), reason))
		return
	}

	c.redistribute(a, id, state)
	c.persistJob(a)
}

// redistribute reassigns a failed worker's share: tensor re-shards the
// layer space across survivors, a pipeline re-links around the dead
// stage and replays, data-parallel moves the batch to the least loaded
// survivor.
func (c *Coordinator) redistribute(a *activeJob, failed protocol.NodeID, failedState *jobs.WorkerState) {
	survivors := a.djob.Survivors()
	if len(survivors) == 0 {
		return
	}

	switch a.djob.Strategy {
	case jobs.StrategyTensorParallel:
		total := failedState.Shard.TotalLayers
		// PartitionLayers can return fewer ranges than survivors when
		// layers run short; the extras are parked on an empty range so a
		// stale shard cannot stay authoritative for completion.
		ranges := PartitionLayers(total, len(survivors))
		for i, w := range survivors {
			shard := protocol.ShardSpec{
				StartLayer:  0,
				EndLayer:    -1,
				TotalLayers: total,
				Stage:       i,
			}
			if i < len(ranges) {
				shard.StartLayer = ranges[i].Start
				shard.EndLayer = ranges[i].End
			}
			st := a.djob.PerWorker[w]
			st.Shard = shard
			st.Status = jobs.ShardAssigned
			st.LastResult = nil
			c.sendAssign(a, w, shard)
		}
		c.feedInput(a)

	case jobs.StrategyPipelineParallel:
		prevID, nextID := failedState.Shard.PrevWorkerID, failedState.Shard.NextWorkerID
		for _, w := range survivors {
			st := a.djob.PerWorker[w]
			changed := false
			if st.Shard.NextWorkerID == failed.String() {
				st.Shard.NextWorkerID = nextID
				changed = true
			}
			if st.Shard.PrevWorkerID == failed.String() {
				st.Shard.PrevWorkerID = prevID
				changed = true
			}
			if changed {
				st.Status = jobs.ShardAssigned
				c.sendAssign(a, w, st.Shard)
			}
		}
		// No mid-pipeline checkpoint: replay from the first stage.
		for _, w := range survivors {
			st := a.djob.PerWorker[w]
			st.LastResult = nil
			if st.Status == jobs.ShardDone {
				st.Status = jobs.ShardAssigned
			}
		}
		c.feedInput(a)

	case jobs.StrategyDataParallel:
		idx := failedState.Shard.BatchIndex
		if _, done := a.batchResults[idx]; done {
			return
		}
		target := c.leastLoadedSurvivor(a, survivors)
		a.batchOwners[idx] = target
		shard := a.djob.PerWorker[target].Shard
		shard.BatchIndex = idx
		c.sendAssign(a, target, shard)
		env, err := protocol.NewEnvelope(protocol.KindProcessInput,
			protocol.ProcessInput{Input: a.input}, a.job.ID)
		if err == nil {
			c.sendOrFail(a, target, env)
		}
	}
}

// leastLoadedSurvivor picks the survivor owning the fewest outstanding
// batches.
func (c *Coordinator) leastLoadedSurvivor(a *activeJob, survivors []protocol.NodeID) protocol.NodeID {
	owned := make(map[protocol.NodeID]int)
	for idx, w := range a.batchOwners {
		if _, done := a.batchResults[idx]; !done {
			owned[w]++
		}
	}
	best := survivors[0]
	for _, w := range survivors[1:] {
		if owned[w] < owned[best] {
			best = w
		}
	}
	return best
}

func (c *Coordinator) sendAssign(a *activeJob, w protocol.NodeID, shard protocol.ShardSpec) {
	env, err := protocol.NewEnvelope(protocol.KindAssignLayer,
		protocol.AssignLayer{Shard: shard}, a.job.ID)
	if err != nil {
		logging.Error("Could not encode assign_layer", logging.Coordinator,
			"job", a.job.ID, "error", err)
		return
	}
	c.sendOrFail(a, w, env)
}

func (c *Coordinator) onJobTimeout(jobID string) {
	a, ok := c.active[jobID]
	if !ok {
		return
	}
	c.abortJob(a, fmt.Sprintf("job timed out after %s", c.jobTimeout))
}

func (c *Coordinator) cancelJob(jobID string) error {
	a, ok := c.active[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	a.djob.Status = jobs.StatusCanceled
	c.releaseJob(a, "job canceled")
	return nil
}

// abortJob fails the job and releases everything the coordinator
// allocated for it: worker memberships and the timer.
func (c *Coordinator) abortJob(a *activeJob, errMsg string) {
	jobID := a.job.ID
	if err := c.registry.Fail(c.ctx, jobID, errMsg); err != nil {
		logging.Error("Could not fail job record", logging.Coordinator,
			"job", jobID, "error", err)
	}
	a.djob.Status = jobs.StatusFailed
	c.releaseJob(a, errMsg)
	logging.Warn("Distributed job aborted", logging.Coordinator,
		"job", jobID, "error", errMsg)
}

// releaseJob sends a cooperative job-scoped shutdown to the surviving
// workers, returns their active-job slots, stops the timer, and
// persists the final snapshot.
func (c *Coordinator) releaseJob(a *activeJob, reason string) {
	if a.timer != nil {
		a.timer.Stop()
	}
	env, err := protocol.NewEnvelope(protocol.KindShutdown,
		protocol.Shutdown{Reason: reason}, a.job.ID)
	if err == nil {
		for _, w := range a.djob.Survivors() {
			if sendErr := c.msg.SendTo(c.ctx, w, env); sendErr != nil {
				logging.Debug("Shutdown send failed", logging.Coordinator,
					"job", a.job.ID, "worker", w.Short(), "error", sendErr)
			}
		}
	}
	for _, w := range a.djob.Workers {
		if entry, ok := c.workers[w]; ok && entry.activeJobs > 0 {
			entry.activeJobs--
		}
	}
	delete(c.active, a.job.ID)
	c.persistJob(a)
}

func (c *Coordinator) failJob(jobID, errMsg string) {
	if err := c.registry.Fail(c.ctx, jobID, errMsg); err != nil {
		logging.Error("Could not fail job record", logging.Coordinator,
			"job", jobID, "error", err)
	}
}

func (c *Coordinator) persistJob(a *activeJob) {
	if c.persist == nil {
		return
	}
	if err := c.persist.PutDistributedJob(c.ctx, a.djob); err != nil {
		logging.Warn("Could not persist distributed job", logging.Coordinator,
			"job", a.job.ID, "error", err)
	}
}

func (c *Coordinator) snapshotJob(jobID string) *jobs.DistributedJob {
	a, ok := c.active[jobID]
	if !ok {
		return nil
	}
	cp := *a.djob
	cp.Workers = append([]protocol.NodeID(nil), a.djob.Workers...)
	cp.WorkerFailures = append([]jobs.WorkerFailure(nil), a.djob.WorkerFailures...)
	cp.PerWorker = make(map[protocol.NodeID]*jobs.WorkerState, len(a.djob.PerWorker))
	for id, st := range a.djob.PerWorker {
		stCopy := *st
		cp.PerWorker[id] = &stCopy
	}
	return &cp
}

func (c *Coordinator) workerViews() []WorkerView {
	out := make([]WorkerView, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, WorkerView{
			NodeID:        w.id,
			Capabilities:  w.capabilities,
			ActiveJobs:    w.activeJobs,
			LastHeartbeat: w.lastHeartbeat,
		})
	}
	return out
}
