// Package worker implements the agent that executes shards of
// distributed jobs on behalf of a coordinator. The agent registers
// itself, heartbeats, and reacts to the coordinator's control messages.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gridmesh/bus"
	"gridmesh/logging"
	"gridmesh/protocol"
)

// DefaultHeartbeatInterval should stay under half the coordinator's
// eviction window.
const DefaultHeartbeatInterval = 10 * time.Second

// Executor runs the actual model computation for a shard. The agent is
// transport and bookkeeping; everything model-specific lives behind
// this interface.
type Executor interface {
	InitModel(ctx context.Context, model, strategy string, shard protocol.ShardSpec) error
	Process(ctx context.Context, shard protocol.ShardSpec, input json.RawMessage) (json.RawMessage, error)
	ReleaseModel(ctx context.Context, jobID string) error
}

// Messenger is the sending half of the bus.
type Messenger interface {
	SendTo(ctx context.Context, to protocol.NodeID, env protocol.Envelope) error
}

// MessageBus adds subscription and peer wiring on top of Messenger.
type MessageBus interface {
	Messenger
	AddPeer(id protocol.NodeID, addrs []string)
	Subscribe(kind protocol.Kind, h bus.Handler) bus.Subscription
}

type jobState struct {
	model    string
	strategy string
	shard    protocol.ShardSpec
}

// Agent is a worker node attached to one coordinator.
type Agent struct {
	self         protocol.NodeID
	capabilities protocol.Capabilities
	addresses    []string
	coordinator  protocol.NodeID

	msg  Messenger
	exec Executor

	mu   sync.Mutex
	jobs map[string]*jobState

	heartbeatInterval time.Duration
	stop              context.CancelFunc
}

type Option func(*Agent)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) { a.heartbeatInterval = d }
}

// WithAddresses sets the dial addresses advertised in worker:ready.
func WithAddresses(addrs []string) Option {
	return func(a *Agent) { a.addresses = addrs }
}

func NewAgent(self protocol.NodeID, caps protocol.Capabilities, coordinator protocol.NodeID, msg Messenger, exec Executor, opts ...Option) *Agent {
	a := &Agent{
		self:              self,
		capabilities:      caps,
		coordinator:       coordinator,
		msg:               msg,
		exec:              exec,
		jobs:              make(map[string]*jobState),
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach subscribes the agent to the coordinator-facing message kinds.
func (a *Agent) Attach(b MessageBus) {
	b.Subscribe(protocol.KindInitModel, func(env protocol.Envelope) {
		var init protocol.InitModel
		if err := env.Decode(&init); err != nil {
			logging.Warn("Bad init_model payload", logging.Worker, "error", err)
			return
		}
		a.handleInit(env.JobID, init)
	})
	b.Subscribe(protocol.KindProcessInput, func(env protocol.Envelope) {
		var in protocol.ProcessInput
		if err := env.Decode(&in); err != nil {
			logging.Warn("Bad process_input payload", logging.Worker, "error", err)
			return
		}
		a.handleProcess(env.JobID, in.Input)
	})
	b.Subscribe(protocol.KindAssignLayer, func(env protocol.Envelope) {
		var assign protocol.AssignLayer
		if err := env.Decode(&assign); err != nil {
			logging.Warn("Bad assign_layer payload", logging.Worker, "error", err)
			return
		}
		a.handleAssign(env.JobID, assign.Shard)
	})
	b.Subscribe(protocol.KindShutdown, func(env protocol.Envelope) {
		a.handleShutdown(env.JobID)
	})
	b.Subscribe(protocol.KindConfigUpdate, func(env protocol.Envelope) {
		var cfg protocol.ConfigUpdate
		if err := env.Decode(&cfg); err != nil {
			return
		}
		a.handleConfigUpdate(cfg)
	})
}

// Run registers with the coordinator and heartbeats until the context
// is canceled. A failed heartbeat triggers re-registration with
// exponential backoff, so a restarted coordinator picks the worker
// back up.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	defer cancel()

	if err := a.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				logging.Warn("Heartbeat failed, re-registering", logging.Worker,
					"coordinator", a.coordinator.Short(), "error", err)
				if err := a.register(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.KindWorkerReady, protocol.WorkerReady{
		NodeID:       a.self,
		Capabilities: a.capabilities,
		Addresses:    a.addresses,
	}, "")
	if err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		if err := a.msg.SendTo(ctx, a.coordinator, env); err != nil {
			logging.Debug("Registration attempt failed", logging.Worker,
				"coordinator", a.coordinator.Short(), "error", err)
			return err
		}
		logging.Info("Registered with coordinator", logging.Worker,
			"coordinator", a.coordinator.Short())
		return nil
	}, policy)
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.KindHeartbeat, protocol.Heartbeat{
		NodeID:    a.self,
		Timestamp: time.Now().UnixMilli(),
	}, "")
	if err != nil {
		return err
	}
	return a.msg.SendTo(ctx, a.coordinator, env)
}

func (a *Agent) handleInit(jobID string, init protocol.InitModel) {
	if err := a.exec.InitModel(context.Background(), init.Model, init.Strategy, init.Shard); err != nil {
		a.reportError(jobID, fmt.Sprintf("init_model: %v", err))
		return
	}
	a.mu.Lock()
	a.jobs[jobID] = &jobState{model: init.Model, strategy: init.Strategy, shard: init.Shard}
	a.mu.Unlock()
	logging.Info("Model initialized", logging.Worker,
		"job", jobID, "model", init.Model, "strategy", init.Strategy, "stage", init.Shard.Stage)
}

func (a *Agent) handleAssign(jobID string, shard protocol.ShardSpec) {
	a.mu.Lock()
	state, ok := a.jobs[jobID]
	if ok {
		state.shard = shard
	}
	a.mu.Unlock()
	if !ok {
		a.reportError(jobID, "assign_layer for a job this worker never initialized")
		return
	}
	logging.Info("Shard reassigned", logging.Worker,
		"job", jobID, "start", shard.StartLayer, "end", shard.EndLayer, "batch", shard.BatchIndex)
}

func (a *Agent) handleProcess(jobID string, input json.RawMessage) {
	a.mu.Lock()
	state, ok := a.jobs[jobID]
	var shard protocol.ShardSpec
	var strategy string
	if ok {
		shard, strategy = state.shard, state.strategy
	}
	a.mu.Unlock()
	if !ok {
		a.reportError(jobID, "process_input for a job this worker never initialized")
		return
	}

	ctx := context.Background()
	output, err := a.exec.Process(ctx, shard, input)
	if err != nil {
		a.reportError(jobID, fmt.Sprintf("process: %v", err))
		return
	}

	switch strategy {
	case "pipeline_parallel":
		if shard.NextWorkerID != "" {
			a.forwardToNextStage(ctx, jobID, shard.NextWorkerID, output)
			a.sendResult(ctx, jobID, output, false, shard.BatchIndex)
			return
		}
		a.sendResult(ctx, jobID, output, true, shard.BatchIndex)
	default:
		// tensor_parallel and data_parallel both finish their own shard
		// in one pass.
		a.sendResult(ctx, jobID, output, true, shard.BatchIndex)
	}
}

// forwardToNextStage hands the stage output to the next pipeline worker
// as its process_input.
func (a *Agent) forwardToNextStage(ctx context.Context, jobID, nextID string, output json.RawMessage) {
	next, err := protocol.ParseNodeID(nextID)
	if err != nil {
		a.reportError(jobID, fmt.Sprintf("bad next worker id %q: %v", nextID, err))
		return
	}
	env, err := protocol.NewEnvelope(protocol.KindProcessInput,
		protocol.ProcessInput{Input: output}, jobID)
	if err != nil {
		a.reportError(jobID, err.Error())
		return
	}
	if err := a.msg.SendTo(ctx, next, env); err != nil {
		a.reportError(jobID, fmt.Sprintf("forward to next stage %s: %v", next.Short(), err))
	}
}

func (a *Agent) sendResult(ctx context.Context, jobID string, result json.RawMessage, complete bool, batchIndex int) {
	env, err := protocol.NewEnvelope(protocol.KindLayerResult, protocol.LayerResult{
		WorkerID:   a.self,
		Result:     result,
		IsComplete: complete,
		BatchIndex: batchIndex,
	}, jobID)
	if err != nil {
		logging.Error("Could not encode layer_result", logging.Worker, "job", jobID, "error", err)
		return
	}
	if err := a.msg.SendTo(ctx, a.coordinator, env); err != nil {
		logging.Warn("Could not deliver layer_result", logging.Worker,
			"job", jobID, "coordinator", a.coordinator.Short(), "error", err)
	}
}

// handleShutdown with a job id releases that job only; without one the
// whole agent stops.
func (a *Agent) handleShutdown(jobID string) {
	if jobID != "" {
		a.mu.Lock()
		_, ok := a.jobs[jobID]
		delete(a.jobs, jobID)
		a.mu.Unlock()
		if ok {
			if err := a.exec.ReleaseModel(context.Background(), jobID); err != nil {
				logging.Warn("Model release failed", logging.Worker, "job", jobID, "error", err)
			}
			logging.Info("Job released", logging.Worker, "job", jobID)
		}
		return
	}
	logging.Info("Agent shutting down", logging.Worker, "node", a.self.Short())
	if a.stop != nil {
		a.stop()
	}
}

func (a *Agent) handleConfigUpdate(cfg protocol.ConfigUpdate) {
	var patch struct {
		MaxConcurrentJobs *int     `json:"maxConcurrentJobs"`
		PricePerUnit      *float64 `json:"pricePerUnit"`
	}
	if err := json.Unmarshal(cfg.Config, &patch); err != nil {
		logging.Warn("Unusable config_update", logging.Worker, "error", err)
		return
	}
	a.mu.Lock()
	if patch.MaxConcurrentJobs != nil {
		a.capabilities.MaxConcurrentJobs = *patch.MaxConcurrentJobs
	}
	if patch.PricePerUnit != nil {
		a.capabilities.PricePerUnit = *patch.PricePerUnit
	}
	a.mu.Unlock()
	logging.Info("Configuration updated", logging.Worker, "node", a.self.Short())
}

func (a *Agent) reportError(jobID, msg string) {
	logging.Error("Worker error", logging.Worker, "job", jobID, "error", msg)
	env, err := protocol.NewEnvelope(protocol.KindWorkerError, protocol.WorkerError{
		NodeID: a.self,
		Error:  msg,
	}, jobID)
	if err != nil {
		return
	}
	if err := a.msg.SendTo(context.Background(), a.coordinator, env); err != nil {
		logging.Warn("Could not deliver worker:error", logging.Worker,
			"job", jobID, "error", err)
	}
}

// ActiveJobs reports how many jobs this agent currently holds state for.
func (a *Agent) ActiveJobs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}
