// Package event_listener wires inbound mesh messages into the node's
// components: the peer directory, the reputation ledger, the job
// registry, and (when configured) the local coordinator and executor.
package event_listener

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gridmesh/bus"
	"gridmesh/jobs"
	"gridmesh/logging"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/registry"
	"gridmesh/reputation"
	"gridmesh/worker"
)

type EventListener struct {
	self     protocol.NodeInfo
	bus      *bus.Bus
	dir      *peers.Directory
	ledger   *reputation.Ledger
	registry *registry.Registry

	// Optional roles for this node.
	distributor registry.Distributor
	executor    worker.Executor

	// origins maps jobs received over the wire to the node that must
	// get the job:result.
	mu      sync.Mutex
	origins map[string]protocol.NodeID

	subs []bus.Subscription
}

func NewEventListener(
	self protocol.NodeInfo,
	b *bus.Bus,
	dir *peers.Directory,
	ledger *reputation.Ledger,
	reg *registry.Registry) *EventListener {
	return &EventListener{
		self:     self,
		bus:      b,
		dir:      dir,
		ledger:   ledger,
		registry: reg,
		origins:  make(map[string]protocol.NodeID),
	}
}

// WithDistributor makes this node accept multi-node job hand-offs.
func (el *EventListener) WithDistributor(d registry.Distributor) *EventListener {
	el.distributor = d
	return el
}

// WithExecutor makes this node execute single-node jobs it is assigned.
func (el *EventListener) WithExecutor(e worker.Executor) *EventListener {
	el.executor = e
	return el
}

func (el *EventListener) Start(ctx context.Context) {
	el.subs = append(el.subs,
		el.bus.Subscribe(protocol.KindPeerAnnounce, func(env protocol.Envelope) { el.onPeerAnnounce(ctx, env) }),
		el.bus.Subscribe(protocol.KindPeerQuery, func(env protocol.Envelope) { el.onPeerQuery(ctx, env) }),
		el.bus.Subscribe(protocol.KindReputationUpdate, el.onReputationUpdate),
		el.bus.Subscribe(protocol.KindJobBroadcast, func(env protocol.Envelope) { el.onJobBroadcast(ctx, env) }),
		el.bus.Subscribe(protocol.KindJobBid, el.onJobBid),
		el.bus.Subscribe(protocol.KindJobAssign, func(env protocol.Envelope) { el.onJobAssign(ctx, env) }),
		el.bus.Subscribe(protocol.KindJobResult, func(env protocol.Envelope) { el.onJobResult(ctx, env) }),
	)

	// Reputation scores learned from gossip feed provider ranking.
	el.ledger.SetObserver(func(peerID protocol.NodeID, avg float64) {
		if err := el.dir.UpdateNode(peerID, peers.Patch{ReputationScore: &avg}); err == nil {
			logging.Debug("Directory reputation refreshed", logging.System,
				"peer", peerID.Short(), "score", avg)
		}
	})
}

func (el *EventListener) Stop() {
	for _, s := range el.subs {
		s.Unsubscribe()
	}
	el.subs = nil
}

// Announce broadcasts this node's own presence and capabilities.
func (el *EventListener) Announce(ctx context.Context) {
	env, err := el.selfAnnounce()
	if err != nil {
		return
	}
	failed := el.bus.Broadcast(ctx, env)
	logging.Info("Announced to mesh", logging.System,
		"peers", len(el.bus.Peers()), "failed", failed)
}

// Discover implements peers.DiscoveryFunc: it asks the closest known
// peers for nodes near our own id, one-hop only.
func (el *EventListener) Discover(ctx context.Context, self protocol.NodeID, closest []*peers.Node) {
	query := protocol.PeerQuery{From: self, Target: self, Count: 8}
	env, err := protocol.NewEnvelope(protocol.KindPeerQuery, query, "")
	if err != nil {
		return
	}
	for _, n := range closest {
		if err := el.bus.SendTo(ctx, n.ID, env); err != nil {
			logging.Debug("Discovery query failed", logging.Peers,
				"peer", n.ID.Short(), "error", err)
		}
	}
}

// Ping implements peers.Pinger: a heartbeat send that fails when the
// peer is unreachable. The directory uses it before evicting a bucket's
// oldest entry.
func (el *EventListener) Ping(ctx context.Context, node *peers.Node) error {
	env, err := protocol.NewEnvelope(protocol.KindHeartbeat, protocol.Heartbeat{
		NodeID:    el.self.ID,
		Timestamp: time.Now().UnixMilli(),
	}, "")
	if err != nil {
		return err
	}
	return el.bus.SendTo(ctx, node.ID, env)
}

// Introduce sends our announce straight to the bootstrap addresses, so
// peers whose node ids we do not know yet can pick us up.
func (el *EventListener) Introduce(ctx context.Context, bootstrapAddrs []string) {
	env, err := el.selfAnnounce()
	if err != nil {
		return
	}
	for _, addr := range bootstrapAddrs {
		if err := el.bus.SendToAddrs(ctx, []string{addr}, env); err != nil {
			logging.Warn("Bootstrap introduction failed", logging.Peers,
				"addr", addr, "error", err)
		}
	}
}

func (el *EventListener) selfAnnounce() (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(protocol.KindPeerAnnounce, protocol.PeerAnnounce{
		Node:       el.self,
		Status:     string(peers.StatusAvailable),
		Reputation: el.ledger.Score(el.self.ID),
	}, "")
	if err != nil {
		logging.Error("Could not encode announce", logging.System, "error", err)
	}
	return env, err
}

func (el *EventListener) onPeerAnnounce(ctx context.Context, env protocol.Envelope) {
	var ann protocol.PeerAnnounce
	if err := env.Decode(&ann); err != nil {
		logging.Warn("Bad peer:announce payload", logging.Peers, "error", err)
		return
	}
	if ann.Node.ID == el.self.ID {
		return
	}
	_, known := el.dir.GetNode(ann.Node.ID)
	el.bus.AddPeer(ann.Node.ID, ann.Node.Addresses)
	node := &peers.Node{
		NodeInfo:        ann.Node,
		Status:          peers.Status(ann.Status),
		ReputationScore: ann.Reputation,
		LastSeenAt:      time.Now(),
	}
	if node.Status == "" {
		node.Status = peers.StatusAvailable
	}
	if err := el.dir.AddNode(node); err != nil {
		logging.Warn("Could not add announced peer", logging.Peers,
			"peer", ann.Node.ID.Short(), "error", err)
		return
	}
	// A first contact gets our announce back, so both tables converge
	// without waiting for the next discovery tick.
	if !known {
		if reply, err := el.selfAnnounce(); err == nil {
			if err := el.bus.SendTo(ctx, ann.Node.ID, reply); err != nil {
				logging.Debug("Announce reply failed", logging.Peers,
					"peer", ann.Node.ID.Short(), "error", err)
			}
		}
	}
}

// onPeerQuery answers with unicast peer:announce messages, one per
// closest known node.
func (el *EventListener) onPeerQuery(ctx context.Context, env protocol.Envelope) {
	var query protocol.PeerQuery
	if err := env.Decode(&query); err != nil {
		logging.Warn("Bad peer:query payload", logging.Peers, "error", err)
		return
	}
	count := query.Count
	if count <= 0 {
		count = 8
	}
	for _, n := range el.dir.FindClosestNodes(query.Target, count, nil) {
		if n.ID == query.From {
			continue
		}
		reply, err := protocol.NewEnvelope(protocol.KindPeerAnnounce, protocol.PeerAnnounce{
			Node:       n.NodeInfo,
			Status:     string(n.Status),
			Reputation: n.ReputationScore,
		}, "")
		if err != nil {
			continue
		}
		if err := el.bus.SendTo(ctx, query.From, reply); err != nil {
			logging.Debug("Query reply failed", logging.Peers,
				"peer", query.From.Short(), "error", err)
			return
		}
	}
}

func (el *EventListener) onReputationUpdate(env protocol.Envelope) {
	var upd protocol.ReputationUpdate
	if err := env.Decode(&upd); err != nil {
		logging.Warn("Bad reputation:update payload", logging.Reputation, "error", err)
		return
	}
	if upd.PeerID == el.self.ID {
		return
	}
	el.ledger.Merge(upd)
}

// onJobBroadcast answers with a bid when this node can serve the model.
func (el *EventListener) onJobBroadcast(ctx context.Context, env protocol.Envelope) {
	var bc protocol.JobBroadcast
	if err := env.Decode(&bc); err != nil {
		logging.Warn("Bad job:broadcast payload", logging.Jobs, "error", err)
		return
	}
	if el.executor == nil || !el.self.Capabilities.SupportsModel(bc.Model) {
		return
	}
	bid, err := protocol.NewEnvelope(protocol.KindJobBid, protocol.JobBid{
		NodeID: el.self.ID,
		Price:  el.self.Capabilities.PricePerUnit,
	}, env.JobID)
	if err != nil {
		return
	}
	failed := el.bus.Broadcast(ctx, bid)
	logging.Debug("Bid on broadcast job", logging.Jobs,
		"job", env.JobID, "failed", failed)
}

// onJobBid treats a bid as a liveness signal and a price refresh for
// the bidding peer.
func (el *EventListener) onJobBid(env protocol.Envelope) {
	var bid protocol.JobBid
	if err := env.Decode(&bid); err != nil {
		logging.Warn("Bad job:bid payload", logging.Jobs, "error", err)
		return
	}
	node, ok := el.dir.GetNode(bid.NodeID)
	if !ok {
		return
	}
	caps := node.Capabilities
	caps.PricePerUnit = bid.Price
	if err := el.dir.UpdateNode(bid.NodeID, peers.Patch{Capabilities: &caps}); err != nil {
		logging.Debug("Could not refresh bidding peer", logging.Jobs,
			"peer", bid.NodeID.Short(), "error", err)
	}
}

func (el *EventListener) onJobAssign(ctx context.Context, env protocol.Envelope) {
	var assign protocol.JobAssign
	if err := env.Decode(&assign); err != nil {
		logging.Warn("Bad job:assign payload", logging.Jobs, "error", err)
		return
	}
	if assign.NodeID != el.self.ID {
		return
	}

	el.mu.Lock()
	el.origins[env.JobID] = assign.From
	el.mu.Unlock()

	var req jobs.Requirements
	if len(assign.Requirements) > 0 {
		if err := json.Unmarshal(assign.Requirements, &req); err != nil {
			el.replyResult(ctx, env.JobID, nil, "unusable job requirements")
			return
		}
	}

	if req.MultiNode() {
		el.runDistributed(ctx, env.JobID, assign, req)
		return
	}
	go el.runLocal(ctx, env.JobID, assign)
}

// runDistributed hands a forwarded multi-node job to the local
// coordinator.
func (el *EventListener) runDistributed(ctx context.Context, jobID string, assign protocol.JobAssign, req jobs.Requirements) {
	if el.distributor == nil {
		el.replyResult(ctx, jobID, nil, "node is not running a coordinator")
		return
	}
	strategy := req.Strategy
	if !strategy.Valid() {
		strategy = jobs.StrategyTensorParallel
	}
	job := &jobs.Job{
		ID:            jobID,
		Model:         assign.Model,
		Type:          jobs.TypeInference,
		Status:        jobs.StatusAssigned,
		Requirements:  req,
		Input:         assign.Input,
		CoordinatorID: el.self.ID,
		CreatedAt:     time.Now(),
	}
	go func() {
		if err := el.distributor.StartJob(ctx, job, strategy); err != nil {
			logging.Error("Forwarded job failed to start", logging.Jobs,
				"job", jobID, "error", err)
		}
	}()
}

// runLocal executes a single-node job on this node's executor and
// replies with job:result.
func (el *EventListener) runLocal(ctx context.Context, jobID string, assign protocol.JobAssign) {
	if el.executor == nil {
		el.replyResult(ctx, jobID, nil, "node has no executor")
		return
	}
	shard := protocol.ShardSpec{}
	if err := el.executor.InitModel(ctx, assign.Model, "", shard); err != nil {
		el.replyResult(ctx, jobID, nil, err.Error())
		return
	}
	result, err := el.executor.Process(ctx, shard, assign.Input)
	if releaseErr := el.executor.ReleaseModel(ctx, jobID); releaseErr != nil {
		logging.Warn("Model release failed", logging.Jobs, "job", jobID, "error", releaseErr)
	}
	if err != nil {
		el.replyResult(ctx, jobID, nil, err.Error())
		return
	}
	el.replyResult(ctx, jobID, result, "")
}

func (el *EventListener) onJobResult(ctx context.Context, env protocol.Envelope) {
	var res protocol.JobResult
	if err := env.Decode(&res); err != nil {
		logging.Warn("Bad job:result payload", logging.Jobs, "error", err)
		return
	}
	if res.Error != "" {
		if err := el.registry.Fail(ctx, env.JobID, res.Error); err != nil {
			logging.Warn("Could not record job failure", logging.Jobs,
				"job", env.JobID, "error", err)
		}
		return
	}
	if err := el.registry.Complete(ctx, env.JobID, res.Result); err != nil {
		logging.Warn("Could not record job result", logging.Jobs,
			"job", env.JobID, "error", err)
	}
}

func (el *EventListener) replyResult(ctx context.Context, jobID string, result json.RawMessage, errMsg string) {
	el.mu.Lock()
	origin, ok := el.origins[jobID]
	delete(el.origins, jobID)
	el.mu.Unlock()
	if !ok {
		return
	}
	env, err := protocol.NewEnvelope(protocol.KindJobResult, protocol.JobResult{
		Result: result,
		Error:  errMsg,
	}, jobID)
	if err != nil {
		return
	}
	if err := el.bus.SendTo(ctx, origin, env); err != nil {
		logging.Warn("Could not deliver job:result", logging.Jobs,
			"job", jobID, "origin", origin.Short(), "error", err)
	}
}

// RemoteReporter adapts the listener into the coordinator's registry
// hook for jobs that arrived over the wire: local registry records are
// updated when present, and the submitting node always gets the
// job:result.
type RemoteReporter struct {
	listener *EventListener
}

func (el *EventListener) Reporter() *RemoteReporter {
	return &RemoteReporter{listener: el}
}

func (rr *RemoteReporter) MarkRunning(ctx context.Context, jobID string) error {
	if err := rr.listener.registry.MarkRunning(ctx, jobID); err != nil {
		logging.Debug("No local record for running job", logging.Jobs, "job", jobID)
	}
	return nil
}

func (rr *RemoteReporter) Complete(ctx context.Context, jobID string, result []byte) error {
	if err := rr.listener.registry.Complete(ctx, jobID, result); err != nil {
		logging.Debug("No local record for completed job", logging.Jobs, "job", jobID)
	}
	rr.listener.replyResult(ctx, jobID, result, "")
	return nil
}

func (rr *RemoteReporter) Fail(ctx context.Context, jobID, errMsg string) error {
	if err := rr.listener.registry.Fail(ctx, jobID, errMsg); err != nil {
		logging.Debug("No local record for failed job", logging.Jobs, "job", jobID)
	}
	rr.listener.replyResult(ctx, jobID, nil, errMsg)
	return nil
}
