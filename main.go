package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridmesh/bus"
	"gridmesh/coordinator"
	"gridmesh/internal/event_listener"
	"gridmesh/internal/nats_server"
	"gridmesh/internal/server"
	"gridmesh/logging"
	"gridmesh/nodeconfig"
	"gridmesh/peers"
	"gridmesh/protocol"
	"gridmesh/registry"
	"gridmesh/reputation"
	"gridmesh/store"
	"gridmesh/worker"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "status" {
		logging.WithNoopLogger(func() (interface{}, error) {
			config, err := nodeconfig.LoadDefaultConfigManager()
			if err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
			returnStatus(config)
			return nil, nil
		})
		return
	}

	config, err := nodeconfig.LoadDefaultConfigManager()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	cfg := config.GetConfig()

	self, err := nodeIdentity(config)
	if err != nil {
		log.Fatalf("Error resolving node identity: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Error opening store: %v", err)
	}
	defer st.Close()

	transport, addresses, bootstrap, err := openTransport(ctx, cfg, self)
	if err != nil {
		log.Fatalf("Error creating transport: %v", err)
	}
	messageBus := bus.New(self, transport)
	if err := messageBus.Start(); err != nil {
		log.Fatalf("Error starting bus: %v", err)
	}
	defer messageBus.Close()

	selfInfo := protocol.NodeInfo{
		ID:           self,
		Addresses:    addresses,
		Capabilities: cfg.Node.Capabilities,
	}
	logging.Info("Node identity ready", logging.System,
		"id", self.String(), "addresses", selfInfo.Addresses)

	ledger := reputation.NewLedger(messageBus)
	if records, err := st.ListReputation(ctx); err == nil {
		ledger.LoadFrom(records)
	} else {
		logging.Warn("Could not load reputation records", logging.Reputation, "error", err)
	}

	var (
		listener *event_listener.EventListener
		reg      *registry.Registry
		coord    *coordinator.Coordinator
	)
	dir := peers.NewDirectory(self,
		peers.WithBucketSize(cfg.Directory.BucketSize),
		peers.WithStaleAfter(cfg.Directory.StaleAfter),
		peers.WithPinger(peers.PingerFunc(func(ctx context.Context, n *peers.Node) error {
			return listener.Ping(ctx, n)
		})),
		// A swept peer is gone for good as far as active jobs are
		// concerned: fail what it carried and forget its address.
		peers.WithEvictionHook(func(id protocol.NodeID) {
			messageBus.RemovePeer(id)
			reg.OnPeerDisconnect(ctx, id)
			if coord != nil {
				coord.WorkerDisconnected(id, "peer evicted after staleness sweep")
			}
		}),
	)
	reg = registry.New(self, st, dir, messageBus)
	listener = event_listener.NewEventListener(selfInfo, messageBus, dir, ledger, reg)

	if cfg.Coordinator.Enabled {
		coord = coordinator.New(self, messageBus, listener.Reporter(), st,
			coordinator.WithJobTimeout(cfg.Coordinator.JobTimeout),
			coordinator.WithHeartbeatInterval(cfg.Coordinator.HeartbeatInterval),
		)
		coord.Start(ctx)
		coord.Attach(messageBus)
		reg.SetDistributor(coord)
		listener.WithDistributor(coord)
		logging.Info("Coordinator enabled", logging.Coordinator,
			"job_timeout", cfg.Coordinator.JobTimeout)
	}

	runner := worker.NewRunnerClient(cfg.Worker.RunnerUrl)
	listener.WithExecutor(runner)
	listener.Start(ctx)

	if cfg.Worker.Enabled {
		coordID, err := protocol.ParseNodeID(cfg.Worker.CoordinatorId)
		if err != nil {
			log.Fatalf("Error parsing worker coordinator id: %v", err)
		}
		agent := worker.NewAgent(self, cfg.Node.Capabilities, coordID, messageBus, runner,
			worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
			worker.WithAddresses(addresses),
		)
		agent.Attach(messageBus)
		go func() {
			if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Worker agent stopped", logging.Worker, "error", err)
			}
		}()
		logging.Info("Worker agent enabled", logging.Worker,
			"coordinator", coordID.Short(), "runner", cfg.Worker.RunnerUrl)
	}

	bootstrap(ctx)
	if cfg.Directory.AnnounceOnStart {
		listener.Introduce(ctx, cfg.Node.BootstrapPeers)
		listener.Announce(ctx)
	}
	go dir.RunMaintenance(ctx, func(target protocol.NodeID, closest []*peers.Node) {
		listener.Discover(ctx, target, closest)
	})

	var dist server.DistributionInfo
	if coord != nil {
		dist = coord
	}
	apiServer := server.NewServer(self, reg, dir, ledger, dist)
	addr := fmt.Sprintf(":%v", cfg.Api.Port)
	logging.Info("Starting API server", logging.Server, "addr", addr)
	apiServer.Start(addr)

	<-ctx.Done()
	logging.Info("Shutting down", logging.System)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("API server shutdown failed", logging.Server, "error", err)
	}
	if err := ledger.SaveTo(shutdownCtx, st); err != nil {
		logging.Warn("Could not persist reputation records", logging.Reputation, "error", err)
	}
}

// nodeIdentity loads the persisted node id or mints and saves a new
// one.
func nodeIdentity(config *nodeconfig.ConfigManager) (protocol.NodeID, error) {
	cfg := config.GetConfig()
	if cfg.Node.Id != "" {
		return protocol.ParseNodeID(cfg.Node.Id)
	}
	id := protocol.RandomNodeID()
	if err := config.SetNodeId(id.String()); err != nil {
		return protocol.NodeID{}, err
	}
	return id, nil
}

// openTransport builds the configured bus carrier and returns it with
// this node's advertised addresses and a bootstrap step.
func openTransport(ctx context.Context, cfg *nodeconfig.Config, self protocol.NodeID) (bus.Transport, []string, func(context.Context), error) {
	switch cfg.Node.Transport {
	case "", "libp2p":
		lt, err := bus.NewLibp2pTransport(ctx, cfg.Node.ListenAddress)
		if err != nil {
			return nil, nil, nil, err
		}
		bootstrap := func(ctx context.Context) {
			lt.Bootstrap(ctx, cfg.Node.BootstrapPeers)
		}
		return lt, lt.Addresses(), bootstrap, nil

	case "nats":
		url := cfg.Nats.Url
		if cfg.Nats.Embedded {
			ns := nats_server.NewServer(cfg.Nats)
			if err := ns.Start(); err != nil {
				return nil, nil, nil, err
			}
			url = ns.ClientURL()
		}
		nt, err := bus.NewNatsTransport(url, self)
		if err != nil {
			return nil, nil, nil, err
		}
		return nt, nt.Addresses(), func(context.Context) {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown transport %q", cfg.Node.Transport)
	}
}

func openStore(cfg nodeconfig.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "leveldb":
		return store.NewLevelDB(cfg.Path)
	case "etcd":
		return store.NewEtcd(cfg.EtcdEndpoints)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func returnStatus(config *nodeconfig.ConfigManager) {
	cfg := config.GetConfig()
	status := map[string]interface{}{
		"node": map[string]interface{}{
			"id":          cfg.Node.Id,
			"listen":      cfg.Node.ListenAddress,
			"api_port":    cfg.Api.Port,
			"coordinator": cfg.Coordinator.Enabled,
			"worker":      cfg.Worker.Enabled,
		},
	}
	jsonData, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(jsonData))
	os.Exit(0)
}
