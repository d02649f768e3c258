package nodeconfig

import (
	"time"

	"gridmesh/protocol"
)

type Config struct {
	Node        NodeConfig        `koanf:"node"`
	Api         ApiConfig         `koanf:"api"`
	Storage     StorageConfig     `koanf:"storage"`
	Directory   DirectoryConfig   `koanf:"directory"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Worker      WorkerConfig      `koanf:"worker"`
	Nats        NatsConfig        `koanf:"nats"`
}

type NodeConfig struct {
	// Id is the hex node id; generated and persisted on first start
	// when empty.
	Id string `koanf:"id"`
	// Transport selects the bus carrier: libp2p (default) or nats.
	Transport      string                `koanf:"transport"`
	ListenAddress  string                `koanf:"listen_address"`
	BootstrapPeers []string              `koanf:"bootstrap_peers"`
	Capabilities   protocol.Capabilities `koanf:"capabilities"`
}

type ApiConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Backend selects the store: memory, leveldb, or etcd.
	Backend       string   `koanf:"backend"`
	Path          string   `koanf:"path"`
	EtcdEndpoints []string `koanf:"etcd_endpoints"`
}

type DirectoryConfig struct {
	BucketSize      int           `koanf:"bucket_size"`
	StaleAfter      time.Duration `koanf:"stale_after"`
	MinReputation   float64       `koanf:"min_reputation"`
	GossipFanout    int           `koanf:"gossip_fanout"`
	AnnounceOnStart bool          `koanf:"announce_on_start"`
}

type CoordinatorConfig struct {
	Enabled           bool          `koanf:"enabled"`
	JobTimeout        time.Duration `koanf:"job_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

type NatsConfig struct {
	// Embedded starts an in-process broker; Url points at an external
	// one otherwise.
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Url      string `koanf:"url"`
}

type WorkerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	CoordinatorId     string        `koanf:"coordinator_id"`
	RunnerUrl         string        `koanf:"runner_url"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// DefaultConfig is the baseline every load starts from; the config
// file and GRIDMESH_ environment overrides layer on top.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Transport:     "libp2p",
			ListenAddress: "/ip4/0.0.0.0/tcp/0",
			Capabilities: protocol.Capabilities{
				MemoryMB:          8192,
				CPUCores:          4,
				MaxConcurrentJobs: 4,
				MaxBatchSize:      8,
			},
		},
		Api: ApiConfig{
			Port: 9010,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "gridmesh-data",
		},
		Directory: DirectoryConfig{
			BucketSize:      20,
			StaleAfter:      15 * time.Minute,
			AnnounceOnStart: true,
		},
		Coordinator: CoordinatorConfig{
			JobTimeout:        5 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
		},
		Worker: WorkerConfig{
			RunnerUrl:         "http://localhost:8080",
			HeartbeatInterval: 10 * time.Second,
		},
		Nats: NatsConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
	}
}
