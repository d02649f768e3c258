package nodeconfig

import (
	"log"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"gridmesh/logging"
)

type ConfigManager struct {
	currentConfig  Config
	KoanProvider   koanf.Provider
	WriterProvider WriteCloserProvider
	mutex          sync.Mutex
}

type WriteCloserProvider interface {
	GetWriter() WriteCloser
}

type WriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

func LoadDefaultConfigManager() (*ConfigManager, error) {
	manager := ConfigManager{
		KoanProvider:   getFileProvider(),
		WriterProvider: NewFileWriteCloserProvider(getConfigPath()),
		mutex:          sync.Mutex{},
	}
	err := manager.Load()
	if err != nil {
		return nil, err
	}
	return &manager, nil
}

func (cm *ConfigManager) Load() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	config, err := readConfig(cm.KoanProvider)
	if err != nil {
		return err
	}
	cm.currentConfig = config
	return nil
}

func (cm *ConfigManager) Write() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) GetConfig() *Config {
	return &cm.currentConfig
}

// SetNodeId persists a freshly generated node identity so restarts keep
// the same place in the peer id space.
func (cm *ConfigManager) SetNodeId(id string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.Node.Id = id
	logging.Info("Persisting node id", logging.Config, "id", id)
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func (cm *ConfigManager) SetBootstrapPeers(peers []string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.currentConfig.Node.BootstrapPeers = peers
	logging.Info("Setting bootstrap peers", logging.Config, "peers", peers)
	return writeConfig(cm.currentConfig, cm.WriterProvider.GetWriter())
}

func getFileProvider() koanf.Provider {
	return file.Provider(getConfigPath())
}

func getConfigPath() string {
	configPath := os.Getenv("GRIDMESH_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml" // Default value if the environment variable is not set
	}
	return configPath
}

type FileWriteCloserProvider struct {
	path string
}

func NewFileWriteCloserProvider(path string) *FileWriteCloserProvider {
	return &FileWriteCloserProvider{path: path}
}

func (f *FileWriteCloserProvider) GetWriter() WriteCloser {
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		log.Fatalf("error opening file at %s: %v", f.path, err)
	}
	return file
}

func readConfig(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(provider, parser); err != nil {
		// A missing file is fine: defaults plus environment still make
		// a runnable node.
		logging.Warn("Could not load config file, using defaults", logging.Config, "error", err)
	}
	err := k.Load(env.Provider("GRIDMESH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GRIDMESH_")), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, err
	}

	var config Config
	err = k.Unmarshal("", &config)
	if err != nil {
		return Config{}, err
	}
	return config, nil
}

func writeConfig(config Config, writer WriteCloser) error {
	k := koanf.New(".")
	parser := yaml.Parser()
	err := k.Load(structs.Provider(config, "koanf"), nil)
	if err != nil {
		logging.Error("error loading config", logging.Config, "error", err)
		return err
	}
	output, err := k.Marshal(parser)
	if err != nil {
		logging.Error("error marshalling config", logging.Config, "error", err)
		return err
	}
	defer writer.Close()
	_, err = writer.Write(output)
	if err != nil {
		logging.Error("error writing config", logging.Config, "error", err)
		return err
	}
	return nil
}
