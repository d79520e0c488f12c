package cmn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

const (
	BackendNativeCAS = "native-cas" // etcd, CAS on modifiedIndex
	BackendHTTPCAS   = "http-cas"   // consul, cas=<prior-index>
)

type (
	// ConfigOwner mediates reads and transactional updates of the process
	// config, notifying subscribers after a commit. Mirrors the teacher's
	// globalConfigOwner/GCO: an atomic pointer swap guarded by a mutex on
	// the write side, lock-free on the read side.
	ConfigOwner interface {
		Get() *Config
		BeginUpdate() *Config
		CommitUpdate(config *Config)
		DiscardUpdate()
		Subscribe(cl ConfigListener)
		SetConfigFile(path string)
		GetConfigFile() string
	}

	ConfigListener interface {
		ConfigUpdate(oldConf, newConf *Config)
	}

	// ConfigCLI carries command-line overrides layered onto the config
	// file at load time.
	ConfigCLI struct {
		ConfFile   string
		LogLevel   string
		SelfID     string
		Backend    string
		Endpoint   string
		PluginDir  string
		ForceLeave bool
	}

	// Config is this coordinator's full process configuration.
	Config struct {
		Self     SelfConf     `json:"self"`
		Backend  BackendConf  `json:"backend"`
		Plugin   PluginConf   `json:"plugin"`
		Log      LogConf      `json:"log"`
		Periodic PeriodConf   `json:"periodic"`
		Control  ControlConf  `json:"control"`
	}

	SelfConf struct {
		Identity string `json:"identity"` // stable IP-address-sized peer identity
	}

	BackendConf struct {
		Choice         string        `json:"choice"` // native-cas | http-cas
		Endpoint       string        `json:"endpoint"`
		DialTimeout    time.Duration `json:"dial_timeout"`
		RequestTimeout time.Duration `json:"request_timeout"`
		WatchTimeout   time.Duration `json:"watch_timeout"` // vendor-defined, typically 60s
	}

	PluginConf struct {
		Dir        string `json:"dir"` // scanned for enabled-plugin manifests
		ForceLeave bool   `json:"force_leave"`
	}

	LogConf struct {
		Dir     string `json:"dir"`
		Level   string `json:"level"`
		MaxSize uint64 `json:"max_size"`
	}

	PeriodConf struct {
		PauseOnException  time.Duration `json:"pause_on_exception"`   // ~30s, §7 TransientError backoff
		PauseOnMissingKey time.Duration `json:"pause_on_missing_key"` // ~5s, §7 KeyMissing backoff
	}

	ControlConf struct {
		SocketPath string `json:"socket_path"` // unix-domain socket for leave/mark-failed commands
	}
)

// globalConfigOwner is the sole ConfigOwner implementation.
type globalConfigOwner struct {
	mtx       sync.Mutex
	c         unsafe.Pointer
	lmtx      sync.Mutex
	listeners []ConfigListener
	confFile  string
}

var (
	_   ConfigOwner = &globalConfigOwner{}
	GCO             = &globalConfigOwner{}
)

func init() {
	config := defaultConfig()
	atomic.StorePointer(&GCO.c, unsafe.Pointer(config))
}

func defaultConfig() *Config {
	return &Config{
		Backend: BackendConf{
			DialTimeout:    5 * time.Second,
			RequestTimeout: 10 * time.Second,
			WatchTimeout:   60 * time.Second,
		},
		Log: LogConf{
			Level:   "3",
			MaxSize: MiB,
		},
		Periodic: PeriodConf{
			PauseOnException:  30 * time.Second,
			PauseOnMissingKey: 5 * time.Second,
		},
	}
}

func (gco *globalConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&gco.c))
}

// BeginUpdate locks config for update. Must be followed by CommitUpdate or
// DiscardUpdate - the mutex is held across the pair, serializing updates.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	cur := gco.Get()
	clone := &Config{}
	*clone = *cur
	return clone
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	oldConf := gco.Get()
	atomic.StorePointer(&gco.c, unsafe.Pointer(config))
	gco.mtx.Unlock()
	gco.notifyListeners(oldConf)
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) SetConfigFile(path string) {
	gco.mtx.Lock()
	gco.confFile = path
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) GetConfigFile() string {
	gco.mtx.Lock()
	defer gco.mtx.Unlock()
	return gco.confFile
}

func (gco *globalConfigOwner) notifyListeners(oldConf *Config) {
	gco.lmtx.Lock()
	newConf := gco.Get()
	for _, l := range gco.listeners {
		l.ConfigUpdate(oldConf, newConf)
	}
	gco.lmtx.Unlock()
}

func (gco *globalConfigOwner) Subscribe(cl ConfigListener) {
	gco.lmtx.Lock()
	gco.listeners = append(gco.listeners, cl)
	gco.lmtx.Unlock()
}

// LoadConfig reads the JSON config file named by clivars.ConfFile, layers
// CLI overrides on top, validates the result, and commits it as the
// process-wide config. Returns whether anything differed from the file.
func LoadConfig(clivars *ConfigCLI) (changed bool) {
	GCO.SetConfigFile(clivars.ConfFile)

	config := GCO.BeginUpdate()
	defer GCO.CommitUpdate(config)

	if clivars.ConfFile != "" {
		if err := LocalLoad(clivars.ConfFile, config); err != nil {
			glog.Errorf("failed to load config %q, err: %v", clivars.ConfFile, err)
			os.Exit(1)
		}
	}

	if clivars.SelfID != "" {
		config.Self.Identity = clivars.SelfID
		changed = true
	}
	if clivars.Backend != "" {
		config.Backend.Choice = clivars.Backend
		changed = true
	}
	if clivars.Endpoint != "" {
		config.Backend.Endpoint = clivars.Endpoint
		changed = true
	}
	if clivars.PluginDir != "" {
		config.Plugin.Dir = clivars.PluginDir
		changed = true
	}
	if clivars.ForceLeave {
		config.Plugin.ForceLeave = true
		changed = true
	}
	if clivars.LogLevel != "" {
		config.Log.Level = clivars.LogLevel
		changed = true
	}

	if err := validateConfig(config); err != nil {
		glog.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	glog.Infof("config: %s", SimpleKVs{
		"self":       config.Self.Identity,
		"backend":    config.Backend.Choice,
		"endpoint":   config.Backend.Endpoint,
		"plugin-dir": config.Plugin.Dir,
	})
	return
}

func validateConfig(config *Config) error {
	if config.Self.Identity == "" {
		return fmt.Errorf("self.identity must not be empty")
	}
	switch config.Backend.Choice {
	case BackendNativeCAS, BackendHTTPCAS:
	default:
		return fmt.Errorf("backend.choice must be %q or %q, got %q",
			BackendNativeCAS, BackendHTTPCAS, config.Backend.Choice)
	}
	if config.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint must not be empty")
	}
	if config.Log.MaxSize > 10*GiB {
		return fmt.Errorf("log.max_size %d exceeds the 10GiB sanity ceiling", config.Log.MaxSize)
	}
	return nil
}

// LocalLoad decodes a JSON file into v.
func LocalLoad(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(b, v)
}

// LocalSave writes v as indented JSON to path, creating parent directories
// as needed.
func LocalSave(path string, v interface{}) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// SimpleKVs is a flat string-to-string map, used to render LoadConfig's
// startup summary log line.
type SimpleKVs map[string]string

func (kvs SimpleKVs) String() string {
	parts := make([]string, 0, len(kvs))
	for k, v := range kvs {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)
