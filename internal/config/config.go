// Package config provides configuration loading, validation, and hot-reload
// for the p2p-agent node runtime.
//
// Configuration file: <config_dir>/config/node.yaml (default config_dir:
// /etc/p2p-agent).
// Schema version: 1
//
// Environment overrides, applied after file load and before validation:
//   - P2P_LISTEN_ADDR overrides network.listen_addr
//   - P2P_BOOTSTRAP overrides discovery.bootstrap_peers (comma-separated)
//   - P2P_CONFIG_DIR is read by callers to locate the config file itself
//   - P2P_LOG_LEVEL overrides observability.log_level
//   - P2P_STORAGE_BACKEND overrides storage.backend
//
// Hot-reload:
//   - Node listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate node.yaml.
//   - Apply non-destructive changes only (quotas, diversity thresholds,
//     log level, task timeouts).
//   - Destructive changes (listen address, storage backend, DB path) require
//     restart and are logged as ignored on hot-reload.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The node does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. diversity shares in [0,1]).
//   - Invalid config on startup: node refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p2p-ai-agents/node/internal/identity"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the p2p-agent node.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a human-readable label for this node, independent of its
	// cryptographic PeerId. Used only in logs. Default: hostname.
	NodeID string `yaml:"node_id"`

	// ConfigDir is where the node's identity, control-plane socket, and
	// on-disk state directories live. Default: /etc/p2p-agent.
	ConfigDir string `yaml:"config_dir"`

	// Identity configures the node's Ed25519 key and PoW calibration.
	Identity IdentityConfig `yaml:"identity"`

	// Network configures the TLS TCP transport.
	Network NetworkConfig `yaml:"network"`

	// Discovery configures bootstrap and catalogue behaviour.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Storage configures the persistence backend.
	Storage StorageConfig `yaml:"storage"`

	// Reputation configures quota bands and corroboration.
	Reputation ReputationConfig `yaml:"reputation"`

	// TaskEngine configures scheduling, retry, and consensus parameters.
	TaskEngine TaskEngineConfig `yaml:"task_engine"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// ControlPlane configures the local Unix-domain control socket.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
}

// IdentityConfig holds identity and proof-of-work parameters.
type IdentityConfig struct {
	// PowMemoryKiB is the Argon2id memory parameter in KiB. Default: 131072 (128MiB).
	PowMemoryKiB uint32 `yaml:"pow_memory_kib"`

	// PowIterations is the Argon2id time parameter. Default: 2.
	PowIterations uint32 `yaml:"pow_iterations"`

	// PowParallelism is the Argon2id parallelism parameter. Default: 4.
	PowParallelism uint8 `yaml:"pow_parallelism"`

	// PowTargetZeroBytes is the number of leading zero bytes required in the
	// Argon2id digest's big-endian target threshold: higher values make the
	// puzzle harder. Default: 2 (the spec's nominal ~2s honest-join cost).
	PowTargetZeroBytes int `yaml:"pow_target_zero_bytes"`

	// PowJoinWindow bounds how stale a PoW timestamp may be at verification
	// time. Default: 30s.
	PowJoinWindow time.Duration `yaml:"pow_join_window"`
}

// NetworkConfig holds transport and peer-registry parameters.
type NetworkConfig struct {
	// ListenAddr is the TLS TCP listen address. Default: 0.0.0.0:7420.
	ListenAddr string `yaml:"listen_addr"`

	// TLSCertFile is the path to the node's TLS certificate (PEM).
	TLSCertFile string `yaml:"tls_cert_file"`

	// TLSKeyFile is the path to the node's TLS private key (PEM).
	TLSKeyFile string `yaml:"tls_key_file"`

	// TLSCAFile is the path to the CA certificate for peer verification (PEM).
	TLSCAFile string `yaml:"tls_ca_file"`

	// RegistryCapacity bounds the number of PeerRecords retained in the
	// LRU-backed PeerRegistry. Default: 4096.
	RegistryCapacity int `yaml:"registry_capacity"`

	// MaxSubnetShare is the maximum fraction of connections permitted from
	// a single /24 subnet. Default: 0.20.
	MaxSubnetShare float64 `yaml:"max_subnet_share"`

	// MaxASShare is the maximum fraction of connections permitted from a
	// single autonomous system. Default: 0.05.
	MaxASShare float64 `yaml:"max_as_share"`

	// BaseBackoff/MaxBackoff bound reconnect backoff to an audited-over peer.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DiscoveryConfig holds bootstrap-list and catalogue parameters.
type DiscoveryConfig struct {
	// BootstrapPeers is the static list of peer addresses (host:port)
	// consulted at startup. Spec recommends >=5 independent operators.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// ReplicationFactor is the catalogue's target fragment replication
	// count. Default: 3.
	ReplicationFactor int `yaml:"replication_factor"`

	// RateLimitPerOrigin bounds how often one origin peer's discovery
	// queries are honoured. Default: 1s.
	RateLimitPerOrigin time.Duration `yaml:"rate_limit_per_origin"`

	// AnnounceInterval is how often the node re-announces itself to known
	// peers and, if enabled, the LAN. Default: 5m.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// SelfHealThreshold is the catalogue size at or above which bootstrap
	// consultation is skipped on startup. Default: 8.
	SelfHealThreshold int `yaml:"self_heal_threshold"`

	// MDNSEnabled gates LAN peer discovery via mDNS. Default: true.
	MDNSEnabled bool `yaml:"mdns_enabled"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend selects the storage implementation: "bbolt", "redis",
	// "supabase", or "memory". Default: bbolt.
	Backend string `yaml:"backend"`

	// DBPath is the bbolt file path. Default: /var/lib/p2p-agent/node.db.
	DBPath string `yaml:"db_path"`

	// RedisAddrs/RedisPassword/RedisDB configure the redis backend.
	RedisAddrs    []string `yaml:"redis_addrs"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`

	// SupabaseBaseURL/SupabaseTable/SupabaseAPIKey configure the supabase
	// HTTP backend.
	SupabaseBaseURL string `yaml:"supabase_base_url"`
	SupabaseTable   string `yaml:"supabase_table"`
	SupabaseAPIKey  string `yaml:"supabase_api_key"`

	// Consistency requested for the redis/supabase backends: "strong",
	// "read_your_writes", or "eventual". bbolt and memory are always Strong.
	Consistency string `yaml:"consistency"`
}

// ReputationConfig holds corroboration and quota parameters.
type ReputationConfig struct {
	// CorroborationMin is the number of independent reporters required
	// before a malicious report is acted on. Default: 2.
	CorroborationMin int `yaml:"corroboration_min"`

	// CorroborationWindow bounds how long independent reports are
	// considered part of the same corroboration episode. Default: 10m.
	CorroborationWindow time.Duration `yaml:"corroboration_window"`
}

// TaskEngineConfig holds scheduling, retry, and consensus parameters.
type TaskEngineConfig struct {
	// Workers is the number of concurrent dispatch workers. Default: 4.
	Workers int `yaml:"workers"`

	// QueueSize is the submission queue depth. Default: 1000.
	QueueSize int `yaml:"queue_size"`

	// DefaultTimeout applies to tasks that don't specify their own.
	// Default: 30s.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxRetries is the number of failed results a dispatched task tolerates
	// before it is marked Failed. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseBackoff/RetryMaxBackoff are carried in the configuration; the
	// task engine applies no delay between retries.
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlPlaneConfig holds the local control socket parameters.
type ControlPlaneConfig struct {
	// Enabled controls whether the control-plane socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`

	// SocketPath is the Unix domain socket path. Permissions: 0600.
	// Default: <config_dir>/p2p-agent.sock.
	SocketPath string `yaml:"socket_path"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		ConfigDir:     "/etc/p2p-agent",
		Identity: IdentityConfig{
			PowMemoryKiB:       131072,
			PowIterations:      2,
			PowParallelism:     4,
			PowTargetZeroBytes: 2,
			PowJoinWindow:      30 * time.Second,
		},
		Network: NetworkConfig{
			ListenAddr:       "0.0.0.0:7420",
			RegistryCapacity: 4096,
			MaxSubnetShare:   0.20,
			MaxASShare:       0.05,
			BaseBackoff:      30 * time.Second,
			MaxBackoff:       30 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			ReplicationFactor:  3,
			RateLimitPerOrigin: time.Second,
			AnnounceInterval:   5 * time.Minute,
			SelfHealThreshold:  8,
			MDNSEnabled:        true,
		},
		Storage: StorageConfig{
			Backend:     "bbolt",
			DBPath:      DefaultDBPath,
			Consistency: "strong",
		},
		Reputation: ReputationConfig{
			CorroborationMin:    2,
			CorroborationWindow: 10 * time.Minute,
		},
		TaskEngine: TaskEngineConfig{
			Workers:          4,
			QueueSize:        1000,
			DefaultTimeout:   30 * time.Second,
			MaxRetries:       3,
			RetryBaseBackoff: time.Second,
			RetryMaxBackoff:  time.Minute,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		ControlPlane: ControlPlaneConfig{
			Enabled:    true,
			SocketPath: "/etc/p2p-agent/p2p-agent.sock",
		},
	}
}

// DefaultDBPath is the bbolt backend's default file location.
const DefaultDBPath = "/var/lib/p2p-agent/node.db"

// Load reads and validates a config file from the given path, then applies
// environment variable overrides before final validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies the documented P2P_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("P2P_LISTEN_ADDR"); v != "" {
		cfg.Network.ListenAddr = v
	}
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.Discovery.BootstrapPeers = strings.Split(v, ",")
	}
	if v := os.Getenv("P2P_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("P2P_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Identity.PowTargetZeroBytes < 0 || cfg.Identity.PowTargetZeroBytes > 31 {
		errs = append(errs, fmt.Sprintf("identity.pow_target_zero_bytes must be in [0, 31], got %d", cfg.Identity.PowTargetZeroBytes))
	}
	if cfg.Network.ListenAddr == "" {
		errs = append(errs, "network.listen_addr must not be empty")
	}
	if cfg.Network.MaxSubnetShare < 0.0 || cfg.Network.MaxSubnetShare > 1.0 {
		errs = append(errs, fmt.Sprintf("network.max_subnet_share must be in [0.0, 1.0], got %f", cfg.Network.MaxSubnetShare))
	}
	if cfg.Network.MaxASShare < 0.0 || cfg.Network.MaxASShare > 1.0 {
		errs = append(errs, fmt.Sprintf("network.max_as_share must be in [0.0, 1.0], got %f", cfg.Network.MaxASShare))
	}
	if cfg.Network.RegistryCapacity < 1 {
		errs = append(errs, fmt.Sprintf("network.registry_capacity must be >= 1, got %d", cfg.Network.RegistryCapacity))
	}
	if cfg.Discovery.ReplicationFactor < 1 {
		errs = append(errs, fmt.Sprintf("discovery.replication_factor must be >= 1, got %d", cfg.Discovery.ReplicationFactor))
	}
	switch cfg.Storage.Backend {
	case "bbolt", "memory":
	case "redis":
		if len(cfg.Storage.RedisAddrs) == 0 {
			errs = append(errs, "storage.redis_addrs must not be empty when storage.backend is \"redis\"")
		}
	case "supabase":
		if cfg.Storage.SupabaseBaseURL == "" || cfg.Storage.SupabaseTable == "" {
			errs = append(errs, "storage.supabase_base_url and supabase_table are required when storage.backend is \"supabase\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of bbolt, redis, supabase, memory; got %q", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == "bbolt" && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty when storage.backend is \"bbolt\"")
	}
	if cfg.Reputation.CorroborationMin < 1 {
		errs = append(errs, fmt.Sprintf("reputation.corroboration_min must be >= 1, got %d", cfg.Reputation.CorroborationMin))
	}
	if cfg.TaskEngine.Workers < 1 || cfg.TaskEngine.Workers > 256 {
		errs = append(errs, fmt.Sprintf("task_engine.workers must be in [1, 256], got %d", cfg.TaskEngine.Workers))
	}
	if cfg.TaskEngine.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("task_engine.queue_size must be >= 1, got %d", cfg.TaskEngine.QueueSize))
	}
	if cfg.TaskEngine.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("task_engine.max_retries must be >= 0, got %d", cfg.TaskEngine.MaxRetries))
	}
	if cfg.ControlPlane.Enabled && cfg.ControlPlane.SocketPath == "" {
		errs = append(errs, "control_plane.socket_path must not be empty when control_plane.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// Reload re-reads path and returns the new config if and only if it
// validates successfully; hot-reload callers keep running the previous
// config on error (spec.md §1: "the node does NOT crash on invalid
// hot-reload config").
func Reload(path string) (*Config, error) {
	return Load(path)
}

// ApplyNonDestructive copies the non-destructive fields of next into cur,
// leaving fields that require a restart (listen address, storage backend,
// DB path, control-plane socket path) untouched. Callers are expected to
// have validated next already via Load/Reload.
func ApplyNonDestructive(cur *Config, next *Config) {
	cur.Reputation = next.Reputation
	cur.TaskEngine.MaxRetries = next.TaskEngine.MaxRetries
	cur.TaskEngine.RetryBaseBackoff = next.TaskEngine.RetryBaseBackoff
	cur.TaskEngine.RetryMaxBackoff = next.TaskEngine.RetryMaxBackoff
	cur.TaskEngine.DefaultTimeout = next.TaskEngine.DefaultTimeout
	cur.Network.MaxSubnetShare = next.Network.MaxSubnetShare
	cur.Network.MaxASShare = next.Network.MaxASShare
	cur.Discovery.AnnounceInterval = next.Discovery.AnnounceInterval
	cur.Discovery.RateLimitPerOrigin = next.Discovery.RateLimitPerOrigin
	cur.Observability.LogLevel = next.Observability.LogLevel
}

// PowParams builds identity.PowParams from the identity config section.
func (c IdentityConfig) PowParams() identity.PowParams {
	target := bytes.Repeat([]byte{0xff}, 32)
	for i := 0; i < c.PowTargetZeroBytes && i < len(target); i++ {
		target[i] = 0x00
	}
	return identity.PowParams{
		MemoryKiB:   c.PowMemoryKiB,
		Iterations:  c.PowIterations,
		Parallelism: c.PowParallelism,
		KeyLen:      32,
		Target:      target,
		JoinWindow:  c.PowJoinWindow,
	}
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
