// Package config handles on-disk cluster configuration for topgund: a
// single YAML file describing this node's identity, seed peers, storage
// backend, and the tunable defaults for every component, plus the
// functional-options surface used to build a server in-process without
// touching disk (tests, embedding).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults per §6 of the specification.
const (
	DefaultPartitionCount = 271
	DefaultBackupCount    = 2

	DefaultHeartbeatInterval = time.Second
	DefaultPhiThreshold      = 8.0

	DefaultRepairScanInterval = time.Hour
	DefaultRepairInitialDelay = time.Minute

	DefaultMigrationBatchSize         = 5
	DefaultMigrationParallelTransfers = 2
	DefaultMigrationBatchInterval     = 100 * time.Millisecond

	DefaultReplicationQueueSizeLimit = 100000
	DefaultReplicationBatchSize      = 100
	DefaultReplicationBatchInterval  = 50 * time.Millisecond
	DefaultReplicationAckTimeout     = 5 * time.Second
	DefaultReplicationMaxRetries     = 3
	DefaultConsistency               = "EVENTUAL"

	DefaultLockMinTTL = time.Second
	DefaultLockMaxTTL = 5 * time.Minute

	DefaultTopicSubscriptionCap = 100
)

// StorageBackend selects the concrete kv.DataStorer/DataCollector
// implementation a node is built with.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageRedis  StorageBackend = "redis"
	StorageSQLite StorageBackend = "sqlite"
)

// TLS describes the mutual-TLS material for inter-node and client
// connections. Empty fields mean plaintext, matching the teacher's
// "connection must set one of unix, ssh, or tcp" permissive-default style.
type TLS struct {
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	CAFile     string `yaml:"ca_file,omitempty"`
	ServerName string `yaml:"server_name,omitempty"`
}

func (t TLS) enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Seed is a peer address this node dials at startup to join the mesh.
type Seed struct {
	NodeID string `yaml:"node_id"`
	Addr   string `yaml:"addr"`
}

// Node is this node's own identity and listen configuration.
type Node struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir,omitempty"`
	ClientFwdPort int `yaml:"client_forward_port,omitempty"`
}

// Storage configures the KVStore adapter a node runs.
type Storage struct {
	Backend   StorageBackend `yaml:"backend"`
	RedisAddr string         `yaml:"redis_addr,omitempty"`
	RedisNS   string         `yaml:"redis_namespace,omitempty"`
	SQLitePath string        `yaml:"sqlite_path,omitempty"`
}

// Kafka configures the optional TopicBus durable mirror.
type Kafka struct {
	SeedBrokers []string `yaml:"seed_brokers,omitempty"`
	TopicPrefix string   `yaml:"topic_prefix,omitempty"`
}

func (k Kafka) enabled() bool { return len(k.SeedBrokers) > 0 }

// Tunables holds every component's overridable defaults, all loaded
// straight from YAML so an operator can tune one cluster differently
// from another without a rebuild.
type Tunables struct {
	PartitionCount int `yaml:"partition_count,omitempty"`
	BackupCount    int `yaml:"backup_count,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	PhiThreshold      float64       `yaml:"phi_threshold,omitempty"`

	RepairScanInterval time.Duration `yaml:"repair_scan_interval,omitempty"`
	RepairInitialDelay time.Duration `yaml:"repair_initial_delay,omitempty"`

	MigrationBatchSize         int           `yaml:"migration_batch_size,omitempty"`
	MigrationParallelTransfers int           `yaml:"migration_parallel_transfers,omitempty"`
	MigrationBatchInterval     time.Duration `yaml:"migration_batch_interval,omitempty"`
	TransferCompression        bool          `yaml:"transfer_compression,omitempty"`

	ReplicationQueueSizeLimit int           `yaml:"replication_queue_size_limit,omitempty"`
	ReplicationBatchSize      int           `yaml:"replication_batch_size,omitempty"`
	ReplicationBatchInterval  time.Duration `yaml:"replication_batch_interval,omitempty"`
	ReplicationAckTimeout     time.Duration `yaml:"replication_ack_timeout,omitempty"`
	ReplicationMaxRetries     int           `yaml:"replication_max_retries,omitempty"`
	DefaultConsistency        string        `yaml:"default_consistency,omitempty"`

	LockMinTTL time.Duration `yaml:"lock_min_ttl,omitempty"`
	LockMaxTTL time.Duration `yaml:"lock_max_ttl,omitempty"`

	TopicSubscriptionCap int `yaml:"topic_subscription_cap,omitempty"`
}

func (t Tunables) withDefaults() Tunables {
	if t.PartitionCount <= 0 {
		t.PartitionCount = DefaultPartitionCount
	}
	if t.BackupCount <= 0 {
		t.BackupCount = DefaultBackupCount
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if t.PhiThreshold <= 0 {
		t.PhiThreshold = DefaultPhiThreshold
	}
	if t.RepairScanInterval <= 0 {
		t.RepairScanInterval = DefaultRepairScanInterval
	}
	if t.RepairInitialDelay <= 0 {
		t.RepairInitialDelay = DefaultRepairInitialDelay
	}
	if t.MigrationBatchSize <= 0 {
		t.MigrationBatchSize = DefaultMigrationBatchSize
	}
	if t.MigrationParallelTransfers <= 0 {
		t.MigrationParallelTransfers = DefaultMigrationParallelTransfers
	}
	if t.MigrationBatchInterval <= 0 {
		t.MigrationBatchInterval = DefaultMigrationBatchInterval
	}
	if t.ReplicationQueueSizeLimit <= 0 {
		t.ReplicationQueueSizeLimit = DefaultReplicationQueueSizeLimit
	}
	if t.ReplicationBatchSize <= 0 {
		t.ReplicationBatchSize = DefaultReplicationBatchSize
	}
	if t.ReplicationBatchInterval <= 0 {
		t.ReplicationBatchInterval = DefaultReplicationBatchInterval
	}
	if t.ReplicationAckTimeout <= 0 {
		t.ReplicationAckTimeout = DefaultReplicationAckTimeout
	}
	if t.ReplicationMaxRetries <= 0 {
		t.ReplicationMaxRetries = DefaultReplicationMaxRetries
	}
	if strings.TrimSpace(t.DefaultConsistency) == "" {
		t.DefaultConsistency = DefaultConsistency
	}
	if t.LockMinTTL <= 0 {
		t.LockMinTTL = DefaultLockMinTTL
	}
	if t.LockMaxTTL <= 0 {
		t.LockMaxTTL = DefaultLockMaxTTL
	}
	if t.TopicSubscriptionCap <= 0 {
		t.TopicSubscriptionCap = DefaultTopicSubscriptionCap
	}
	return t
}

// Config is the full on-disk shape of a topgund node's config file.
type Config struct {
	Node     Node     `yaml:"node"`
	Seeds    []Seed   `yaml:"seeds,omitempty"`
	Storage  Storage  `yaml:"storage"`
	TLS      TLS      `yaml:"tls,omitempty"`
	Kafka    Kafka    `yaml:"kafka,omitempty"`
	Tunables Tunables `yaml:"tunables,omitempty"`

	path string
}

// Default returns a single-node, in-memory configuration suitable for
// local development: no seeds, no TLS, no Kafka bridge.
func Default(nodeID, host string, port int) *Config {
	return &Config{
		Node:     Node{ID: nodeID, Host: host, Port: port},
		Storage:  Storage{Backend: StorageMemory},
		Tunables: Tunables{}.withDefaults(),
	}
}

const envConfigPath = "TOPGUN_CONFIG"

// DefaultPath returns $TOPGUN_CONFIG if set, else
// $XDG_CONFIG_HOME/topgun/config.yaml falling back to
// ~/.config/topgun/config.yaml.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return filepath.Join(".config", "topgun", "config.yaml")
		}
		return filepath.Join(home, ".config", "topgun", "config.yaml")
	}
	return filepath.Join(dir, "topgun", "config.yaml")
}

// Load reads and parses the config file at path, or DefaultPath() if
// path is empty. A missing file is not an error: it yields an otherwise
// empty config whose Tunables are filled in via withDefaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}

	cfg := &Config{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Tunables = cfg.Tunables.withDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	cfg.path = path
	cfg.Tunables = cfg.Tunables.withDefaults()
	return cfg, nil
}

// Save writes the config to disk atomically (write to a temp file in
// the same directory, then rename), creating directories as needed.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	if strings.TrimSpace(c.path) == "" {
		c.path = DefaultPath()
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory %q: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config file %q: %w", c.path, err)
	}
	return nil
}

// Path returns the file path this config was loaded from or will be
// saved to.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Validate checks for the minimum viable configuration: a node
// identity and listen address, and a known storage backend with the
// address or path it needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if strings.TrimSpace(c.Node.Host) == "" {
		return fmt.Errorf("config: node.host is required")
	}
	if c.Node.Port <= 0 {
		return fmt.Errorf("config: node.port must be positive")
	}
	switch c.Storage.Backend {
	case StorageMemory, "":
	case StorageRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return fmt.Errorf("config: storage.redis_addr is required for backend %q", StorageRedis)
		}
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("config: storage.sqlite_path is required for backend %q", StorageSQLite)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// TLSEnabled reports whether mutual TLS material is configured.
func (c *Config) TLSEnabled() bool { return c.TLS.enabled() }

// KafkaEnabled reports whether the TopicBus Kafka mirror is configured.
func (c *Config) KafkaEnabled() bool { return c.Kafka.enabled() }
