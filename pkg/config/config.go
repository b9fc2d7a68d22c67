// Package config loads the TOML configuration file and applies
// SCRIBE_-prefixed environment overrides. One section per component.
package config

import (
	"fmt"
	"strings"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Network   NetworkConfig   `mapstructure:"network"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	API       APIConfig       `mapstructure:"api"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

type NodeConfig struct {
	ID      uint64 `mapstructure:"id"`
	Address string `mapstructure:"address"`
	DataDir string `mapstructure:"data_dir"`
}

type NetworkConfig struct {
	ListenAddr string   `mapstructure:"listen_addr"`
	ClientPort int      `mapstructure:"client_port"`
	RaftPort   int      `mapstructure:"raft_port"`
	GossipPort int      `mapstructure:"gossip_port"`
	SeedPeers  []string `mapstructure:"seed_peers"`
}

type StorageConfig struct {
	SegmentSize  int64         `mapstructure:"segment_size"`
	MaxCacheSize int           `mapstructure:"max_cache_size"`
	S3           S3Config      `mapstructure:"s3"`
	Tiering      TieringConfig `mapstructure:"tiering"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
	PoolSize        int    `mapstructure:"pool_size"`
	TimeoutSecs     int    `mapstructure:"timeout_secs"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

type TieringConfig struct {
	AgeThresholdSecs         int64 `mapstructure:"age_threshold_secs"`
	EnableCompression        bool  `mapstructure:"enable_compression"`
	CompressionLevel         int   `mapstructure:"compression_level"`
	EnableAutoArchival       bool  `mapstructure:"enable_auto_archival"`
	ArchivalCheckIntervalSec int64 `mapstructure:"archival_check_interval_secs"`
}

type ConsensusConfig struct {
	ElectionTimeoutMinMs   int64 `mapstructure:"election_timeout_min"`
	ElectionTimeoutMaxMs   int64 `mapstructure:"election_timeout_max"`
	HeartbeatIntervalMs    int64 `mapstructure:"heartbeat_interval_ms"`
	MaxPayloadEntries      int   `mapstructure:"max_payload_entries"`
	SnapshotLogsSinceLast  int   `mapstructure:"snapshot_logs_since_last"`
	MaxInSnapshotLogToKeep int   `mapstructure:"max_in_snapshot_log_to_keep"`
}

type APIConfig struct {
	WriteTimeoutSecs int `mapstructure:"write_timeout_secs"`
	ReadTimeoutSecs  int `mapstructure:"read_timeout_secs"`
	MaxBatchSize     int `mapstructure:"max_batch_size"`
	CacheCapacity    int `mapstructure:"cache_capacity"`
}

type DiscoveryConfig struct {
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms"`
	FailureTimeoutMs    int64 `mapstructure:"failure_timeout_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", uint64(0))
	v.SetDefault("node.address", "127.0.0.1")
	v.SetDefault("node.data_dir", "./data")

	v.SetDefault("network.listen_addr", "0.0.0.0")
	v.SetDefault("network.client_port", 8080)
	v.SetDefault("network.raft_port", 9090)
	v.SetDefault("network.gossip_port", 7946)
	v.SetDefault("network.seed_peers", []string{})

	v.SetDefault("storage.segment_size", int64(64*1024*1024))
	v.SetDefault("storage.max_cache_size", 128)
	// empty defaults keep every key visible to viper so environment
	// overrides bind during Unmarshal
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.pool_size", 10)
	v.SetDefault("storage.s3.timeout_secs", 30)
	v.SetDefault("storage.s3.max_retries", 3)
	v.SetDefault("storage.tiering.age_threshold_secs", int64(3600))
	v.SetDefault("storage.tiering.enable_compression", true)
	v.SetDefault("storage.tiering.compression_level", 6)
	v.SetDefault("storage.tiering.enable_auto_archival", false)
	v.SetDefault("storage.tiering.archival_check_interval_secs", int64(60))

	v.SetDefault("consensus.election_timeout_min", int64(500))
	v.SetDefault("consensus.election_timeout_max", int64(1000))
	v.SetDefault("consensus.heartbeat_interval_ms", int64(250))
	v.SetDefault("consensus.max_payload_entries", 64)
	v.SetDefault("consensus.snapshot_logs_since_last", 8192)
	v.SetDefault("consensus.max_in_snapshot_log_to_keep", 10240)

	v.SetDefault("api.write_timeout_secs", 10)
	v.SetDefault("api.read_timeout_secs", 5)
	v.SetDefault("api.max_batch_size", 128)
	v.SetDefault("api.cache_capacity", 1000)

	v.SetDefault("discovery.heartbeat_interval_ms", int64(1000))
	v.SetDefault("discovery.failure_timeout_ms", int64(5000))
}

// Load reads the TOML file at path (optional) and environment overrides,
// returning a validated configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("SCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("%w: node.id must be a non-zero 64-bit id", errdefs.ErrInvalidConfig)
	}
	if c.Storage.SegmentSize <= 0 {
		return fmt.Errorf("%w: storage.segment_size must be positive", errdefs.ErrInvalidConfig)
	}
	if c.Consensus.ElectionTimeoutMinMs > c.Consensus.ElectionTimeoutMaxMs {
		return fmt.Errorf("%w: consensus.election_timeout_min exceeds election_timeout_max", errdefs.ErrInvalidConfig)
	}
	if lvl := c.Storage.Tiering.CompressionLevel; lvl < 0 || lvl > 9 {
		return fmt.Errorf("%w: storage.tiering.compression_level must be in [0,9]", errdefs.ErrInvalidConfig)
	}
	if c.API.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: api.max_batch_size must be positive", errdefs.ErrInvalidConfig)
	}
	return nil
}

// RaftAddr returns the host:port the raft transport binds to.
func (c *Config) RaftAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Address, c.Network.RaftPort)
}

// ClientAddr returns the host:port the HTTP API binds to.
func (c *Config) ClientAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Address, c.Network.ClientPort)
}

// GossipAddr returns the host:port the discovery gossip binds to.
func (c *Config) GossipAddr() string {
	return fmt.Sprintf("%s:%d", c.Node.Address, c.Network.GossipPort)
}
