package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyra-network/scribe-ledger/pkg/errdefs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scribe.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[node]
id = 1
address = "10.0.0.5"
data_dir = "/var/lib/scribe"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, uint64(1), cfg.Node.ID)
	require.Equal(t, "10.0.0.5", cfg.Node.Address)
	require.Equal(t, int64(64*1024*1024), cfg.Storage.SegmentSize)
	require.Equal(t, 1000, cfg.API.CacheCapacity)
	require.Equal(t, 64, cfg.Consensus.MaxPayloadEntries)
	require.Equal(t, 8192, cfg.Consensus.SnapshotLogsSinceLast)
	require.Equal(t, 6, cfg.Storage.Tiering.CompressionLevel)
	require.True(t, cfg.Storage.Tiering.EnableCompression)

	require.Equal(t, "10.0.0.5:9090", cfg.RaftAddr())
	require.Equal(t, "10.0.0.5:8080", cfg.ClientAddr())
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[node]
id = 3
address = "127.0.0.1"
data_dir = "/tmp/scribe"

[network]
client_port = 18080
raft_port = 19090
seed_peers = ["10.0.0.1:7946", "10.0.0.2:7946"]

[storage]
segment_size = 1048576

[storage.s3]
bucket = "ledger-cold"
region = "eu-west-1"
endpoint = "http://minio:9000"
path_style = true

[storage.tiering]
age_threshold_secs = 60
compression_level = 9
enable_auto_archival = true

[consensus]
election_timeout_min = 150
election_timeout_max = 300

[api]
max_batch_size = 16

[discovery]
failure_timeout_ms = 2500
`))
	require.NoError(t, err)

	require.Equal(t, uint64(3), cfg.Node.ID)
	require.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Network.SeedPeers)
	require.Equal(t, "ledger-cold", cfg.Storage.S3.Bucket)
	require.True(t, cfg.Storage.S3.PathStyle)
	require.Equal(t, "http://minio:9000", cfg.Storage.S3.Endpoint)
	require.Equal(t, int64(60), cfg.Storage.Tiering.AgeThresholdSecs)
	require.True(t, cfg.Storage.Tiering.EnableAutoArchival)
	require.Equal(t, int64(150), cfg.Consensus.ElectionTimeoutMinMs)
	require.Equal(t, 16, cfg.API.MaxBatchSize)
	require.Equal(t, int64(2500), cfg.Discovery.FailureTimeoutMs)
	require.Equal(t, "127.0.0.1:18080", cfg.ClientAddr())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SCRIBE_STORAGE_S3_BUCKET", "from-env")
	t.Setenv("SCRIBE_API_WRITE_TIMEOUT_SECS", "42")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Storage.S3.Bucket)
	require.Equal(t, 42, cfg.API.WriteTimeoutSecs)
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
[node]
address = "127.0.0.1"
`))
	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)

	_, err = Load(writeConfig(t, minimalConfig+`
[consensus]
election_timeout_min = 900
election_timeout_max = 300
`))
	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)

	_, err = Load(writeConfig(t, minimalConfig+`
[storage.tiering]
compression_level = 12
`))
	require.ErrorIs(t, err, errdefs.ErrInvalidConfig)
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/scribe.toml")
	require.Error(t, err)
}
