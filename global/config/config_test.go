package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log_level: debug
redis:
  addr: 10.0.0.1:6379
  heartbeat_ttl: 20s
mongo:
  uri: mongodb://10.0.0.2:27017
  database: chatcore
admin:
  addr: ":9090"
  jwt_secret: s3cret
ex:
  gateway:
    node: gw-3
    max_conns: 4096
`

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	c, err := Load(writeConf(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "10.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, 20*time.Second, c.Redis.HeartbeatTTL.Std())
	assert.Equal(t, "chatcore", c.Mongo.Database)
	assert.Equal(t, ":9090", c.Admin.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SYNC_REDIS_ADDR", "override:6379")
	t.Setenv("SYNC_NODE_ID", "7")
	t.Setenv("SYNC_KAFKA_BROKERS", "k1:9092, k2:9092")

	c, err := Load(writeConf(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "override:6379", c.Redis.Addr)
	assert.Equal(t, int64(7), c.Node.ID)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("SYNC_ADMIN_SECRET", "env-secret")

	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, "delivery_receipts", c.Kafka.Topic)
	assert.Equal(t, "env-secret", c.Admin.JWTSecret)
}

func TestValidateRequiresAdminSecret(t *testing.T) {
	_, err := Load(writeConf(t, "log_level: info\n"))
	assert.Error(t, err)
}

func TestDecodeEx(t *testing.T) {
	c, err := Load(writeConf(t, sampleYAML))
	require.NoError(t, err)

	var gw struct {
		Node     string `yaml:"node"`
		MaxConns int    `yaml:"max_conns"`
	}
	require.NoError(t, c.DecodeEx("gateway", &gw))
	assert.Equal(t, "gw-3", gw.Node)
	assert.Equal(t, 4096, gw.MaxConns)

	assert.Error(t, c.DecodeEx("missing", &gw))
}
