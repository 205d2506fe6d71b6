package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"SyncCore/tools/errs"
)

// Duration 让 YAML 接受 "20s" 这种人读写法。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errs.WrapMsg(err, "config: bad duration", "value", s)
	}
	*d = Duration(v)
	return nil
}

// Std 转回标准时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是进程级配置。YAML 为主，环境变量可逐项覆盖，
// 环境变量名见各字段旁注释。
type Config struct {
	LogLevel string      `yaml:"log_level"` // SYNC_LOG_LEVEL
	Node     NodeConfig  `yaml:"node"`
	Redis    RedisConfig `yaml:"redis"`
	Mongo    MongoConfig `yaml:"mongo"`
	Nats     NatsConfig  `yaml:"nats"`
	Kafka    KafkaConfig `yaml:"kafka"`
	Admin    AdminConfig `yaml:"admin"`

	// Ex 自由扩展段：部署环境塞进来的松散键值，
	// 用 DecodeEx 按需解码成强类型。
	Ex map[string]any `yaml:"ex"`
}

type NodeConfig struct {
	ID       int64  `yaml:"id"`        // SYNC_NODE_ID，雪花节点号
	StateDir string `yaml:"state_dir"` // SYNC_STATE_DIR，设备身份落盘目录
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // SYNC_REDIS_ADDR
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`

	HeartbeatTTL   Duration `yaml:"heartbeat_ttl"`
	HeartbeatEvery Duration `yaml:"heartbeat_every"`
	SweepEvery     Duration `yaml:"sweep_every"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"` // SYNC_MONGO_URI
	Database    string `yaml:"database"`
	MaxPoolSize int    `yaml:"max_pool_size"`
	MaxRetry    int    `yaml:"max_retry"`
}

type NatsConfig struct {
	URL     string `yaml:"url"` // SYNC_NATS_URL，空 = 不启用广播
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // SYNC_KAFKA_BROKERS（逗号分隔），空 = 不启用回执流
	Topic   string   `yaml:"topic"`
	Enabled bool     `yaml:"enabled"`
}

type AdminConfig struct {
	Addr      string `yaml:"addr"`       // SYNC_ADMIN_ADDR
	JWTSecret string `yaml:"jwt_secret"` // SYNC_ADMIN_SECRET
	Debug     bool   `yaml:"debug"`
}

// Load 读 YAML（文件可缺省，全走默认+环境变量），套环境变量覆盖，
// 最后补默认值并校验。
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, errs.WrapMsg(err, "config: read file", "path", path)
		}
		if err == nil {
			if uerr := yaml.Unmarshal(raw, c); uerr != nil {
				return nil, errs.WrapMsg(uerr, "config: parse yaml", "path", path)
			}
		}
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = envOrDefault("SYNC_LOG_LEVEL", c.LogLevel)
	c.Redis.Addr = envOrDefault("SYNC_REDIS_ADDR", c.Redis.Addr)
	c.Mongo.URI = envOrDefault("SYNC_MONGO_URI", c.Mongo.URI)
	c.Nats.URL = envOrDefault("SYNC_NATS_URL", c.Nats.URL)
	c.Admin.Addr = envOrDefault("SYNC_ADMIN_ADDR", c.Admin.Addr)
	c.Admin.JWTSecret = envOrDefault("SYNC_ADMIN_SECRET", c.Admin.JWTSecret)
	c.Node.StateDir = envOrDefault("SYNC_STATE_DIR", c.Node.StateDir)
	if v := os.Getenv("SYNC_NODE_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Node.ID = id
		}
	}
	if v := os.Getenv("SYNC_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitCSV(v)
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://127.0.0.1:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "synccore"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "delivery_receipts"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8089"
	}
}

func (c *Config) validate() error {
	if c.Admin.JWTSecret == "" {
		return errs.New("config: admin jwt_secret is required (SYNC_ADMIN_SECRET)")
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return errs.New("config: nats enabled without url")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errs.New("config: kafka enabled without brokers")
	}
	return nil
}

// DecodeEx 把扩展段里的一个子块解码到强类型结构。
// 键不存在返回 NotFound，调用方自行决定是否可忽略。
func (c *Config) DecodeEx(key string, out any) error {
	raw, ok := c.Ex[key]
	if !ok {
		return errs.NotFound("config: ex block missing").WithDetail(key)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return errs.WrapMsg(err, "config: decode ex block", "key", key)
	}
	return nil
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
