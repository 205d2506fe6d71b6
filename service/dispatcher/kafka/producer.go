package kafka

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 回执事件管道的 Kafka 配置。
type Config struct {
	Brokers             []string
	Topic               string // 默认 delivery_receipts
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = "delivery_receipts"
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 1
	}
}

func buildBaseConfig(c *Config) *sarama.Config {
	cfg := sarama.NewConfig()

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区：同一 chat 进同一分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// ReceiptProducer 把已送达/已读回执事件同步发往 Kafka，
// 供下游（多端同步、统计）消费。
type ReceiptProducer struct {
	conf     Config
	client   sarama.Client
	producer sarama.SyncProducer
}

func NewReceiptProducer(conf Config) (*ReceiptProducer, error) {
	conf.withDefaults()
	client, err := sarama.NewClient(conf.Brokers, buildBaseConfig(&conf))
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &ReceiptProducer{conf: conf, client: client, producer: producer}, nil
}

// SendJSON 以 key 分区发送一条 JSON 事件。
func (p *ReceiptProducer) SendJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.conf.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *ReceiptProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		_ = p.client.Close()
		return err
	}
	return p.client.Close()
}
