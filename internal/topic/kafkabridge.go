package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// KafkaBridgeConfig configures the optional durable mirror: every
// cluster-wide topic publish is additionally produced to a Kafka topic
// named by TopicPrefix+topic, for consumers outside the mesh (spec
// §4.9 "best-effort across the cluster" plus the durable-fan-out
// extension described in SPEC_FULL.md).
type KafkaBridgeConfig struct {
	SeedBrokers  []string
	TopicPrefix  string
	ProduceTimeout time.Duration
}

func (c KafkaBridgeConfig) withDefaults() KafkaBridgeConfig {
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = 5 * time.Second
	}
	return c
}

// kafkaRecord is the envelope mirrored onto the Kafka topic.
type kafkaRecord struct {
	Data        json.RawMessage `json:"data"`
	PublisherID string          `json:"publisherId"`
}

// KafkaBridge mirrors TopicBus publishes onto a real Kafka cluster via
// franz-go, with producer-side metrics exposed through kprom so the
// embedder can register them with its own prometheus.Registerer.
type KafkaBridge struct {
	cfg     KafkaBridgeConfig
	client  *kgo.Client
	metrics *kprom.Metrics
}

// NewKafkaBridge dials brokers and returns a ready-to-use bridge. Its
// metrics are available from Collector() for the caller to register; no
// HTTP exposition is started here.
func NewKafkaBridge(cfg KafkaBridgeConfig) (*KafkaBridge, error) {
	cfg = cfg.withDefaults()
	if len(cfg.SeedBrokers) == 0 {
		return nil, fmt.Errorf("kafkabridge: at least one seed broker is required")
	}

	metrics := kprom.NewMetrics("topgun_topicbus_kafka")
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.WithHooks(metrics),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: new client: %w", err)
	}

	return &KafkaBridge{cfg: cfg, client: client, metrics: metrics}, nil
}

// Collector exposes the bridge's producer metrics as a
// prometheus.Collector for the embedder to register.
func (b *KafkaBridge) Collector() prometheus.Collector {
	return b.metrics
}

// Mirror produces one record per publish onto TopicPrefix+topic.
func (b *KafkaBridge) Mirror(topic string, data json.RawMessage, publisherID string) error {
	payload, err := json.Marshal(kafkaRecord{Data: data, PublisherID: publisherID})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ProduceTimeout)
	defer cancel()

	rec := &kgo.Record{Topic: b.cfg.TopicPrefix + topic, Value: payload}
	result := b.client.ProduceSync(ctx, rec)
	return result.FirstErr()
}

// Close releases the underlying Kafka client.
func (b *KafkaBridge) Close() {
	b.client.Close()
}
