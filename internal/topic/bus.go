// Package topic implements the TopicBus component (C9): local
// publish/subscribe fan-out with per-client subscription caps, a
// cluster-wide publish path that rebroadcasts to every peer exactly
// once, and an optional Kafka mirror for durable delivery
// (internal/topic/kafkabridge.go, spec §4.9).
package topic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/topgunbuild/topgun/internal/wire"
)

const (
	maxTopicNameLen           = 256
	defaultSubscriptionCap    = 100
	defaultPublishRatePerSec  = 1000
	defaultPublishBurst       = 200
)

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_./:\-]+$`)

// InvalidTopicNameError reports a topic name rejected by validateTopic.
type InvalidTopicNameError struct{ Name string }

func (e *InvalidTopicNameError) Error() string {
	return fmt.Sprintf("invalid topic name %q", e.Name)
}

// SubscriptionLimitReachedError reports a client exceeding its
// per-client subscription cap.
type SubscriptionLimitReachedError struct {
	ClientID string
	Limit    int
}

func (e *SubscriptionLimitReachedError) Error() string {
	return fmt.Sprintf("client %q reached subscription limit %d", e.ClientID, e.Limit)
}

// Message is delivered to a local subscriber.
type Message struct {
	Topic       string
	Data        json.RawMessage
	PublisherID string
	Timestamp   time.Time
}

// Sender is the narrow cluster send surface TopicBus needs to
// rebroadcast a publish to every remote peer.
type Sender interface {
	Send(nodeID string, env wire.Envelope) error
	Members() []string
}

// Listener receives locally delivered messages, keyed by the
// subscribing clientID so the embedder can route them to the right
// connection.
type Listener interface {
	Deliver(clientID string, msg Message)
}

type ListenerFuncs struct {
	OnDeliver func(clientID string, msg Message)
}

func (f ListenerFuncs) Deliver(clientID string, msg Message) {
	if f.OnDeliver != nil {
		f.OnDeliver(clientID, msg)
	}
}

// Config tunes TopicBus limits (spec §4.9 and §6 defaults).
type Config struct {
	SubscriptionCap   int // default 100
	PublishRatePerSec float64
	PublishBurst      int
}

func (c Config) withDefaults() Config {
	if c.SubscriptionCap <= 0 {
		c.SubscriptionCap = defaultSubscriptionCap
	}
	if c.PublishRatePerSec <= 0 {
		c.PublishRatePerSec = defaultPublishRatePerSec
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = defaultPublishBurst
	}
	return c
}

// Bridge is the optional durable mirror (kafkabridge.go implements
// this against a real Kafka cluster via franz-go).
type Bridge interface {
	Mirror(topic string, data json.RawMessage, publisherID string) error
}

// Bus is the TopicBus component (C9).
type Bus struct {
	cfg     Config
	nodeID  string
	sender  Sender
	bridge  Bridge
	limiter *rate.Limiter
	log     *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]map[string]bool // topic -> clientID set
	clientTopics  map[string]map[string]bool // clientID -> topic set
	listeners     []Listener
}

func New(nodeID string, sender Sender, cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:           cfg,
		nodeID:        nodeID,
		sender:        sender,
		limiter:       rate.NewLimiter(rate.Limit(cfg.PublishRatePerSec), cfg.PublishBurst),
		log:           slog.With("component", "topic-bus"),
		subscriptions: make(map[string]map[string]bool),
		clientTopics:  make(map[string]map[string]bool),
	}
}

// SetBridge attaches an optional durable mirror. Nil disables mirroring.
func (b *Bus) SetBridge(bridge Bridge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridge = bridge
}

func (b *Bus) OnEvent(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func validateTopic(name string) error {
	if name == "" || len(name) > maxTopicNameLen || !topicNamePattern.MatchString(name) {
		return &InvalidTopicNameError{Name: name}
	}
	return nil
}

// Subscribe enrolls clientID in topic, enforcing the per-client
// subscription cap. Idempotent.
func (b *Bus) Subscribe(clientID, topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topics := b.clientTopics[clientID]
	if topics != nil && topics[topic] {
		return nil
	}
	if len(topics) >= b.cfg.SubscriptionCap {
		return &SubscriptionLimitReachedError{ClientID: clientID, Limit: b.cfg.SubscriptionCap}
	}

	if b.subscriptions[topic] == nil {
		b.subscriptions[topic] = make(map[string]bool)
	}
	b.subscriptions[topic][clientID] = true

	if b.clientTopics[clientID] == nil {
		b.clientTopics[clientID] = make(map[string]bool)
	}
	b.clientTopics[clientID][topic] = true
	return nil
}

// Unsubscribe removes clientID from topic, deleting the topic entry if
// it becomes empty.
func (b *Bus) Unsubscribe(clientID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(clientID, topic)
}

func (b *Bus) unsubscribeLocked(clientID, topic string) {
	if subs, ok := b.subscriptions[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(b.subscriptions, topic)
		}
	}
	if topics, ok := b.clientTopics[clientID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(b.clientTopics, clientID)
		}
	}
}

// UnsubscribeAll removes clientID from every topic it was subscribed to.
func (b *Bus) UnsubscribeAll(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.clientTopics[clientID] {
		if subs, ok := b.subscriptions[topic]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(b.subscriptions, topic)
			}
		}
	}
	delete(b.clientTopics, clientID)
}

// Publish delivers data to every local subscriber of topic except
// senderID, and — unless fromCluster — rebroadcasts to every remote
// peer and mirrors to the Kafka bridge if one is attached (spec §4.9).
func (b *Bus) Publish(topic string, data json.RawMessage, senderID string, fromCluster bool) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if !b.limiter.Allow() {
		return fmt.Errorf("topic %q: publish rate limit exceeded", topic)
	}

	msg := Message{Topic: topic, Data: data, PublisherID: senderID, Timestamp: time.Now()}

	b.mu.Lock()
	subs := make([]string, 0, len(b.subscriptions[topic]))
	for clientID := range b.subscriptions[topic] {
		if clientID != senderID {
			subs = append(subs, clientID)
		}
	}
	listeners := append([]Listener(nil), b.listeners...)
	bridge := b.bridge
	b.mu.Unlock()

	for _, clientID := range subs {
		for _, l := range listeners {
			b.safeDeliver(l, clientID, msg)
		}
	}

	if fromCluster {
		return nil
	}

	if b.sender != nil {
		env, err := wire.Encode(wire.TypeClusterTopicPub, b.nodeID, clusterTopicPub{
			Topic: topic, Data: data, OriginalSenderID: senderID,
		})
		if err != nil {
			return err
		}
		for _, peer := range b.sender.Members() {
			if peer == b.nodeID {
				continue
			}
			if err := b.sender.Send(peer, env); err != nil {
				b.log.Warn("topic rebroadcast failed", "peer", peer, "topic", topic, "error", err)
			}
		}
	}

	if bridge != nil {
		if err := bridge.Mirror(topic, data, senderID); err != nil {
			b.log.Warn("kafka mirror failed", "topic", topic, "error", err)
		}
	}

	return nil
}

// HandleEnvelope processes an inbound CLUSTER_TOPIC_PUB, republishing
// it locally with fromCluster=true so it is never rebroadcast again.
func (b *Bus) HandleEnvelope(from string, env wire.Envelope) error {
	if env.Type != wire.TypeClusterTopicPub {
		return nil
	}
	var p clusterTopicPub
	if err := env.Decode(&p); err != nil {
		return err
	}
	return b.Publish(p.Topic, p.Data, p.OriginalSenderID, true)
}

func (b *Bus) safeDeliver(l Listener, clientID string, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("topic listener panicked", "panic", r)
		}
	}()
	l.Deliver(clientID, msg)
}
