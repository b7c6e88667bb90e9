// Package server wires the nine core components into a single running
// node: ClusterTransport carries every component's wire traffic,
// PartitionAssigner is the shared source of truth for ownership, and a
// KVStore adapter backs the KV-facing hooks. This mirrors the teacher's
// internal/mesh.Controller: one struct built from a *config.Config,
// started and stopped as a unit.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/topgunbuild/topgun/internal/clientrouter"
	"github.com/topgunbuild/topgun/internal/clock"
	"github.com/topgunbuild/topgun/internal/cluster"
	"github.com/topgunbuild/topgun/internal/config"
	"github.com/topgunbuild/topgun/internal/failover"
	"github.com/topgunbuild/topgun/internal/failure"
	"github.com/topgunbuild/topgun/internal/kv"
	"github.com/topgunbuild/topgun/internal/lock"
	"github.com/topgunbuild/topgun/internal/merkle"
	"github.com/topgunbuild/topgun/internal/migration"
	"github.com/topgunbuild/topgun/internal/partition"
	"github.com/topgunbuild/topgun/internal/replication"
	"github.com/topgunbuild/topgun/internal/topic"
	"github.com/topgunbuild/topgun/internal/wire"
)

const merkleDepth = 12

// Node owns every component for one cluster member and routes inbound
// wire traffic to the right one by envelope type.
type Node struct {
	cfg *config.Config
	log *slog.Logger

	Transport  *cluster.Transport
	Clock      clock.Clock
	Store      kv.Store
	Partitions *partition.Assigner
	Detector   *failure.Detector
	Failover   *failover.Controller
	Replicator *replication.Pipeline
	Migrator   *migration.Engine
	Merkle     *merkle.Index
	Repair     *merkle.Scheduler
	Locks      *lock.Manager
	Topics     *topic.Bus
	Addrs      *clientrouter.AddrRegistry
	Router     *clientrouter.Director

	kafka *topic.KafkaBridge
}

// New builds and wires every component but does not start any
// goroutines beyond what each component's constructor itself starts
// (ClusterTransport.Listen and cmd/topgund's gRPC listener are started
// separately by the caller).
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := slog.With("component", "server", "node", cfg.Node.ID)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage backend: %w", err)
	}

	var clk clock.Clock = clock.SystemClock{}

	transport := cluster.New(cfg.Node.ID, cfg.Node.Host, cfg.Node.Port)

	assigner := partition.New(cfg.Tunables.PartitionCount, cfg.Tunables.BackupCount)

	n := &Node{
		cfg:        cfg,
		log:        log,
		Transport:  transport,
		Clock:      clk,
		Store:      store,
		Partitions: assigner,
		Addrs:      clientrouter.NewAddrRegistry(),
	}

	n.Detector = failure.New(failure.Config{
		PhiThreshold:     cfg.Tunables.PhiThreshold,
		ExpectedInterval: cfg.Tunables.HeartbeatInterval,
	}, clk)

	n.Failover = failover.New(assigner, n.aliveMembers, failover.Config{})

	partitionOf := func(key string) int { return partition.Of(key, cfg.Tunables.PartitionCount) }
	apply, collect, storeFn, getRecord, setRecord := kv.Hooks(store, partitionOf, n.applyOperation)

	n.Replicator = replication.New(cfg.Node.ID, transport, n.backupsFor, apply, replication.Config{
		QueueSizeLimit: cfg.Tunables.ReplicationQueueSizeLimit,
		BatchSize:      cfg.Tunables.ReplicationBatchSize,
		BatchInterval:  cfg.Tunables.ReplicationBatchInterval,
		MaxRetries:     cfg.Tunables.ReplicationMaxRetries,
	})

	n.Migrator = migration.New(cfg.Node.ID, transport, n.setPartitionOwner, collect, storeFn, migration.Config{
		BatchSize:           cfg.Tunables.MigrationBatchSize,
		ParallelTransfers:   cfg.Tunables.MigrationParallelTransfers,
		BatchInterval:       cfg.Tunables.MigrationBatchInterval,
		TransferCompression: cfg.Tunables.TransferCompression,
	})

	n.Merkle = merkle.NewIndex(merkleDepth)
	n.Repair = merkle.New(cfg.Node.ID, transport, n.Merkle, n.partitionRoles, getRecord, setRecord, merkle.Config{
		ScanInterval: cfg.Tunables.RepairScanInterval,
		InitialDelay: cfg.Tunables.RepairInitialDelay,
	})

	n.Locks = lock.New(cfg.Node.ID, transport, n.lockRouter, time.Second)

	n.Topics = topic.New(cfg.Node.ID, topicSender{transport}, topic.Config{
		SubscriptionCap: cfg.Tunables.TopicSubscriptionCap,
	})

	if cfg.KafkaEnabled() {
		bridge, err := topic.NewKafkaBridge(topic.KafkaBridgeConfig{
			SeedBrokers: cfg.Kafka.SeedBrokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("new kafka bridge: %w", err)
		}
		n.kafka = bridge
		n.Topics.SetBridge(bridge)
	}

	n.Router = clientrouter.NewDirector(cfg.Node.ID, fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port), assigner, n.Addrs)

	transport.OnEvent(cluster.ListenerFuncs{
		OnMemberJoined: n.onMemberJoined,
		OnMemberLeft:   n.onMemberLeft,
		OnMessage:      n.onMessage,
	})
	n.Detector.OnEvent(failure.ListenerFuncs{
		OnSuspected:      func(string, float64) {},
		OnRecovered:      func(string) {},
		OnConfirmedFailed: n.onConfirmedFailed,
	})

	return n, nil
}

func openStore(cfg config.Storage) (kv.Store, error) {
	switch cfg.Backend {
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return kv.NewRedisStore(client, cfg.RedisNS), nil
	case config.StorageSQLite:
		return kv.OpenSQLite(cfg.SQLitePath)
	default:
		return kv.NewMemStore(), nil
	}
}

// Start opens the listening socket and joins the cluster via seeds.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Transport.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for _, seed := range n.cfg.Seeds {
		n.Addrs.Set(seed.NodeID, seed.Addr)
		if err := n.Transport.Join(ctx, seed.Addr); err != nil {
			n.log.Warn("join seed failed", "seed", seed.Addr, "err", err)
		}
	}
	return nil
}

// Stop releases every component's background resources.
func (n *Node) Stop() {
	n.Locks.Stop()
	n.Repair.Stop()
	n.Replicator.Close()
	n.Migrator.CancelAll()
	if n.kafka != nil {
		n.kafka.Close()
	}
	n.Router.Close()
	n.Transport.Stop()
	_ = n.Store.Close()
}

func (n *Node) aliveMembers() []string {
	peers := n.Transport.Members()
	ids := make([]string, 0, len(peers)+1)
	ids = append(ids, n.cfg.Node.ID)
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (n *Node) backupsFor(key string) []string {
	partitionID := partition.Of(key, n.cfg.Tunables.PartitionCount)
	return n.Partitions.Backups(partitionID)
}

func (n *Node) setPartitionOwner(partitionID int, target string) {
	n.Partitions.SetOwner(partitionID, target)
}

func (n *Node) partitionRoles() map[int][]string {
	m := n.Partitions.Current()
	roles := make(map[int][]string)
	for partitionID, d := range m.Partitions {
		switch {
		case d.Owner == n.cfg.Node.ID:
			roles[partitionID] = append([]string(nil), d.Backups...)
		default:
			for _, b := range d.Backups {
				if b == n.cfg.Node.ID {
					roles[partitionID] = []string{d.Owner}
				}
			}
		}
	}
	return roles
}

func (n *Node) lockRouter(name string) (string, bool) {
	partitionID := partition.Of(name, n.cfg.Tunables.PartitionCount)
	owner := n.Partitions.Owner(partitionID)
	// A partition with no assigned owner yet is served locally.
	return owner, owner == "" || owner == n.cfg.Node.ID
}

// applyOperation is a placeholder hook point for embedder-defined
// Operation.Kind interpretation; a production embedder replaces this
// with real decode-and-apply logic against n.Store.
func (n *Node) applyOperation(ctx context.Context, op kv.Operation) error {
	return nil
}

func (n *Node) onMemberJoined(p cluster.Peer) {
	n.Addrs.Set(p.ID, p.Addr)
	n.Detector.Monitor(p.ID)
}

func (n *Node) onMemberLeft(nodeID string) {
	n.Addrs.Remove(nodeID)
	n.Detector.Forget(nodeID)
	n.Locks.BroadcastClientDisconnected(nodeID, n.aliveMembers())
}

func (n *Node) onConfirmedFailed(nodeID string) {
	n.Failover.NodeConfirmedFailed(nodeID)
}

// onMessage dispatches an inbound envelope to the component that owns
// its Type, mirroring the teacher's single demux point in
// internal/mesh for heterogeneous peer traffic.
func (n *Node) onMessage(from string, env wire.Envelope) {
	ctx := context.Background()
	var err error
	switch env.Type {
	case wire.TypeReplication, wire.TypeReplicationBatch, wire.TypeReplicationAck, wire.TypeReplicationBatchAck:
		err = n.Replicator.HandleEnvelope(ctx, from, env)
	case wire.TypeMigrationStart, wire.TypeMigrationChunk, wire.TypeMigrationChunkAck,
		wire.TypeMigrationComplete, wire.TypeMigrationVerify:
		err = n.Migrator.HandleEnvelope(ctx, from, env)
	case wire.TypeMerkleRootReq, wire.TypeMerkleRootResp, wire.TypeMerkleBucketsReq, wire.TypeMerkleBucketsResp,
		wire.TypeMerkleKeysReq, wire.TypeMerkleKeysResp, wire.TypeRepairDataReq, wire.TypeRepairDataResp, wire.TypeRepairWrite:
		err = n.Repair.HandleEnvelope(ctx, from, env)
	case wire.TypeClusterLockReq, wire.TypeClusterLockRelease, wire.TypeClusterLockGranted,
		wire.TypeClusterLockReleased, wire.TypeClusterClientDisconnected:
		err = n.Locks.HandleEnvelope(ctx, from, env)
	case wire.TypeClusterTopicPub:
		err = n.Topics.HandleEnvelope(from, env)
	default:
		return
	}
	if err != nil {
		n.log.Warn("envelope handling failed", "type", env.Type, "from", from, "err", err)
	}
}

// topicSender adapts *cluster.Transport (Members() []cluster.Peer) to
// topic.Sender (Members() []string).
type topicSender struct {
	t *cluster.Transport
}

func (s topicSender) Send(nodeID string, env wire.Envelope) error { return s.t.Send(nodeID, env) }

func (s topicSender) Members() []string {
	peers := s.t.Members()
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	return ids
}
