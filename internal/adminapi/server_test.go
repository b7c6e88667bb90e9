package adminapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/topgunbuild/topgun/internal/config"
	"github.com/topgunbuild/topgun/internal/server"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	cfg := config.Default("n1", "127.0.0.1", 18946)
	n, err := server.New(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	admin := New(n)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = admin.ListenAndServe(ctx, sockPath) }()
	time.Sleep(50 * time.Millisecond)

	return NewClient(sockPath), func() {
		cancel()
		_ = admin.Close()
		n.Stop()
	}
}

func TestStatusReportsNodeIdentity(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	res, err := client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.NodeID != "n1" {
		t.Fatalf("node id = %q, want n1", res.NodeID)
	}
	if res.PartitionCount != config.DefaultPartitionCount {
		t.Fatalf("partition count = %d, want %d", res.PartitionCount, config.DefaultPartitionCount)
	}
}

func TestLockAcquireThenRelease(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	acquired, err := client.LockAcquire(LockAcquireArgs{Name: "my-lock", ClientID: "c1", TTLMs: 2000})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired.Granted {
		t.Fatalf("expected lock to be granted")
	}

	released, err := client.LockRelease(LockReleaseArgs{Name: "my-lock", ClientID: "c1", FencingToken: acquired.FencingToken})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Released {
		t.Fatalf("expected lock to be released")
	}
}

func TestTopicPublishSucceedsWithNoSubscribers(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	if err := client.TopicPublish(TopicPublishArgs{Topic: "events.test", Data: []byte(`"hi"`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
