package clientrouter

import (
	"context"
	"testing"

	"google.golang.org/grpc/metadata"
)

type fakeResolver struct {
	partitionOf func(key string) int
	owner       func(partitionID int) string
}

func (f fakeResolver) PartitionOf(key string) int   { return f.partitionOf(key) }
func (f fakeResolver) Owner(partitionID int) string { return f.owner(partitionID) }

func TestDirectorRoutesLocalWhenNoRoutingKey(t *testing.T) {
	d := NewDirector("n1", "127.0.0.1:9000", fakeResolver{
		partitionOf: func(string) int { return 0 },
		owner:       func(int) string { return "n2" },
	}, NewAddrRegistry())

	mode, backends, err := d.Director(context.Background(), "/topgun.KV/Get")
	if err != nil {
		t.Fatalf("director: %v", err)
	}
	if len(backends) != 1 || backends[0].String() != "127.0.0.1:9000" {
		t.Fatalf("expected local backend, got %+v", backends)
	}
	_ = mode
}

func TestDirectorRoutesLocalWhenOwnerIsSelf(t *testing.T) {
	d := NewDirector("n1", "127.0.0.1:9000", fakeResolver{
		partitionOf: func(string) int { return 7 },
		owner:       func(int) string { return "n1" },
	}, NewAddrRegistry())

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(routingKeyMeta, "some-key"))
	_, backends, err := d.Director(ctx, "/topgun.KV/Get")
	if err != nil {
		t.Fatalf("director: %v", err)
	}
	if len(backends) != 1 || backends[0].String() != "127.0.0.1:9000" {
		t.Fatalf("expected local backend, got %+v", backends)
	}
}

func TestDirectorRoutesRemoteToOwner(t *testing.T) {
	addrs := NewAddrRegistry()
	addrs.Set("n2", "127.0.0.1:9001")

	d := NewDirector("n1", "127.0.0.1:9000", fakeResolver{
		partitionOf: func(key string) int { return 3 },
		owner:       func(int) string { return "n2" },
	}, addrs)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(routingKeyMeta, "some-key"))
	_, backends, err := d.Director(ctx, "/topgun.KV/Get")
	if err != nil {
		t.Fatalf("director: %v", err)
	}
	if len(backends) != 1 || backends[0].String() != "127.0.0.1:9001" {
		t.Fatalf("expected remote backend for owner n2, got %+v", backends)
	}
}

func TestDirectorErrorsWhenOwnerAddrUnknown(t *testing.T) {
	d := NewDirector("n1", "127.0.0.1:9000", fakeResolver{
		partitionOf: func(string) int { return 3 },
		owner:       func(int) string { return "n3" },
	}, NewAddrRegistry())

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(routingKeyMeta, "some-key"))
	_, _, err := d.Director(ctx, "/topgun.KV/Get")
	if err == nil {
		t.Fatalf("expected error for unknown owner address")
	}
}
