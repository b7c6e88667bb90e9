package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaultedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tunables.PartitionCount != DefaultPartitionCount {
		t.Fatalf("partition count = %d, want %d", cfg.Tunables.PartitionCount, DefaultPartitionCount)
	}
	if cfg.Tunables.LockMaxTTL != DefaultLockMaxTTL {
		t.Fatalf("lock max ttl = %v, want %v", cfg.Tunables.LockMaxTTL, DefaultLockMaxTTL)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default("node-1", "127.0.0.1", 7946)
	cfg.Seeds = []Seed{{NodeID: "node-2", Addr: "127.0.0.1:7947"}}
	cfg.path = path

	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Node.ID != "node-1" || loaded.Node.Port != 7946 {
		t.Fatalf("unexpected node: %+v", loaded.Node)
	}
	if len(loaded.Seeds) != 1 || loaded.Seeds[0].NodeID != "node-2" {
		t.Fatalf("unexpected seeds: %+v", loaded.Seeds)
	}
}

func TestValidateRequiresStorageAddr(t *testing.T) {
	cfg := Default("node-1", "127.0.0.1", 7946)
	cfg.Storage.Backend = StorageRedis
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing redis_addr")
	}
	cfg.Storage.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := Default("", "127.0.0.1", 7946)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing node id")
	}
}
