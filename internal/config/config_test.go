package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := New("replica-1", "/srv/sugar")
	cfg.Node.Master = "http://master:8000"
	cfg.Cache.LimitBytes = 1 << 30

	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.GUID != "replica-1" || got.Root != "/srv/sugar" {
		t.Fatalf("identity = %q %q", got.GUID, got.Root)
	}
	if got.Node.Master != "http://master:8000" {
		t.Fatalf("master = %q", got.Node.Master)
	}
	if got.Client.IPCPort != 5001 || got.Client.SyncTimeout != 30 {
		t.Fatalf("client = %+v", got.Client)
	}
	if got.Cache.LimitBytes != 1<<30 || got.Cache.LifetimeDays != 30 {
		t.Fatalf("cache = %+v", got.Cache)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Read(strings.NewReader("guid = [not closed")); err == nil {
		t.Fatal("garbage decoded")
	}
}

func TestInitRefusesExisting(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "etc", "config.toml")
	if err := Init(path, New("g", "/tmp/r")); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if err := Init(path, New("g2", "/tmp/r")); err == nil {
		t.Fatal("Init clobbered an existing config")
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile: %v", err)
	}
	if got.GUID != "g" {
		t.Fatalf("guid = %q", got.GUID)
	}
}
