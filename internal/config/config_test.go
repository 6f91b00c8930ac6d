package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/petervdpas/goop2-relay/internal/identity"
)

func TestLoadAndParsedSeeds(t *testing.T) {
	nodeKey := testNodeKey(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "seeds = [\"" + nodeKey.Hex() + "::203.0.113.1:4433\"]\n\n[network]\nbind_addr = \"0.0.0.0:4433\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.BindAddr != "0.0.0.0:4433" {
		t.Fatalf("unexpected bind addr: %q", cfg.Network.BindAddr)
	}
	seeds, err := cfg.ParsedSeeds()
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 1 || seeds[0].Addr != "203.0.113.1:4433" || seeds[0].NodeKey != nodeKey {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}
}

func TestParseSeedMalformed(t *testing.T) {
	cfg := Config{Seeds: []string{"not-a-valid-seed"}}
	if _, err := cfg.ParsedSeeds(); err == nil {
		t.Fatal("expected error for malformed seed line")
	}
}

func testNodeKey(t *testing.T) identity.NodeKey {
	t.Helper()
	var b [32]byte
	for i := range b {
		b[i] = byte(i)
	}
	k, err := identity.NewNodeKey(b[:])
	if err != nil {
		t.Fatal(err)
	}
	return k
}
