package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  gateway_address: ":9000"
cache:
  ttl_seconds: 30
trust:
  infra_public_keys:
    billing: abc
storage:
  seed_path: seed.yaml
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.GatewayAddress != ":9000" || cfg.Server.RunnerAddress != ":8090" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Cache.TTLSeconds != 30 || cfg.Cache.Driver != "memory" || cfg.Cache.Capacity.Secrets != 500 {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Trust.AgentAccessTTLSeconds != 60 || cfg.Trust.RoutingTokenTTLSeconds != 300 {
		t.Fatalf("unexpected trust ttl: %+v", cfg.Trust)
	}
	if cfg.Trust.InfraPublicKeys["billing"] != "abc" {
		t.Fatalf("infra keys not parsed: %+v", cfg.Trust.InfraPublicKeys)
	}
	if cfg.Tools.HTTPMaxResponseChars != 20000 || cfg.Tools.HTTPTimeoutSeconds != 10 {
		t.Fatalf("unexpected tools defaults: %+v", cfg.Tools)
	}
	if cfg.Storage.SeedPath != filepath.Join(filepath.Dir(path), "seed.yaml") {
		t.Fatalf("seed path not resolved: %s", cfg.Storage.SeedPath)
	}
}

func TestLoadFileJSONWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "relay.json", `{"trust":{"signing_key":"from-file"}}`)
	t.Setenv("RELAY_SIGNING_KEY", "from-env")
	t.Setenv("RELAY_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("RELAY_MYSQL_DSN", "user:pw@tcp(db:3306)/relay")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trust.SigningKey != "from-env" {
		t.Fatalf("env did not override signing key: %q", cfg.Trust.SigningKey)
	}
	if cfg.Cache.Driver != "redis" || cfg.Cache.Redis.Address != "127.0.0.1:6379" {
		t.Fatalf("redis env not applied: %+v", cfg.Cache)
	}
	if cfg.Storage.Driver != "mysql" {
		t.Fatalf("mysql env not applied: %+v", cfg.Storage)
	}
}

func TestLoadFallsBackWhenDefaultFileMissing(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.TTLSeconds != 300 {
		t.Fatalf("expected default ttl, got %d", cfg.Cache.TTLSeconds)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}
