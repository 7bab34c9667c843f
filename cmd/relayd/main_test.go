package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenMCP-Relay/internal/config"
	"OpenMCP-Relay/internal/secrets"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	// --config 会写入 RELAY_CONFIG，测试结束后恢复。
	t.Setenv("RELAY_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestKeygenPrintsMatchingPair(t *testing.T) {
	out, err := executeCLI(t, "", "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var pair map[string]string
	if err := json.Unmarshal([]byte(out), &pair); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	pub, err := trustchain.DecodePublicKey(pair["public_key"])
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	priv, err := trustchain.DecodePrivateKey(pair["private_key"])
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	if !pub.Equal(trustchain.PublicOf(priv)) {
		t.Fatalf("keygen returned mismatched pair")
	}
}

func TestSealSecretRoundTrip(t *testing.T) {
	t.Setenv("RELAY_SECRETS_MASTER_KEY", "")
	path := writeConfig(t, "secrets:\n  master_key: test-master\n")

	for _, tc := range []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "flag", args: []string{"--value", "sk-flag"}},
		{name: "stdin", stdin: "sk-flag\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--config", path, "seal-secret"}, tc.args...)
			out, err := executeCLI(t, tc.stdin, args...)
			if err != nil {
				t.Fatalf("seal-secret: %v", err)
			}
			cipher, err := secrets.NewCipher("test-master")
			if err != nil {
				t.Fatalf("cipher: %v", err)
			}
			plain, err := cipher.Decrypt(strings.TrimSpace(out))
			if err != nil || plain != "sk-flag" {
				t.Fatalf("decrypt = %q, %v", plain, err)
			}
		})
	}
}

func TestSealSecretRequiresMasterKey(t *testing.T) {
	t.Setenv("RELAY_SECRETS_MASTER_KEY", "")
	path := writeConfig(t, "server:\n  gateway_address: \":9000\"\n")
	if _, err := executeCLI(t, "", "--config", path, "seal-secret", "--value", "x"); err == nil {
		t.Fatalf("expected error without master key")
	}
}

func TestInfraTokenVerifiesAgainstPublicKey(t *testing.T) {
	pair, err := trustchain.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	out, err := executeCLI(t, "", "infra-token",
		"--private-key", trustchain.EncodeKey(pair.Private),
		"--method", "post",
		"--path", "/infra/routing-token",
		"--subject", "billing",
	)
	if err != nil {
		t.Fatalf("infra-token: %v", err)
	}
	claims, err := trustchain.VerifyInfraToken(pair.Public, strings.TrimSpace(out), "POST", "/infra/routing-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "billing" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestServeRejectsUnknownRole(t *testing.T) {
	if err := serve(context.Background(), &config.Config{}, "scheduler"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestServeActorsRoleRequiresOrchestratorKey(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := serve(context.Background(), cfg, roleActors); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestTrustKeys(t *testing.T) {
	pair, _ := trustchain.GenerateKeyPair()
	other, _ := trustchain.GenerateKeyPair()

	priv, pub, err := trustKeys(config.TrustConfig{SigningKey: trustchain.EncodeKey(pair.Private)})
	if err != nil || !pub.Equal(pair.Public) || len(priv) == 0 {
		t.Fatalf("derive public key: %v", err)
	}

	priv, pub, err = trustKeys(config.TrustConfig{OrchestratorPublicKey: trustchain.EncodeKey(pair.Public)})
	if err != nil || priv != nil || !pub.Equal(pair.Public) {
		t.Fatalf("public key only: %v", err)
	}

	_, _, err = trustKeys(config.TrustConfig{
		SigningKey:            trustchain.EncodeKey(pair.Private),
		OrchestratorPublicKey: trustchain.EncodeKey(other.Public),
	})
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestOpenBackendsMemoryWithSeed(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	content := `
agents:
  - id: agent-1
    org_id: org-1
    model_id: model-1
models:
  - id: model-1
    provider: openai
    name: gpt-4o-mini
`
	if err := os.WriteFile(seed, []byte(content), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cfg := &config.Config{}
	cfg.Storage.SeedPath = seed

	b, err := openBackends(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	defer b.Close()
	if b.sharedSessions {
		t.Fatalf("memory sessions must not be shared")
	}
	agent, err := b.catalog.FetchAgent(context.Background(), "agent-1")
	if err != nil || agent.ModelID != "model-1" {
		t.Fatalf("seeded agent = %+v, %v", agent, err)
	}
	if b.decrypter() != nil {
		t.Fatalf("decrypter must be nil without master key")
	}
}

func TestOpenBackendsRejectsUnknownDrivers(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Driver = "sqlite"
	if _, err := openBackends(context.Background(), cfg, logger.Discard()); err == nil {
		t.Fatalf("expected storage driver error")
	}
	cfg = &config.Config{}
	cfg.Cache.Driver = "memcached"
	if _, err := openBackends(context.Background(), cfg, logger.Discard()); err == nil {
		t.Fatalf("expected cache driver error")
	}
}
