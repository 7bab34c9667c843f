package resources

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Relay/internal/cache"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/secrets"
	"OpenMCP-Relay/pkg/logger"
)

type countingCipher struct {
	inner *secrets.Cipher
	calls int32
}

func (c *countingCipher) Decrypt(ct string) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.Decrypt(ct)
}

func newFixture(t *testing.T) (*MemoryCatalog, *countingCipher, *Resolvers, *metrics.Registry) {
	t.Helper()
	cipher, err := secrets.NewCipher("test-master")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	cat := NewMemoryCatalog()
	counting := &countingCipher{inner: cipher}
	reg := metrics.NewRegistry("relay")
	r := NewResolvers(cat, counting, Settings{
		TTL:        time.Minute,
		Capacities: Capacities{Agents: 4, Models: 4, Secrets: 4, MCPServers: 4},
		Durable:    cache.NewMemoryDurable(nil),
		Metrics:    reg,
		Logger:     logger.Discard(),
	})
	return cat, counting, r, reg
}

func TestResolveSecretCachesPlaintext(t *testing.T) {
	ctx := context.Background()
	cat, counting, r, _ := newFixture(t)
	if err := cat.ApplySeed(Seed{Secrets: []SeedValue{{ID: "s-1", Value: "sk-123"}}}, counting.inner); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := r.ResolveSecret(ctx, "s-1")
		if err != nil || got != "sk-123" {
			t.Fatalf("resolve secret: %q %v", got, err)
		}
	}
	if counting.calls != 1 {
		t.Fatalf("expected single decryption, got %d", counting.calls)
	}
}

func TestResolveAgentPicksUpUpdateAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	cat, _, r, reg := newFixture(t)
	t0 := time.Unix(1_700_000_000, 0)
	cat.PutAgent(Agent{ID: "a-1", Name: "first", UpdatedAt: t0})

	a, err := r.ResolveAgent(ctx, "a-1")
	if err != nil || a.Name != "first" {
		t.Fatalf("resolve: %+v %v", a, err)
	}
	cat.PutAgent(Agent{ID: "a-1", Name: "second", UpdatedAt: t0.Add(time.Second)})
	if a, _ := r.ResolveAgent(ctx, "a-1"); a.Name != "first" {
		t.Fatalf("expected cached value before invalidation, got %q", a.Name)
	}
	if err := r.Invalidate(ctx, KindAgent, "a-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if a, _ := r.ResolveAgent(ctx, "a-1"); a.Name != "second" {
		t.Fatalf("expected refreshed value, got %q", a.Name)
	}
	if misses := reg.Counter("cache_requests_total", KindAgent, metrics.ResultMiss); misses != 2 {
		t.Fatalf("expected 2 misses, got %d", misses)
	}
}

func TestResolveUnknownReturnsNotFound(t *testing.T) {
	_, _, r, _ := newFixture(t)
	_, err := r.ResolveModel(context.Background(), "missing")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := r.Invalidate(context.Background(), "bogus", "x"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestResolveSecretWithoutCipher(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.PutSecret(SecretRecord{ID: "s", Ciphertext: "v1.x"})
	r := NewResolvers(cat, nil, Settings{Logger: logger.Discard()})
	_, err := r.ResolveSecret(context.Background(), "s")
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected CONFIGURATION, got %v", err)
	}
}

func TestApplySeedConvertsToolParameters(t *testing.T) {
	cat := NewMemoryCatalog()
	content := `
agents:
  - id: a-1
    org_id: o-1
    model_id: m-1
    tools:
      - id: http
        name: http_request
        config:
          base_url: https://api.example.com
          allowed_methods: [GET]
    tool_parameters:
      http:
        type: object
memberships:
  - group_id: g-1
    user_id: u-1
    role: viewer
`
	path := t.TempDir() + "/seed.yaml"
	if err := writeFile(path, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cat.LoadSeedFile(path, nil); err != nil {
		t.Fatalf("load seed: %v", err)
	}
	a, err := cat.FetchAgent(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(a.Tools[0].Parameters) != `{"type":"object"}` {
		t.Fatalf("unexpected parameters: %s", a.Tools[0].Parameters)
	}
	if role, _ := cat.FetchMembershipRole(context.Background(), "g-1", "u-1"); role != "viewer" {
		t.Fatalf("unexpected role %q", role)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
