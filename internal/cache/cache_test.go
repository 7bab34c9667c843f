package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type source struct {
	mu      sync.Mutex
	value   string
	version string
	calls   int32
	err     error
}

func (s *source) fetch(context.Context) (string, string, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.version, s.err
}

func (s *source) set(value, version string) {
	s.mu.Lock()
	s.value, s.version = value, version
	s.mu.Unlock()
}

func newTestResolver(clock *fakeClock, durable Durable, reg *metrics.Registry) *Resolver[string] {
	return NewResolver[string](Options{
		Resource: "agent",
		Capacity: 8,
		TTL:      time.Minute,
		Durable:  durable,
		Metrics:  reg,
		Logger:   logger.Discard(),
		Clock:    clock.Now,
	})
}

func TestLocalCapacityEvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newFakeClock()
	const n = 3
	local := NewLocal[int](n, clock.Now)

	local.Set("a", 1, "v", time.Hour)
	local.Set("b", 2, "v", time.Hour)
	local.Set("c", 3, "v", time.Hour)
	// a 被读取后不再是最久未访问的条目。
	if _, _, ok := local.Get("a"); !ok {
		t.Fatalf("expected a present")
	}
	local.Set("d", 4, "v", time.Hour)

	if local.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, local.Len())
	}
	if local.Contains("b") {
		t.Fatalf("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !local.Contains(k) {
			t.Fatalf("expected %s to remain", k)
		}
	}
}

func TestLocalEvictsWithDistinctTimestamps(t *testing.T) {
	clock := newFakeClock()
	local := NewLocal[string](2, clock.Now)
	local.Set("x", "1", "v", time.Hour)
	clock.Advance(time.Second)
	local.Set("y", "2", "v", time.Hour)
	clock.Advance(time.Second)
	local.Get("x")
	clock.Advance(time.Second)
	local.Set("z", "3", "v", time.Hour)

	if local.Contains("y") || !local.Contains("x") || !local.Contains("z") {
		t.Fatalf("unexpected eviction: x=%v y=%v z=%v", local.Contains("x"), local.Contains("y"), local.Contains("z"))
	}
}

func TestLocalExpiry(t *testing.T) {
	clock := newFakeClock()
	local := NewLocal[string](4, clock.Now)
	local.Set("k", "v", "1", 10*time.Second)
	clock.Advance(10 * time.Second)
	if _, _, ok := local.Get("k"); ok {
		t.Fatalf("expected expired entry")
	}
	if local.Len() != 0 {
		t.Fatalf("expired entry should be evicted on read")
	}
}

func TestResolveHitThenVersionBumpFetchesOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	reg := metrics.NewRegistry("relay")
	r := newTestResolver(clock, NewMemoryDurable(clock.Now), reg)
	src := &source{value: "V", version: "v1"}

	got, err := r.Resolve(ctx, "agent:a-1", src.fetch)
	if err != nil || got != "V" {
		t.Fatalf("first resolve: %q %v", got, err)
	}
	got, err = r.Resolve(ctx, "agent:a-1", src.fetch)
	if err != nil || got != "V" {
		t.Fatalf("second resolve: %q %v", got, err)
	}
	if src.calls != 1 {
		t.Fatalf("expected one fetch, got %d", src.calls)
	}

	src.set("V2", "v2")
	if err := r.Invalidate(ctx, "agent:a-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, err = r.Resolve(ctx, "agent:a-1", src.fetch)
	if err != nil || got != "V2" {
		t.Fatalf("after bump: %q %v", got, err)
	}
	if src.calls != 2 {
		t.Fatalf("expected exactly one more fetch, got %d total", src.calls)
	}

	if hits := reg.Counter("cache_requests_total", "agent", metrics.ResultHit); hits != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
	if misses := reg.Counter("cache_requests_total", "agent", metrics.ResultMiss); misses != 2 {
		t.Fatalf("expected 2 misses, got %d", misses)
	}
	if n := reg.HistogramCount("cache_resolution_duration_seconds", "agent", metrics.OutcomeSuccess); n != 2 {
		t.Fatalf("expected 2 latency samples, got %d", n)
	}
}

func TestNewerPointerWithoutPayloadForcesRefetch(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	durable := NewMemoryDurable(clock.Now)
	r := newTestResolver(clock, durable, nil)
	src := &source{value: "V", version: "v1"}

	if _, err := r.Resolve(ctx, "k", src.fetch); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 另一个进程发布了 v2 指针，但本进程看不到对应负载。
	if err := durable.Set(ctx, LatestKey("k"), "v2", time.Minute); err != nil {
		t.Fatalf("set pointer: %v", err)
	}
	src.set("V2", "v2")

	got, err := r.Resolve(ctx, "k", src.fetch)
	if err != nil || got != "V2" {
		t.Fatalf("resolve after external bump: %q %v", got, err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refetch, got %d calls", src.calls)
	}
}

func TestAbsentPointerTrustsLocalEntry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	durable := NewMemoryDurable(clock.Now)
	r := newTestResolver(clock, durable, nil)
	src := &source{value: "V", version: "v1"}

	if _, err := r.Resolve(ctx, "k", src.fetch); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_ = durable.Delete(ctx, LatestKey("k"))
	src.set("V2", "v2")

	got, err := r.Resolve(ctx, "k", src.fetch)
	if err != nil || got != "V" || src.calls != 1 {
		t.Fatalf("expected local hit, got %q calls=%d err=%v", got, src.calls, err)
	}
}

func TestTier2ServesOtherProcess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	shared := NewMemoryDurable(clock.Now)
	writer := newTestResolver(clock, shared, nil)
	reader := newTestResolver(clock, shared, nil)
	src := &source{value: "V", version: "v1"}

	if _, err := writer.Resolve(ctx, "k", src.fetch); err != nil {
		t.Fatalf("writer: %v", err)
	}
	got, err := reader.Resolve(ctx, "k", src.fetch)
	if err != nil || got != "V" {
		t.Fatalf("reader: %q %v", got, err)
	}
	if src.calls != 1 {
		t.Fatalf("reader should be served by Tier 2, got %d fetches", src.calls)
	}
	if !reader.Local().Contains("k") {
		t.Fatalf("Tier 2 hit should populate Tier 1")
	}
}

func TestUndecodablePayloadIsMiss(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	shared := NewMemoryDurable(clock.Now)
	_ = shared.Set(ctx, LatestKey("k"), "v9", time.Minute)
	_ = shared.Set(ctx, VersionKey("k", "v9"), "{not json", time.Minute)

	r := NewResolver[map[string]int](Options{Resource: "model", Durable: shared, Logger: logger.Discard(), Clock: clock.Now})
	calls := 0
	got, err := r.Resolve(ctx, "k", func(context.Context) (map[string]int, string, error) {
		calls++
		return map[string]int{"a": 1}, "v10", nil
	})
	if err != nil || got["a"] != 1 || calls != 1 {
		t.Fatalf("expected refetch, got %v calls=%d err=%v", got, calls, err)
	}
	if v, _, _ := shared.Get(ctx, LatestKey("k")); v != "v10" {
		t.Fatalf("pointer not updated: %q", v)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r := newTestResolver(clock, NewMemoryDurable(clock.Now), nil)

	release := make(chan struct{})
	var calls int32
	fetch := func(context.Context) (string, string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "V", "v1", nil
	}

	const workers = 16
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			if v, err := r.Resolve(ctx, "hot", fetch); err != nil || v != "V" {
				t.Errorf("resolve: %q %v", v, err)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected collapsed fetch, got %d", calls)
	}
}

func TestFetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	reg := metrics.NewRegistry("relay")
	r := newTestResolver(clock, nil, reg)
	src := &source{err: errors.New("db down")}

	if _, err := r.Resolve(ctx, "k", src.fetch); err == nil {
		t.Fatalf("expected error")
	}
	src.err = nil
	src.set("V", "")
	got, err := r.Resolve(ctx, "k", src.fetch)
	if err != nil || got != "V" {
		t.Fatalf("second resolve: %q %v", got, err)
	}
	if n := reg.HistogramCount("cache_resolution_duration_seconds", "agent", metrics.OutcomeFailure); n != 1 {
		t.Fatalf("expected failure sample, got %d", n)
	}
	_, version, ok := r.Local().Get("k")
	if !ok || version != VersionFromTime(clock.Now(), nil) {
		t.Fatalf("expected time-based version, got %q", version)
	}
}

func TestVersionCounterMonotonic(t *testing.T) {
	c := NewVersionCounter()
	a, b := c.Next(), c.Next()
	if a >= b && len(a) == len(b) {
		t.Fatalf("expected increasing versions: %s %s", a, b)
	}
}

// brokenDurable 模拟 Tier 2 不可用。
type brokenDurable struct{}

func (brokenDurable) Get(context.Context, string) (string, bool, error) {
	return "", false, xerrors.New(xerrors.CodeCacheFailure, "redis down")
}

func (brokenDurable) Set(context.Context, string, string, time.Duration) error {
	return xerrors.New(xerrors.CodeCacheFailure, "redis down")
}

func (brokenDurable) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}

func TestTier2OutageDegradesToSource(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(clock, brokenDurable{}, metrics.NewRegistry("relay"))
	src := &source{value: "v1", version: "1"}
	ctx := context.Background()

	got, err := r.Resolve(ctx, "agent:a", src.fetch)
	if err != nil || got != "v1" {
		t.Fatalf("resolve with broken tier 2 = %q, %v", got, err)
	}

	err = r.Invalidate(ctx, "agent:a")
	if xerrors.CodeOf(err) != xerrors.CodeCacheFailure {
		t.Fatalf("expected CACHE_FAILURE from invalidate, got %v", err)
	}
	if _, _, ok := r.Local().Get("agent:a"); ok {
		t.Fatalf("tier 1 entry should be dropped even when tier 2 delete fails")
	}
}
