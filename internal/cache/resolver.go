package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/pkg/logger"
)

// DefaultTTL 是未配置时两级缓存共用的过期时间。
const DefaultTTL = 5 * time.Minute

// Fetcher 从数据源读取资源，返回值与版本号；版本为空时使用当前时间。
type Fetcher[T any] func(ctx context.Context) (T, string, error)

// versionWriter 由能原子写入负载与指针的 Tier 2 实现。
type versionWriter interface {
	SetVersion(ctx context.Context, base, version, payload string, ttl time.Duration) error
}

// Options 配置一个 Resolver。
type Options struct {
	// Resource 用作指标标签，例如 agent、model、secret、mcp_server。
	Resource string
	Capacity int
	TTL      time.Duration
	Durable  Durable
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Resolver 按 Tier 1 -> Tier 2 -> 数据源的顺序解析资源，未命中时按 key 合并并发回源。
type Resolver[T any] struct {
	resource string
	local    *Local[T]
	durable  Durable
	ttl      time.Duration
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// NewResolver 构造 Resolver。Durable 为空时使用内存实现。
func NewResolver[T any](opts Options) *Resolver[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Durable == nil {
		opts.Durable = NewMemoryDurable(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("cache")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	return &Resolver[T]{
		resource: opts.Resource,
		local:    NewLocal[T](opts.Capacity, opts.Clock),
		durable:  opts.Durable,
		ttl:      opts.TTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("resource", opts.Resource),
		now:      opts.Clock,
	}
}

type fetched[T any] struct {
	value   T
	version string
}

// Resolve 返回 key 对应的资源。
func (r *Resolver[T]) Resolve(ctx context.Context, key string, fetch Fetcher[T]) (T, error) {
	if value, version, ok := r.local.Get(key); ok {
		latest, found, err := r.durable.Get(ctx, LatestKey(key))
		if err != nil {
			// Tier 2 不可用时无法证明 Tier 1 已过期。
			r.logger.Warn("读取 latest 指针失败", "key", key, "error", err)
			found = false
		}
		if !found || latest == version {
			r.metrics.CacheHit(r.resource)
			return value, nil
		}
	}

	if value, version, ok := r.readDurable(ctx, key); ok {
		r.local.Set(key, value, version, r.ttl)
		r.metrics.CacheHit(r.resource)
		return value, nil
	}

	r.metrics.CacheMiss(r.resource)
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.fill(ctx, key, fetch)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(fetched[T]).value, nil
}

func (r *Resolver[T]) fill(ctx context.Context, key string, fetch Fetcher[T]) (fetched[T], error) {
	ctx, span := otel.Tracer("openmcp-relay/cache").Start(ctx, "cache.fetch")
	span.SetAttributes(attribute.String("cache.resource", r.resource))
	defer span.End()

	start := r.now()
	value, version, err := fetch(ctx)
	r.metrics.ObserveResolution(r.resource, err, r.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return fetched[T]{}, err
	}
	if version == "" {
		version = VersionFromTime(time.Time{}, r.now)
	}
	span.SetAttributes(attribute.String("cache.version", version))

	if err := r.writeDurable(ctx, key, version, value); err != nil {
		r.logger.Warn("写入 Tier 2 失败", "key", key, "error", err)
	}
	r.local.Set(key, value, version, r.ttl)
	return fetched[T]{value: value, version: version}, nil
}

func (r *Resolver[T]) readDurable(ctx context.Context, key string) (T, string, bool) {
	var zero T
	version, found, err := r.durable.Get(ctx, LatestKey(key))
	if err != nil {
		r.logger.Warn("读取 Tier 2 失败", "key", key, "error", err)
		return zero, "", false
	}
	if !found || version == "" {
		return zero, "", false
	}
	payload, found, err := r.durable.Get(ctx, VersionKey(key, version))
	if err != nil || !found {
		return zero, "", false
	}
	var value T
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		r.logger.Warn("Tier 2 负载无法解析", "key", key, "version", version, "error", err)
		return zero, "", false
	}
	return value, version, true
}

func (r *Resolver[T]) writeDurable(ctx context.Context, key, version string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if w, ok := r.durable.(versionWriter); ok {
		return w.SetVersion(ctx, key, version, string(payload), r.ttl)
	}
	// 先写负载再写指针，读者不会看到指向空负载的新指针。
	if err := r.durable.Set(ctx, VersionKey(key, version), string(payload), r.ttl); err != nil {
		return err
	}
	return r.durable.Set(ctx, LatestKey(key), version, r.ttl)
}

// Invalidate 删除 Tier 2 指针和本进程的 Tier 1 条目，下一次解析必定回源。
func (r *Resolver[T]) Invalidate(ctx context.Context, key string) error {
	r.local.Delete(key)
	if err := r.durable.Delete(ctx, LatestKey(key)); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "invalidate "+key)
	}
	return nil
}

// Local 暴露 Tier 1，供测试与诊断使用。
func (r *Resolver[T]) Local() *Local[T] {
	return r.local
}

// VersionFromTime 以 unix 纳秒作为版本号；t 为零值时回退到当前时间。
func VersionFromTime(t time.Time, now func() time.Time) string {
	if t.IsZero() {
		if now == nil {
			now = time.Now
		}
		t = now()
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// VersionCounter 生成单调递增的版本号，起点为创建时刻的纳秒数，
// 这样进程重启后不会复用旧版本号。
type VersionCounter struct {
	n atomic.Int64
}

// NewVersionCounter 创建计数器。
func NewVersionCounter() *VersionCounter {
	c := &VersionCounter{}
	c.n.Store(time.Now().UnixNano())
	return c
}

// Next 返回下一个版本号。
func (c *VersionCounter) Next() string {
	return strconv.FormatInt(c.n.Add(1), 10)
}
