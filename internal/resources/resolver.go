package resources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Relay/internal/cache"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/pkg/logger"
)

// Resource kinds, also used as cache key prefixes and metric labels.
const (
	KindAgent     = "agent"
	KindModel     = "model"
	KindSecret    = "secret"
	KindMCPServer = "mcp_server"
)

// Decrypter 解密密文记录。
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Capacities 是各资源的 Tier 1 容量。
type Capacities struct {
	Agents     int
	Models     int
	Secrets    int
	MCPServers int
}

// Settings 配置 Resolvers。
type Settings struct {
	TTL        time.Duration
	Capacities Capacities
	Durable    cache.Durable
	Metrics    *metrics.Registry
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Resolvers 通过两级缓存解析 agent、模型、密钥明文与 MCP 服务器。
type Resolvers struct {
	catalog  Catalog
	cipher   Decrypter
	agents   *cache.Resolver[Agent]
	models   *cache.Resolver[Model]
	secrets  *cache.Resolver[string]
	servers  *cache.Resolver[MCPServer]
	versions *cache.VersionCounter
	clock    func() time.Time
}

// NewResolvers 构造解析器集合。cipher 可为空，此时解析密钥返回配置错误。
func NewResolvers(catalog Catalog, cipher Decrypter, s Settings) *Resolvers {
	if s.Logger == nil {
		s.Logger = logger.Named("resources")
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Durable == nil {
		s.Durable = cache.NewMemoryDurable(s.Clock)
	}
	opts := func(resource string, capacity int) cache.Options {
		return cache.Options{
			Resource: resource,
			Capacity: capacity,
			TTL:      s.TTL,
			Durable:  s.Durable,
			Metrics:  s.Metrics,
			Logger:   s.Logger,
			Clock:    s.Clock,
		}
	}
	return &Resolvers{
		catalog:  catalog,
		cipher:   cipher,
		agents:   cache.NewResolver[Agent](opts(KindAgent, s.Capacities.Agents)),
		models:   cache.NewResolver[Model](opts(KindModel, s.Capacities.Models)),
		secrets:  cache.NewResolver[string](opts(KindSecret, s.Capacities.Secrets)),
		servers:  cache.NewResolver[MCPServer](opts(KindMCPServer, s.Capacities.MCPServers)),
		versions: cache.NewVersionCounter(),
		clock:    s.Clock,
	}
}

// Key 返回资源的缓存基础键。
func Key(kind, id string) string {
	return kind + ":" + id
}

func (r *Resolvers) version(updated time.Time) string {
	return cache.VersionFromTime(updated, r.clock)
}

// ResolveAgent 返回 agent 配置。
func (r *Resolvers) ResolveAgent(ctx context.Context, id string) (Agent, error) {
	if id == "" {
		return Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	return r.agents.Resolve(ctx, Key(KindAgent, id), func(ctx context.Context) (Agent, string, error) {
		a, err := r.catalog.FetchAgent(ctx, id)
		if err != nil {
			return Agent{}, "", err
		}
		return *a, r.version(a.UpdatedAt), nil
	})
}

// ResolveModel 返回模型记录。
func (r *Resolvers) ResolveModel(ctx context.Context, id string) (Model, error) {
	if id == "" {
		return Model{}, xerrors.New(xerrors.CodeInvalidArgument, "model id is required")
	}
	return r.models.Resolve(ctx, Key(KindModel, id), func(ctx context.Context) (Model, string, error) {
		m, err := r.catalog.FetchModel(ctx, id)
		if err != nil {
			return Model{}, "", err
		}
		return *m, r.version(m.UpdatedAt), nil
	})
}

// ResolveSecret 返回密钥明文。缓存中保存的就是明文，命中时不会再解密。
func (r *Resolvers) ResolveSecret(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "secret id is required")
	}
	return r.secrets.Resolve(ctx, Key(KindSecret, id), func(ctx context.Context) (string, string, error) {
		if r.cipher == nil {
			return "", "", xerrors.New(xerrors.CodeConfiguration, "secrets master key is not configured")
		}
		rec, err := r.catalog.FetchSecret(ctx, id)
		if err != nil {
			return "", "", err
		}
		plain, err := r.cipher.Decrypt(rec.Ciphertext)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("decrypt secret %s", id))
		}
		return plain, r.versions.Next(), nil
	})
}

// ResolveMCPServer 返回 MCP 服务器描述。
func (r *Resolvers) ResolveMCPServer(ctx context.Context, id string) (MCPServer, error) {
	if id == "" {
		return MCPServer{}, xerrors.New(xerrors.CodeInvalidArgument, "mcp server id is required")
	}
	return r.servers.Resolve(ctx, Key(KindMCPServer, id), func(ctx context.Context) (MCPServer, string, error) {
		s, err := r.catalog.FetchMCPServer(ctx, id)
		if err != nil {
			return MCPServer{}, "", err
		}
		return *s, r.version(s.UpdatedAt), nil
	})
}

// Invalidate 让指定资源在下一次解析时回源。
func (r *Resolvers) Invalidate(ctx context.Context, kind, id string) error {
	key := Key(kind, id)
	switch kind {
	case KindAgent:
		return r.agents.Invalidate(ctx, key)
	case KindModel:
		return r.models.Invalidate(ctx, key)
	case KindSecret:
		return r.secrets.Invalidate(ctx, key)
	case KindMCPServer:
		return r.servers.Invalidate(ctx, key)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown resource kind %q", kind))
	}
}

// MembershipRole 查询成员角色，不经过缓存。
func (r *Resolvers) MembershipRole(ctx context.Context, groupID, userID string) (string, error) {
	return r.catalog.FetchMembershipRole(ctx, groupID, userID)
}
