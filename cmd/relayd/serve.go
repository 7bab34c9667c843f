package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Relay/internal/actor"
	"OpenMCP-Relay/internal/api"
	"OpenMCP-Relay/internal/audit"
	"OpenMCP-Relay/internal/cache"
	"OpenMCP-Relay/internal/config"
	"OpenMCP-Relay/internal/gateway"
	"OpenMCP-Relay/internal/llm"
	"OpenMCP-Relay/internal/llm/openai"
	"OpenMCP-Relay/internal/llm/pythonbridge"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/resources"
	"OpenMCP-Relay/internal/runner"
	"OpenMCP-Relay/internal/secrets"
	"OpenMCP-Relay/internal/storage/mysql"
	"OpenMCP-Relay/internal/tools"
	"OpenMCP-Relay/internal/tools/mcp"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

const (
	roleAll     = "all"
	roleGateway = "gateway"
	roleActors  = "actors"
	roleRunner  = "runner"
)

func newServeCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动网关、actor 宿主与 agent runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// 未指定 --role 时依次读取 RELAY_ROLE（可来自 .env）与默认值。
			if role == "" {
				role = os.Getenv("RELAY_ROLE")
			}
			if role == "" {
				role = roleAll
			}
			return serve(cmd.Context(), cfg, role)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "运行角色: all, gateway, actors, runner，默认读取 RELAY_ROLE")
	return cmd
}

// sessionStore 同时服务网关写入与 runner 的会话公钥校验。
type sessionStore interface {
	gateway.SessionStore
	runner.GroupKeys
}

// backends 是按配置打开的存储、缓存与审计后端。
type backends struct {
	cipher   *secrets.Cipher
	catalog  resources.Catalog
	sessions sessionStore
	// sharedSessions 表示会话存储可被其它进程读取。
	sharedSessions bool
	actorState     actor.StateStore
	durable        cache.Durable
	sinks          []audit.Sink
	closers        []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func (b *backends) decrypter() resources.Decrypter {
	if b.cipher == nil {
		return nil
	}
	return b.cipher
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Secrets.MasterKey != "" {
		cipher, err := secrets.NewCipher(cfg.Secrets.MasterKey)
		if err != nil {
			return nil, err
		}
		b.cipher = cipher
	}

	switch cfg.Storage.Driver {
	case "memory", "":
		catalog := resources.NewMemoryCatalog()
		if cfg.Storage.SeedPath != "" {
			var enc resources.Encrypter
			if b.cipher != nil {
				enc = b.cipher
			}
			if err := catalog.LoadSeedFile(cfg.Storage.SeedPath, enc); err != nil {
				return nil, err
			}
			log.Info("已加载目录种子", "path", cfg.Storage.SeedPath)
		}
		b.catalog = catalog
		b.sessions = gateway.NewMemorySessionStore()
		b.actorState = actor.NewMemoryStateStore()
	case "mysql":
		store, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.catalog = store.Catalog()
		b.sessions = store.GroupSessions()
		b.sharedSessions = true
		var sealer mysql.KeySealer
		if b.cipher != nil {
			sealer = b.cipher
		} else {
			log.Warn("未配置 secrets.master_key，会话私钥将以明文落库")
		}
		b.actorState = store.ActorState(sealer)
		if cfg.Audit.MySQL {
			b.sinks = append(b.sinks, store.AuditSink())
		}
	default:
		b.Close()
		return nil, mysql.ErrUnsupportedDriver
	}

	switch cfg.Cache.Driver {
	case "memory", "":
		b.durable = cache.NewMemoryDurable(nil)
	case "redis":
		durable, err := cache.NewRedisDurable(ctx, cache.RedisConfig{
			Address:   cfg.Cache.Redis.Address,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, durable.Close)
		b.durable = durable
	default:
		b.Close()
		return nil, fmt.Errorf("不支持的缓存驱动 %q", cfg.Cache.Driver)
	}

	if cfg.Audit.RabbitMQ.Enabled {
		publisher, err := audit.NewRabbitMQPublisher(audit.RabbitMQConfig{
			URL:        cfg.Audit.RabbitMQ.URL,
			Exchange:   cfg.Audit.RabbitMQ.Exchange,
			RoutingKey: cfg.Audit.RabbitMQ.RoutingKey,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, publisher.Close)
		b.sinks = append(b.sinks, publisher)
	}
	return b, nil
}

// trustKeys 解析编排器签名私钥与公钥。只有网关需要私钥。
func trustKeys(cfg config.TrustConfig) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	var priv ed25519.PrivateKey
	if cfg.SigningKey != "" {
		key, err := trustchain.DecodePrivateKey(cfg.SigningKey)
		if err != nil {
			return nil, nil, fmt.Errorf("解析 trust.signing_key 失败: %w", err)
		}
		priv = key
	}
	if cfg.OrchestratorPublicKey != "" {
		pub, err := trustchain.DecodePublicKey(cfg.OrchestratorPublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("解析 trust.orchestrator_public_key 失败: %w", err)
		}
		if priv != nil && !pub.Equal(trustchain.PublicOf(priv)) {
			return nil, nil, fmt.Errorf("trust.orchestrator_public_key 与 signing_key 不匹配")
		}
		return priv, pub, nil
	}
	if priv != nil {
		return priv, trustchain.PublicOf(priv), nil
	}
	return nil, nil, nil
}

func createLLMClient(cfg config.LLMConfig, log *slog.Logger) (llm.Client, error) {
	providers := llm.NewProviders(cfg.Provider)
	providers.Register("openai", openai.NewClient(openai.Config{
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}))
	if cfg.PythonScript != "" {
		bridge, err := pythonbridge.NewClient(cfg.PythonExec, cfg.PythonScript, "")
		if err != nil {
			return nil, err
		}
		providers.Register("python", bridge)
		log.Info("已注册 python 模型桥接", "script", cfg.PythonScript)
	}
	return providers, nil
}

func serve(ctx context.Context, cfg *config.Config, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case roleAll, roleGateway, roleActors, roleRunner:
	default:
		return fmt.Errorf("未知运行角色 %q", role)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("relayd").With("role", role)

	priv, orchestratorPub, err := trustKeys(cfg.Trust)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := metrics.NewRegistry("relay")
	recorder := audit.NewRecorder(b.sinks...)
	resolvers := resources.NewResolvers(b.catalog, b.decrypter(), resources.Settings{
		TTL: cfg.Cache.TTL(),
		Capacities: resources.Capacities{
			Agents:     cfg.Cache.Capacity.Agents,
			Models:     cfg.Cache.Capacity.Models,
			Secrets:    cfg.Cache.Capacity.Secrets,
			MCPServers: cfg.Cache.Capacity.MCPServers,
		},
		Durable: b.durable,
		Metrics: registry,
	})

	type component struct {
		name    string
		addr    string
		handler http.Handler
	}
	var components []component
	expose := func(name, addr string, handler http.Handler) {
		components = append(components, component{name: name, addr: addr, handler: handler})
	}

	var host *actor.Host
	if role == roleAll || role == roleActors {
		if len(orchestratorPub) == 0 {
			return fmt.Errorf("actor 宿主需要 trust.signing_key 或 trust.orchestrator_public_key")
		}
		host, err = actor.NewHost(ctx, actor.HostOptions{
			Store: b.actorState,
			Dispatcher: actor.NewDispatcher(actor.DispatcherOptions{
				AccessTTL: cfg.Trust.AgentAccessTTL(),
				Metrics:   registry,
			}),
			OrchestratorPublicKey: orchestratorPub,
			// 独立部署时只接受网关以编排器私钥签名的调用。
			CallerKey:             callerKey(role, orchestratorPub),
		})
		if err != nil {
			return err
		}
		defer host.Close()
		if role == roleActors {
			expose("actors", cfg.Server.ActorAddress, host)
		}
	}

	if role == roleAll || role == roleGateway {
		if len(priv) == 0 {
			log.Warn("未配置 trust.signing_key，群组激活与路由令牌签发将被拒绝")
		}
		var backend gateway.ActorBackend
		switch {
		case host != nil:
			backend = host
		case cfg.Server.ActorHostURL != "":
			remote, err := actor.NewRemoteHost(cfg.Server.ActorHostURL, priv, nil)
			if err != nil {
				return err
			}
			backend = remote
		default:
			return fmt.Errorf("gateway 角色需要 server.actor_host_url")
		}
		var infraKeys *trustchain.InfraKeyRing
		if len(cfg.Trust.InfraPublicKeys) > 0 {
			infraKeys, err = trustchain.NewInfraKeyRing(cfg.Trust.InfraPublicKeys)
			if err != nil {
				return err
			}
		}
		svc := gateway.NewService(gateway.Options{
			SigningKey:  priv,
			Sessions:    b.sessions,
			Memberships: resolvers,
			Actors:      backend,
			Audit:       recorder,
			InfraKeys:   infraKeys,
			RoutingTTL:  cfg.Trust.RoutingTokenTTL(),
			Metrics:     registry,
		})
		expose("gateway", cfg.Server.GatewayAddress, svc.Handler())
	}

	if role == roleAll || role == roleRunner {
		model, err := createLLMClient(cfg.LLM, log)
		if err != nil {
			return err
		}
		mcpClient := mcp.NewClient(mcp.Options{Timeout: time.Duration(cfg.Tools.MCPTimeoutSeconds) * time.Second})
		opts := runner.Options{
			OrchestratorPublicKey: orchestratorPub,
			Config:                resolvers,
			Tools: tools.NewResolver(tools.ResolverOptions{
				Source:  resolvers,
				Lister:  mcpClient,
				Metrics: registry,
			}),
			Executor: tools.NewExecutor(tools.ExecutorOptions{
				MCP: mcpClient,
				HTTPDefault: tools.HTTPPolicy{
					Timeout:  time.Duration(cfg.Tools.HTTPTimeoutSeconds) * time.Second,
					MaxChars: cfg.Tools.HTTPMaxResponseChars,
				},
				Metrics: registry,
			}),
			LLM:         model,
			MaxSteps:    cfg.Runner.MaxSteps,
			EventBuffer: cfg.Runner.EventBuffer,
			Audit:       recorder,
			Metrics:     registry,
		}
		// 进程内或共享存储时才能校验证书中的会话公钥是否仍有效。
		if role == roleAll || b.sharedSessions {
			opts.GroupKeys = b.sessions
		} else {
			log.Warn("会话存储不可共享，runner 跳过群组会话公钥比对")
		}
		if len(orchestratorPub) == 0 {
			log.Warn("未配置编排器公钥，runner 将拒绝全部请求")
		}
		expose("runner", cfg.Server.RunnerAddress, runner.New(opts).Handler())
	}

	// 全部组件装配成功后再开始监听。
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			log.Info("启动服务", "component", c.name, "addr", c.addr)
			return api.NewServer(c.addr, c.handler, cfg.Server.ShutdownTimeout()).Start(ctx)
		})
	}
	return g.Wait()
}

// callerKey 返回 actor 宿主校验调用方令牌使用的公钥，进程内部署时不校验。
func callerKey(role string, orchestratorPub ed25519.PublicKey) ed25519.PublicKey {
	if role == roleActors {
		return orchestratorPub
	}
	return nil
}
