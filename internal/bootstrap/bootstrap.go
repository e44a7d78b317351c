package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"OpenLLM-Orchestra/internal/audit"
	"OpenLLM-Orchestra/internal/codec"
	"OpenLLM-Orchestra/internal/config"
	"OpenLLM-Orchestra/internal/dispatch"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/internal/notify"
	"OpenLLM-Orchestra/internal/outbox"
	"OpenLLM-Orchestra/internal/prompt"
	"OpenLLM-Orchestra/internal/provider"
	"OpenLLM-Orchestra/internal/provider/openai"
	"OpenLLM-Orchestra/internal/schema"
	"OpenLLM-Orchestra/internal/service"
	"OpenLLM-Orchestra/internal/storage/mysql"
	"OpenLLM-Orchestra/pkg/logger"
)

// Engine 聚合一次完整装配的产物，供守护进程与命令行工具复用。
type Engine struct {
	Orchestrator *service.Orchestrator
	Worker       *dispatch.Worker
	Relay        *outbox.Relay
	Queue        dispatch.Queue

	WorkStore   dispatch.Store
	AuditStore  audit.Store
	OutboxStore outbox.Store

	closers []func() error
}

// Build 按配置装配整条编排链路。调用方负责在退出前调用 Close。
func Build(ctx context.Context, cfg *config.Config) (*Engine, error) {
	engine := &Engine{}
	policy := identity.ParsePolicy(cfg.Registry.Policy)

	markers, err := engine.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	recorder := audit.NewRecorder(engine.AuditStore)
	emitter := outbox.NewEmitter(engine.OutboxStore)

	modifiers := prompt.NewRegistry(policy)
	if err := prompt.RegisterBuiltins(modifiers, prompt.BuiltinConfig{
		BaseInstruction: cfg.Prompt.BaseInstruction,
		History:         recorder,
		HistoryDepth:    cfg.Prompt.HistoryDepth,
	}); err != nil {
		engine.Close()
		return nil, err
	}
	composer := prompt.NewComposer(modifiers, policy)

	providers, err := buildProviders(cfg, policy)
	if err != nil {
		engine.Close()
		return nil, err
	}

	services := service.NewRegistry(policy)
	codecs := codec.NewRegistry(policy)
	if err := registerServices(cfg, services, codecs); err != nil {
		engine.Close()
		return nil, err
	}
	pipeline := codec.NewPipeline(codecs, markers)

	backends, err := engine.buildBackends(cfg, policy)
	if err != nil {
		engine.Close()
		return nil, err
	}

	engine.Orchestrator = service.NewOrchestrator(service.Config{
		Services:  services,
		Providers: providers,
		Composer:  composer,
		Pipeline:  pipeline,
		Recorder:  recorder,
		Emitter:   emitter,
		Store:     engine.WorkStore,
		Backends:  backends,
		Defaults: dispatch.Defaults{
			Mode:       dispatch.Mode(cfg.Dispatch.DefaultMode),
			Backend:    cfg.Dispatch.DefaultBackend,
			Priority:   cfg.Dispatch.Priority,
			RunAfter:   cfg.Dispatch.RunAfter(),
			MaxRetries: cfg.Dispatch.MaxRetries,
		},
	})
	engine.Worker = dispatch.NewWorker(engine.Orchestrator.Dispatcher(), engine.Queue, cfg.Dispatch.Workers)

	notifiers := []notify.Notifier{notify.NewLogNotifier()}
	if webhook := notify.NewWebhookNotifier(cfg.Notify.Webhook.Endpoint, cfg.Notify.Webhook.Secret, cfg.Notify.Webhook.Timeout()); webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	engine.Relay = outbox.NewRelay(engine.OutboxStore, notify.NewFanout(notifiers...), cfg.Outbox.RelayInterval(), cfg.Outbox.Batch)

	return engine, nil
}

// Close 逆序释放装配期间打开的资源。
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStores 按配置选择内存或 MySQL 持久化。
func (e *Engine) openStores(ctx context.Context, cfg *config.Config) (codec.MarkerStore, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		e.WorkStore = dispatch.NewMemoryStore()
		e.AuditStore = audit.NewMemoryStore(cfg.Storage.AuditCapacity)
		e.OutboxStore = outbox.NewMemoryStore()
		return codec.NewMemoryMarkerStore(), nil
	case "mysql":
		backed, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Storage.MySQL.ConnMaxIdleTime(),
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, backed.Close)
		e.WorkStore = backed.Work
		e.AuditStore = backed.Audit
		e.OutboxStore = backed.Outbox
		return backed.Markers, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// buildProviders 创建供应商注册表。默认供应商同时登记在
// 全局默认身份与具名身份下，服务可以任选其一引用。
func buildProviders(cfg *config.Config, policy identity.Policy) (*identity.Registry[provider.Provider], error) {
	registry := provider.NewRegistry(policy)
	switch cfg.Provider.Driver {
	case "openai", "":
		apiKey := cfg.Provider.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI 供应商需要配置 api_key 或 api_key_env")
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Provider.OpenAI.BaseURL,
			Model:   cfg.Provider.OpenAI.Model,
			Timeout: cfg.Provider.OpenAI.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(provider.Key(identity.DefaultName, identity.DefaultName), client); err != nil {
			return nil, err
		}
		if err := registry.Register(provider.Key(identity.DefaultName, "openai"), client); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("未知的供应商驱动: %s", cfg.Provider.Driver)
	}
	return registry, nil
}

// registerServices 把声明式服务定义登记进注册表，并为每个服务
// 注册携带其 schema 的编解码器。结构化值的重复投递由流水线的
// 幂等标记拦截，落库环节记录到日志即可。
func registerServices(cfg *config.Config, services *identity.Registry[*service.Definition], codecs *identity.Registry[codec.Codec]) error {
	for _, svc := range cfg.Services {
		key, err := service.ParseKey(svc.Key)
		if err != nil {
			return err
		}

		def := &service.Definition{
			Key:       key,
			Recipe:    svc.Recipe,
			CodecKind: svc.CodecKind,
			Model:     svc.Model,
			Timeout:   svc.Timeout(),
			Dispatch: dispatch.Policy{
				RequireEnqueue: svc.Dispatch.RequireEnqueue,
				DefaultMode:    dispatch.Mode(svc.Dispatch.DefaultMode),
				Backend:        svc.Dispatch.Backend,
				Priority:       svc.Dispatch.Priority,
				RunAfter:       svc.Dispatch.RunAfter(),
				MaxRetries:     svc.Dispatch.MaxRetries,
			},
		}
		if svc.Provider != "" {
			parts := strings.SplitN(svc.Provider, ".", 2)
			if len(parts) != 2 {
				return fmt.Errorf("服务 %s 的供应商键 %q 不合法", svc.Key, svc.Provider)
			}
			def.Provider = provider.Key(parts[0], parts[1])
		}
		if svc.Schema != nil {
			def.Schema, err = buildSchema(key, svc.Schema)
			if err != nil {
				return err
			}
		}
		if err := service.Register(services, def); err != nil {
			return err
		}

		codecKind := svc.CodecKind
		if codecKind == "" {
			codecKind = key.Name
		}
		serviceKey := key.String()
		if err := codec.Register(codecs, &codec.Base{
			Key:        codec.Key(key.Namespace, codecKind),
			Definition: def.Schema,
			PersistFunc: func(_ context.Context, correlationID string, value map[string]any) error {
				logger.Named("codec").Info("structured value accepted",
					"service", serviceKey, "correlation_id", correlationID, "fields", len(value))
				return nil
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildSchema 把声明式 schema 转成引擎内规范形式。
func buildSchema(key identity.Identity, cfg *config.SchemaConfig) (*schema.Definition, error) {
	def := &schema.Definition{
		Identity: identity.Identity{Namespace: key.Namespace, Kind: "schema", Name: key.Name},
		Strict:   cfg.Strict,
		Fields:   make(map[string]schema.Field, len(cfg.Fields)),
	}
	for name, field := range cfg.Fields {
		presence, err := parsePresence(field.Presence)
		if err != nil {
			return nil, fmt.Errorf("服务 %s 字段 %s: %w", key.String(), name, err)
		}
		def.Fields[name] = schema.Field{
			Type:        field.Type,
			Presence:    presence,
			Description: field.Description,
			Items:       field.Items,
		}
	}
	return def, nil
}

func parsePresence(raw string) (schema.Presence, error) {
	switch raw {
	case "", "always":
		return schema.PresenceAlways, nil
	case "optional":
		return schema.PresenceOptional, nil
	case "when_initial":
		return schema.PresenceWhenInitial, nil
	case "disabled":
		return schema.PresenceDisabled, nil
	default:
		return 0, fmt.Errorf("未知的字段出现方式 %q", raw)
	}
}

// buildBackends 创建队列后端注册表。配置选中的队列同时登记在
// 具名身份与默认身份下，服务级的 backend 覆写仍然可用。
func (e *Engine) buildBackends(cfg *config.Config, policy identity.Policy) (*identity.Registry[dispatch.Queue], error) {
	registry := dispatch.NewBackendRegistry(policy)

	driver := cfg.Dispatch.Queue.Driver
	switch driver {
	case "", "memory":
		driver = "memory"
		e.Queue = dispatch.NewMemoryQueue(cfg.Dispatch.Queue.Size)
	case "redis":
		redisQueue, err := dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Dispatch.Queue.Redis.Address,
			Password:  cfg.Dispatch.Queue.Redis.Password,
			DB:        cfg.Dispatch.Queue.Redis.DB,
			Queue:     cfg.Dispatch.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Dispatch.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		e.Queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Dispatch.Queue.RabbitMQ.URL,
			Queue:      cfg.Dispatch.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		e.Queue = rabbitQueue
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", driver)
	}
	e.closers = append(e.closers, e.Queue.Close)

	if err := dispatch.RegisterBackend(registry, driver, e.Queue); err != nil {
		return nil, err
	}
	if err := dispatch.RegisterBackend(registry, identity.DefaultName, e.Queue); err != nil {
		return nil, err
	}
	return registry, nil
}
