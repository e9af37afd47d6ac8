package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/api"
	"AgentProof-Chain/internal/auth"
	"AgentProof-Chain/internal/config"
	"AgentProof-Chain/internal/consensus"
	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/evidence"
	"AgentProof-Chain/internal/ledger"
	"AgentProof-Chain/internal/ledger/provider"
	"AgentProof-Chain/internal/model"
	"AgentProof-Chain/internal/model/openai"
	"AgentProof-Chain/internal/observability/alerting"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/registry"
	"AgentProof-Chain/internal/storage/mysql"
	redisstorage "AgentProof-Chain/internal/storage/redis"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/verifier"
	"AgentProof-Chain/pkg/logger"
	"AgentProof-Chain/pkg/plugin"
)

// main 是 AgentProof 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentproofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPROOF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentproof.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 执行历史仓库：保存每次验证的结果与证明，供追溯查询。
	var history mysql.VerificationRepository
	switch cfg.Storage.History.Driver {
	case "memory", "":
		repo, err := mysql.NewMemoryVerificationRepository(dataDir)
		if err != nil {
			return err
		}
		history = repo
	case "mysql":
		repo, err := mysql.NewSQLVerificationRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.History.DSN,
			MaxOpenConns:    cfg.Storage.History.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.History.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.History.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.History.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		history = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := history.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 智能体档案存储。
	var profileStore registry.Store
	switch cfg.Storage.AgentStore.Driver {
	case "memory", "":
		profileStore = registry.NewMemoryStore()
	case "mysql":
		store, err := registry.NewMySQLStore(cfg.Storage.AgentStore.DSN)
		if err != nil {
			return err
		}
		profileStore = store
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := profileStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	profiles, err := registry.NewService(profileStore)
	if err != nil {
		return err
	}

	// 任务存储。
	var taskStore task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "memory", "":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return mysql.ErrUnsupportedDriver
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	// 任务队列。
	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				logger.L().Warn("关闭任务队列失败", "error", err)
			}
		}
	}()

	// 证明锚定账本。
	var submitter ledger.Submitter
	switch cfg.Ledger.Driver {
	case "", "memory":
		memorySubmitter := ledger.NewMemorySubmitter()
		defer memorySubmitter.Close()
		submitter = memorySubmitter
	case "ethereum":
		chains, err := provider.NewRegistry(ctx, cfg.Ledger)
		if err != nil {
			return err
		}
		defer chains.Close()
		submitter, err = chains.DefaultSubmitter()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}

	// 被包装智能体的执行能力注册表。
	capabilities := agent.NewRegistry()

	// 对照模型客户端：为空表示未启用模型评审通道。
	modelClient, err := createModelClient(cfg)
	if err != nil {
		return err
	}
	if modelClient != nil {
		modelAgent, err := agent.NewModelCapability(modelClient)
		if err != nil {
			return err
		}
		if err := capabilities.Register("model-default", modelAgent); err != nil {
			return err
		}
	}

	// 外部插件：检测器插件扩展证据通道，能力插件注册被包装智能体。
	var pluginManager *plugin.Manager
	if cfg.Plugins.Enabled && cfg.Plugins.Dir != "" {
		manifest, err := plugin.LoadManagerConfig(filepath.Join(cfg.Plugins.Dir, "plugins.yaml"))
		if err != nil {
			return err
		}
		if manifest.PluginDir == "" {
			manifest.PluginDir = cfg.Plugins.Dir
		}
		manager, err := plugin.NewManager(manifest)
		if err != nil {
			return err
		}
		if err := manager.StartAll(ctx); err != nil {
			return err
		}
		pluginManager = manager
		defer func() {
			if err := pluginManager.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止插件失败", "error", err)
			}
		}()

		for _, capability := range pluginManager.Capabilities() {
			if err := capabilities.Register(capability.AgentID(), agent.CapabilityFunc(capability.Execute)); err != nil {
				return err
			}
		}
	}

	detectors, err := buildDetectors(cfg, modelClient, pluginManager)
	if err != nil {
		return err
	}

	generator, err := proofs.NewGenerator(cfg.Verifier.Identity)
	if err != nil {
		return err
	}

	method, err := proofs.ParseMethod(cfg.Verifier.Method)
	if err != nil {
		return err
	}

	verifierOpts := []verifier.ServiceOption{
		verifier.WithLedger(submitter),
		verifier.WithHistory(history),
		verifier.WithEvidenceAnalyzer(evidence.NewAnalyzer(detectors...)),
		verifier.WithExecutionTimeout(cfg.Verifier.Timeout()),
		verifier.WithVerificationMethod(method),
		verifier.WithCacheSize(cfg.Storage.Cache.Size),
	}

	// redis 结果缓存在多副本之间共享；memory 驱动由服务内部的 LRU 承担。
	switch cfg.Storage.Cache.Driver {
	case "", "memory":
	case "redis":
		sharedCache, err := redisstorage.NewResultCache(redisstorage.Config{
			Address:  cfg.Storage.Cache.Redis.Address,
			Password: cfg.Storage.Cache.Redis.Password,
			DB:       cfg.Storage.Cache.Redis.DB,
			TTL:      time.Duration(cfg.Storage.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer sharedCache.Close()
		verifierOpts = append(verifierOpts, verifier.WithCacheFactory(func(agentID string) (verifier.ResultCache, error) {
			return sharedCache.Scoped(agentID), nil
		}))
	default:
		return fmt.Errorf("未知的缓存驱动: %s", cfg.Storage.Cache.Driver)
	}

	verifierService, err := verifier.NewService(profiles, capabilities, generator, verifierOpts...)
	if err != nil {
		return err
	}

	authService, err := buildAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	// 告警分发：低信任结果与终态失败通过 Webhook 推送。
	var dispatcher alerting.Dispatcher
	if cfg.Alerting.Enabled && cfg.Alerting.Webhook != "" {
		dispatcher = alerting.WithMinSeverity(
			alerting.NewFanout(&alerting.WebhookNotifier{Endpoint: cfg.Alerting.Webhook}),
			xerrors.Severity(cfg.Alerting.MinSeverity),
		)
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithLowTrustThreshold(uint8(cfg.Alerting.LowTrustThreshold)),
	}
	if dispatcher != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(verifierService, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
				logger.L().Warn("指标端点退出", "error", err)
			}
		}()
		go watchTaskGauges(ctx, taskService)
	}

	server := api.NewServer(cfg.Server.Address, taskService,
		api.WithVerifier(verifierService),
		api.WithRegistry(profiles),
		api.WithConsensus(consensus.NewAggregator(consensus.Config{
			MinVotes:  cfg.Consensus.MinVotes,
			Tolerance: uint8(cfg.Consensus.Tolerance),
		})),
		api.WithAuth(authService),
	)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// createModelClient 构造对照模型客户端。provider 为 none 时整条
// 模型评审通道关闭，pattern 与知识库检测器不受影响。
func createModelClient(cfg *config.Config) (model.Client, error) {
	switch cfg.Model.Provider {
	case "none":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.Model.OpenAI.APIKey)
		if apiKey == "" && cfg.Model.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Model.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Model.OpenAI.BaseURL,
			Model:   cfg.Model.OpenAI.Model,
			Timeout: cfg.Model.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的模型 provider: %s", cfg.Model.Provider)
	}
}

// buildDetectors 按配置装配证据检测通道。pattern 通道始终开启，
// 模型与知识库通道按需加入，插件通道挂在最后。
func buildDetectors(cfg *config.Config, modelClient model.Client, manager *plugin.Manager) ([]evidence.Detector, error) {
	detectors := []evidence.Detector{evidence.NewPatternDetector()}

	if modelClient != nil {
		for _, channel := range []evidence.DetectionMethod{evidence.MethodModelA, evidence.MethodModelB} {
			detector, err := evidence.NewModelDetector(modelClient, channel)
			if err != nil {
				return nil, err
			}
			detectors = append(detectors, detector)
		}
	}

	if cfg.Knowledge.Source != "" {
		detector, err := evidence.LoadKnowledgeDetector(cfg.Knowledge.Source, cfg.Knowledge.MaxFindings)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, detector)
	}

	if manager != nil {
		for _, inner := range manager.Detectors() {
			detector, err := evidence.NewPluginDetector(inner)
			if err != nil {
				return nil, err
			}
			detectors = append(detectors, detector)
		}
	}
	return detectors, nil
}

// buildAuthService 构造鉴权服务。未启用时返回 nil，API 层直接放行。
func buildAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}

	secret := strings.TrimSpace(cfg.Auth.TokenSecret)
	if secret == "" && cfg.Auth.TokenSecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.Auth.TokenSecretEnv))
	}

	var seeds []auth.Seed
	if cfg.Auth.SeedFile != "" {
		loaded, err := auth.LoadSeedFile(cfg.Auth.SeedFile)
		if err != nil {
			return nil, err
		}
		seeds = loaded
	}

	var store auth.Store
	switch cfg.Auth.Store {
	case "", "memory":
		memoryStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memoryStore
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{DSN: cfg.Auth.DSN})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的鉴权存储: %s", cfg.Auth.Store)
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		Token: auth.TokenOptions{
			Secret:    secret,
			AccessTTL: cfg.Auth.TokenTTLSeconds,
		},
		Seeds: seeds,
	}, store)
}

// watchTaskGauges 周期性刷新任务状态指标。
func watchTaskGauges(ctx context.Context, tasks *task.Service) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := tasks.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.UpdateTaskGauges(
				uint64(stats.Pending),
				uint64(stats.Running),
				uint64(stats.Succeeded),
				uint64(stats.Failed),
			)
		}
	}
}
