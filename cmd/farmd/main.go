package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenFarm-Chain/internal/api"
	"OpenFarm-Chain/internal/config"
	"OpenFarm-Chain/internal/dialog"
	"OpenFarm-Chain/internal/observability/alerting"
	"OpenFarm-Chain/internal/observability/metrics"
	"OpenFarm-Chain/internal/pipeline"
	"OpenFarm-Chain/internal/portal"
	"OpenFarm-Chain/internal/quizbank"
	"OpenFarm-Chain/internal/scheduler"
	storagemysql "OpenFarm-Chain/internal/storage/mysql"
	"OpenFarm-Chain/internal/vault"
	"OpenFarm-Chain/internal/wallet"
	"OpenFarm-Chain/internal/web3/provider"
	"OpenFarm-Chain/pkg/logger"
)

// main 是 farmd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("farmd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("FARMD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "farmd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 保险库：先解锁再导入，口令错误属于启动期致命错误。
	keyVault, err := buildVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer keyVault.Close()

	if cfg.Security.PrivateKeyEncryption {
		password := strings.TrimSpace(os.Getenv("FARMD_VAULT_PASSWORD"))
		if err := keyVault.Unlock(ctx, []byte(password)); err != nil {
			return err
		}
	}

	store, err := buildWalletStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// 上次进程未善终会把钱包困在 running 状态，启动时统一放回 idle。
	recovered, err := store.ResetRunning(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.L().Warn("回收了上次运行遗留的 running 钱包", slog.Int("count", recovered))
	}

	importer := wallet.NewImporter(store, keyVault)
	result, err := importer.ImportPlaintextKeys(ctx, cfg.Runtime.KeysFile, cfg.Runtime.ProxyFile)
	if err != nil {
		return err
	}
	if result.Imported > 0 || result.Invalid > 0 {
		logger.L().Info("启动导入完成",
			slog.Int("imported", result.Imported),
			slog.Int("skipped", result.Skipped),
			slog.Int("invalid", result.Invalid),
		)
	}

	registry := wallet.NewRegistry(store)

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭派发队列失败", slog.Any("error", err))
		}
	}()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	quiz, err := quizbank.Load(cfg.Actions.QuizBank)
	if err != nil {
		return err
	}
	questions, err := dialog.LoadQuestionBank(cfg.Actions.DialogQuestions)
	if err != nil {
		return err
	}

	var agent dialog.Agent
	if strings.TrimSpace(cfg.Actions.AIAgentURL) != "" {
		httpAgent, err := dialog.NewHTTPAgent(dialog.Config{
			BaseURL:   cfg.Actions.AIAgentURL,
			ServiceID: cfg.Actions.AIServiceID,
		})
		if err != nil {
			return err
		}
		agent = httpAgent
	}

	runner := pipeline.NewRunner(pipeline.Deps{
		Portal: portal.NewClient(portal.Config{
			TestnetAPI: cfg.Portal.TestnetAPI,
			FaucetAPI:  cfg.Portal.FaucetAPI,
			QuizAPI:    cfg.Portal.QuizAPI,
			PointsAPI:  cfg.Portal.PointsAPI,
			Timeout:    time.Duration(cfg.Portal.TimeoutSeconds) * time.Second,
		}),
		Chains:    chains,
		Keys:      keyVault,
		Store:     store,
		Referrals: wallet.NewReferralPool(store, cfg.Actions.InviteCodes),
		Quiz:      quiz,
		Agent:     agent,
		Questions: questions,
	}, cfg.Run, cfg.Actions,
		pipeline.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	recorder, history, err := buildRunLog(ctx, cfg)
	if err != nil {
		return err
	}

	coordinator := scheduler.NewCoordinator(registry, runner, queue, cfg,
		scheduler.WithRunRecorder(recorder),
	)

	// 调度器与 API 共用取消信号；退出前等调度器把在跑的钱包收尾。
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		if err := coordinator.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Registry: registry,
		Importer: importer,
		Producer: queue,
		History:  history,
	})
	serverErr := server.Start(ctx)
	cancelAll()
	<-coordinatorDone
	if serverErr != nil && !errors.Is(serverErr, context.Canceled) {
		return serverErr
	}
	return nil
}

func buildVault(ctx context.Context, cfg *config.Config) (*vault.Vault, error) {
	var store vault.Store
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		fileStore, err := vault.NewFileStore(filepath.Join(cfg.Runtime.DataDir, "vault.json"))
		if err != nil {
			return nil, err
		}
		store = fileStore
	case "mysql":
		sqlStore, err := storagemysql.NewSQLVaultStore(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	return vault.New(store, cfg.Security.PrivateKeyEncryption), nil
}

func buildWalletStore(cfg *config.Config) (wallet.Store, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		return wallet.NewMemoryStore(), nil
	case "mysql":
		return wallet.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildQueue(cfg *config.Config) (scheduler.Queue, error) {
	switch strings.ToLower(cfg.Queue.Driver) {
	case "", "memory":
		return scheduler.NewMemoryQueue(1024), nil
	case "redis":
		return scheduler.NewRedisQueue(scheduler.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return scheduler.NewRabbitMQQueue(scheduler.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// buildRunLog 按存储驱动构建运行留痕的写入端与查询端。
func buildRunLog(ctx context.Context, cfg *config.Config) (scheduler.RunRecorder, api.RunHistory, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		runLog := storagemysql.NewMemoryRunLog(0)
		return runLog, runLog, nil
	case "mysql":
		repo, err := storagemysql.NewSQLRunRepository(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func mysqlConfig(cfg *config.Config) storagemysql.Config {
	return storagemysql.Config{
		DSN:             cfg.Storage.DSN,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
	}
}
