package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"OpenFarm-Chain/internal/config"
	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/observability/metrics"
	"OpenFarm-Chain/internal/pipeline"
	"OpenFarm-Chain/internal/wallet"
	"OpenFarm-Chain/pkg/logger"
)

// WalletRunner 执行一个钱包的动作流水线，由 pipeline.Runner 实现。
type WalletRunner interface {
	Run(ctx context.Context, w *wallet.Wallet) (*pipeline.Report, error)
}

var _ WalletRunner = (*pipeline.Runner)(nil)

// CoordinatorOption 定制 Coordinator 的行为。
type CoordinatorOption func(*Coordinator)

// WithSleep 注入停顿实现，测试时可替换为记录器。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRand 注入随机源。
func WithRand(rng *rand.Rand) CoordinatorOption {
	return func(c *Coordinator) {
		if rng != nil {
			c.rng = rng
		}
	}
}

// Coordinator 驱动整个运行周期：周期性扫描登记簿，把具备资格的
// 钱包投入派发队列，并用固定大小的工作协程池消费执行。
// threads 是全局并发上限，扫描与执行共用同一个生命周期上下文。
type Coordinator struct {
	registry *wallet.Registry
	runner   WalletRunner
	queue    Queue
	recorder RunRecorder

	threads       int
	selection     wallet.Selection
	scanInterval  time.Duration
	walletTimeout time.Duration
	startJitter   config.Bounds
	cooldown      config.Bounds

	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// NewCoordinator 创建调度器。
func NewCoordinator(registry *wallet.Registry, runner WalletRunner, queue Queue, cfg *config.Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry: registry,
		runner:   runner,
		queue:    queue,
		threads:  cfg.Run.Threads,
		selection: wallet.Selection{
			Exact:   cfg.Run.ExactWalletsToRun,
			Range:   cfg.Run.RangeWalletsToRun,
			Shuffle: cfg.Run.ShuffleWallets,
		},
		scanInterval:  time.Duration(cfg.Run.ScanIntervalSeconds) * time.Second,
		walletTimeout: time.Duration(cfg.Run.WalletTimeoutSeconds) * time.Second,
		startJitter:   cfg.Run.PauseStartWallet,
		cooldown:      cfg.Run.PauseAfterCompletion,
		sleep:         sleepWithContext,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if c.threads <= 0 {
		c.threads = 1
	}
	if c.scanInterval <= 0 {
		c.scanInterval = time.Minute
	}
	if c.walletTimeout <= 0 {
		c.walletTimeout = time.Hour
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start 启动调度器并阻塞运行，直到上下文取消。取消后不再接收新
// 钱包，正在执行的钱包跑完本轮后退出。
func (c *Coordinator) Start(ctx context.Context) error {
	if c.queue == nil || c.registry == nil || c.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未完整装配")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.scanLoop(runCtx, cancel)
	}()

	err := c.queue.Consume(runCtx, c.threads, c.handle)
	wg.Wait()
	if stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scanLoop 周期性把具备资格的钱包投入队列。下一次唤醒取冷却中
// 钱包的最早恢复时间与兜底间隔的较小者。全部钱包被停用后不会再有
// 任何钱包恢复资格，此时整个调度器收尾退出。
func (c *Coordinator) scanLoop(ctx context.Context, stop context.CancelFunc) {
	for {
		if c.allDisabled(ctx) {
			logger.L().Info("全部钱包已停用，调度器退出")
			stop()
			return
		}
		c.dispatch(ctx)

		wake, err := c.registry.NextWake(ctx, c.scanInterval)
		if err != nil {
			logger.L().Warn("计算下次扫描时间失败", slog.Any("error", err))
			wake = c.scanInterval
		}
		if wake < time.Second {
			wake = time.Second
		}
		if err := c.sleep(ctx, wake); err != nil {
			return
		}
	}
}

func (c *Coordinator) allDisabled(ctx context.Context) bool {
	stats, err := c.registry.Store().Stats(ctx)
	if err != nil {
		return false
	}
	return stats.Total > 0 && stats.Disabled == stats.Total
}

func (c *Coordinator) dispatch(ctx context.Context) {
	eligible, err := c.registry.Eligible(ctx, c.selection)
	if err != nil {
		logger.L().Error("资格扫描失败", slog.Any("error", err))
		return
	}
	if len(eligible) == 0 {
		return
	}
	logger.L().Info("资格扫描完成", slog.Int("eligible", len(eligible)))
	for _, w := range eligible {
		if err := c.queue.Publish(ctx, w.ID); err != nil {
			logger.L().Warn("投递钱包失败",
				slog.Int64("wallet_id", w.ID),
				slog.Any("error", err),
			)
			return
		}
	}
}

// handle 消费一个钱包：领取、随机起跑延迟、执行流水线、按结果
// 迁移状态。领取冲突说明钱包已被其他工作协程占用或资格已过期，
// 静默跳过即可。关停只拦截尚未开始的钱包；已进入流水线的钱包在
// 与关停信号解耦的上下文里跑完本轮，避免链上交易提交后丢失回执。
func (c *Coordinator) handle(ctx context.Context, walletID int64) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w, err := c.registry.Claim(ctx, walletID)
	if err != nil {
		if stdErrors.Is(err, wallet.ErrWalletConflict) ||
			stdErrors.Is(err, wallet.ErrWalletDisabled) ||
			stdErrors.Is(err, wallet.ErrWalletNotFound) {
			logger.L().Debug("跳过钱包",
				slog.Int64("wallet_id", walletID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		logger.L().Error("领取钱包失败",
			slog.Int64("wallet_id", walletID),
			slog.Any("error", err),
		)
		return err
	}

	jitter := time.Duration(c.draw(c.startJitter)) * time.Second
	if jitter > 0 {
		if err := c.sleep(ctx, jitter); err != nil {
			// 关停窗口内未开始的钱包放回 idle，下次启动继续。
			_ = c.registry.Fail(context.Background(), w.ID, err)
			return err
		}
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.walletTimeout)
	report, runErr := c.runner.Run(runCtx, w)
	cancel()
	duration := time.Since(start)
	if report == nil {
		report = &pipeline.Report{WalletID: w.ID, Address: w.Address}
	}

	if runErr != nil {
		metrics.ObserveWalletRun("failed", duration)
		c.record(newRunRecord(w.ID, w.Address, "failed", string(xerrors.CodeOf(runErr)),
			report.Completed(), report.Failed(), report.Skipped(), duration))
		if err := c.registry.Fail(context.Background(), w.ID, runErr); err != nil {
			logger.L().Error("记录钱包失败状态出错",
				slog.Int64("wallet_id", w.ID),
				slog.Any("error", err),
			)
			return err
		}
		return nil
	}

	metrics.ObserveWalletRun("completed", duration)
	rec := newRunRecord(w.ID, w.Address, "completed", "",
		report.Completed(), report.Failed(), report.Skipped(), duration)
	c.record(rec)
	logger.Audit().Info("钱包完成一轮动作",
		slog.String("run_id", rec.RunID),
		slog.Int64("wallet_id", w.ID),
		slog.String("address", w.Address),
		slog.Int("completed", report.Completed()),
		slog.Int("failed", report.Failed()),
		slog.Int("skipped", report.Skipped()),
		slog.Duration("duration", duration),
	)
	if err := c.registry.Complete(context.Background(), w.ID, c.cooldown.Min, c.cooldown.Max); err != nil {
		logger.L().Error("记录钱包完成状态出错",
			slog.Int64("wallet_id", w.ID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (c *Coordinator) record(rec RunRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(context.Background(), rec); err != nil {
		logger.L().Warn("写入运行留痕失败",
			slog.Int64("wallet_id", rec.WalletID),
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) draw(b config.Bounds) int {
	if b.Max <= b.Min {
		return b.Min
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return b.Min + c.rng.Intn(b.Max-b.Min+1)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
