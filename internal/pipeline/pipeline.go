package pipeline

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"OpenFarm-Chain/internal/config"
	"OpenFarm-Chain/internal/dialog"
	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/observability/alerting"
	"OpenFarm-Chain/internal/observability/metrics"
	"OpenFarm-Chain/internal/portal"
	"OpenFarm-Chain/internal/quizbank"
	"OpenFarm-Chain/internal/wallet"
	"OpenFarm-Chain/internal/web3"
	"OpenFarm-Chain/internal/web3/provider"
	"OpenFarm-Chain/pkg/logger"
)

const (
	// CodeActionFailed 表示单个动作在重试耗尽或遇到业务失败后放弃。
	// 这是动作级别的错误，不会终止整条流水线。
	CodeActionFailed xerrors.Code = "ACTION_FAILED"
	// CodeActionSkipped 表示动作因前置条件不满足而跳过，例如余额为零。
	CodeActionSkipped xerrors.Code = "ACTION_SKIPPED"
)

func init() {
	xerrors.Register(CodeActionFailed, xerrors.Attributes{
		Message:   "action failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeActionSkipped, xerrors.Attributes{
		Message:   "action skipped",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// UnitStatus 是单个动作的最终结果。
type UnitStatus string

const (
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

// Outcome 记录一个动作单元的执行结果。动作之间互相独立，
// 一个单元失败不影响后续单元的执行。
type Outcome struct {
	Name     string
	Status   UnitStatus
	Err      error
	Attempts int
	Duration time.Duration
}

// Report 汇总一个钱包一轮运行的全部动作结果。
type Report struct {
	WalletID int64
	Address  string
	Outcomes []Outcome
}

// Completed 统计成功的动作数量。
func (r *Report) Completed() int { return r.count(UnitCompleted) }

// Failed 统计失败的动作数量。
func (r *Report) Failed() int { return r.count(UnitFailed) }

// Skipped 统计跳过的动作数量。
func (r *Report) Skipped() int { return r.count(UnitSkipped) }

func (r *Report) count(status UnitStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// KeySource 提供按地址取回签名私钥的能力，由保险库实现。
type KeySource interface {
	Key(ctx context.Context, address string) (*ecdsa.PrivateKey, error)
}

// ChainSet 暴露流水线需要的链客户端集合，由 provider.Registry 实现。
type ChainSet interface {
	DefaultClient() (web3.Client, error)
	BridgeClient() (web3.Client, bool)
	Definition(name string) (web3.ChainDefinition, bool)
	DefaultChain() string
}

var _ ChainSet = (*provider.Registry)(nil)

// Deps 汇集流水线的全部外部依赖，由入口装配。
type Deps struct {
	Portal    *portal.Client
	Chains    ChainSet
	Keys      KeySource
	Store     wallet.Store
	Referrals *wallet.ReferralPool
	Quiz      *quizbank.Bank
	Agent     dialog.Agent
	Questions *dialog.QuestionBank
}

// Option 定制 Runner 的行为。
type Option func(*Runner)

// WithRand 注入随机源，测试时可使用固定种子。
func WithRand(rng *rand.Rand) Option {
	return func(r *Runner) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// WithSleep 注入停顿实现，测试时可替换为记录器。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// Runner 按固定前缀加随机顺序执行一个钱包的动作流水线。
// 前缀动作（登录、注册、水龙头、新手测验）之间存在硬依赖，
// 其余动作顺序随机化以模拟人工操作节奏。
type Runner struct {
	deps    Deps
	actions config.ActionsConfig
	pause   config.Bounds
	timeout time.Duration
	alerter alerting.Dispatcher

	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRunner 创建流水线执行器。
func NewRunner(deps Deps, run config.RunConfig, actions config.ActionsConfig, opts ...Option) *Runner {
	r := &Runner{
		deps:    deps,
		actions: actions,
		pause:   run.PauseBetweenActions,
		timeout: time.Duration(run.ActionTimeoutSeconds) * time.Second,
		sleep:   sleepWithContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if r.timeout <= 0 {
		r.timeout = 2 * time.Minute
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type unit struct {
	name string
	fn   func(ctx context.Context) error
}

// Run 执行一个钱包的完整动作流水线。返回的 error 仅在钱包级致命
// 错误（认证失败、登录不可恢复）时非空，动作级失败都记录在 Report 中。
func (r *Runner) Run(ctx context.Context, w *wallet.Wallet) (*Report, error) {
	report := &Report{WalletID: w.ID, Address: w.Address}

	session, err := r.deps.Portal.NewSession(w.Address, w.Proxy)
	if err != nil {
		return report, err
	}

	// 登录是后续所有动作的前置，失败时整轮终止。
	outcome := r.runUnit(ctx, w, "sign_in", func(ctx context.Context) error {
		return session.SignIn(ctx)
	})
	report.Outcomes = append(report.Outcomes, outcome)
	if outcome.Status != UnitCompleted {
		return report, outcome.Err
	}

	if w.UsedInviteCode == "" {
		outcome = r.runUnit(ctx, w, "register", r.registerUnit(session, w))
		report.Outcomes = append(report.Outcomes, outcome)
		if fatal := r.abortOnAuth(outcome); fatal != nil {
			return report, fatal
		}
		r.pauseBetween(ctx)
	}

	info, err := session.UserInfo(ctx)
	if err != nil {
		// 没有账户画像就无法判断哪些动作可做，按钱包级失败处理。
		report.Outcomes = append(report.Outcomes, Outcome{
			Name: "user_info", Status: UnitFailed, Err: err, Attempts: 1,
		})
		return report, err
	}

	prefix := []unit{
		{name: "faucet_claim", fn: r.faucetUnit(session, info)},
		{name: "onboarding_quiz", fn: r.quizUnit(session, "onboarding", info.OnboardingQuizCompleted)},
	}
	rest := r.shuffledUnits(session, w, info)

	for _, u := range append(prefix, rest...) {
		outcome := r.runUnit(ctx, w, u.name, u.fn)
		report.Outcomes = append(report.Outcomes, outcome)
		if fatal := r.abortOnAuth(outcome); fatal != nil {
			return report, fatal
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		r.pauseBetween(ctx)
	}

	r.syncUserInfo(ctx, session, w)
	return report, nil
}

// shuffledUnits 构造非前缀动作并随机排列。各单元之间没有顺序依赖。
func (r *Runner) shuffledUnits(session *portal.Session, w *wallet.Wallet, info portal.UserInfo) []unit {
	units := []unit{
		{name: "daily_quiz", fn: r.quizUnit(session, "daily", info.DailyQuizCompleted)},
		{name: "badge_mint", fn: r.badgeUnit(session, info)},
	}

	swaps := r.draw(r.actions.SwapsCount)
	for i := 0; i < swaps; i++ {
		units = append(units, unit{name: "swap", fn: r.swapUnit(w)})
	}

	if _, ok := r.deps.Chains.BridgeClient(); ok {
		units = append(units, unit{name: "bridge", fn: r.bridgeUnit(w)})
	}

	if r.deps.Agent != nil && r.deps.Questions != nil {
		dialogs := r.draw(r.actions.AIDialogsCount)
		for i := 0; i < dialogs; i++ {
			units = append(units, unit{name: "ai_dialog", fn: r.dialogUnit(session, w)})
		}
	}

	r.mu.Lock()
	r.rng.Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
	r.mu.Unlock()
	return units
}

// runUnit 执行单个动作：每次尝试都带独立超时，瞬态网络错误按配置
// 退避重试，重试耗尽后降级为动作失败。
func (r *Runner) runUnit(ctx context.Context, w *wallet.Wallet, name string, fn func(ctx context.Context) error) Outcome {
	start := time.Now()
	var err error
	attempts := 0

	for {
		attempts++
		unitCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = fn(unitCtx)
		cancel()

		if err == nil || !xerrors.RetryableError(err) {
			break
		}
		if attempts > r.actions.MaxRetries || ctx.Err() != nil {
			err = xerrors.Wrap(CodeActionFailed, err, "重试耗尽")
			break
		}
		backoff := time.Duration(r.actions.RetryBackoffSeconds*attempts) * time.Second
		logger.L().Debug("动作遇到瞬态错误，准备重试",
			slog.String("action", name),
			slog.Int64("wallet_id", w.ID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", backoff),
		)
		if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
			break
		}
	}

	outcome := Outcome{Name: name, Attempts: attempts, Duration: time.Since(start)}
	switch code := xerrors.CodeOf(err); {
	case err == nil:
		outcome.Status = UnitCompleted
	case code == CodeActionSkipped || code == xerrors.CodeNotFound:
		outcome.Status = UnitSkipped
		outcome.Err = err
	default:
		outcome.Status = UnitFailed
		outcome.Err = err
	}

	metrics.ObserveAction(name, string(outcome.Status))
	r.logOutcome(w, outcome)
	if outcome.Status == UnitFailed {
		r.emitAlert(ctx, w, outcome)
	}
	return outcome
}

func (r *Runner) logOutcome(w *wallet.Wallet, outcome Outcome) {
	attrs := []any{
		slog.String("action", outcome.Name),
		slog.Int64("wallet_id", w.ID),
		slog.String("address", w.Address),
		slog.Int("attempts", outcome.Attempts),
		slog.Duration("duration", outcome.Duration),
	}
	switch outcome.Status {
	case UnitCompleted:
		logger.L().Info("动作完成", attrs...)
	case UnitSkipped:
		reason := ""
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		logger.L().Info("动作跳过", append(attrs, slog.String("reason", reason))...)
	default:
		logger.L().Warn("动作失败", append(attrs, slog.Any("error", outcome.Err))...)
	}
}

// abortOnAuth 检查动作结果是否为认证失败。门户拒绝会话意味着后续
// 所有动作都会失败，整轮立即终止。
func (r *Runner) abortOnAuth(outcome Outcome) error {
	if outcome.Status != UnitFailed {
		return nil
	}
	if xerrors.CodeOf(outcome.Err) == portal.CodePortalAuth {
		return outcome.Err
	}
	return nil
}

// syncUserInfo 在一轮结束后把门户侧的积分与邀请码回写登记簿。
// 回写失败只记录日志，不影响本轮结果。
func (r *Runner) syncUserInfo(ctx context.Context, session *portal.Session, w *wallet.Wallet) {
	info, err := session.UserInfo(ctx)
	if err != nil {
		logger.L().Warn("同步账户信息失败",
			slog.Int64("wallet_id", w.ID),
			slog.Any("error", err),
		)
		return
	}
	update := wallet.UserInfoUpdate{
		Points:     info.Points,
		Rank:       info.Rank,
		InviteCode: info.InviteCode,
	}
	if err := r.deps.Store.UpdateUserInfo(ctx, w.ID, update); err != nil {
		logger.L().Warn("回写账户信息失败",
			slog.Int64("wallet_id", w.ID),
			slog.Any("error", err),
		)
	}
}

func (r *Runner) pauseBetween(ctx context.Context) {
	d := time.Duration(r.draw(r.pause)) * time.Second
	if d <= 0 {
		return
	}
	_ = r.sleep(ctx, d)
}

// draw 从闭区间 [Min, Max] 均匀抽取一个整数。
func (r *Runner) draw(b config.Bounds) int {
	if b.Max <= b.Min {
		return b.Min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return b.Min + r.rng.Intn(b.Max-b.Min+1)
}

func (r *Runner) emitAlert(ctx context.Context, w *wallet.Wallet, outcome Outcome) {
	if r.alerter == nil || !xerrors.ShouldAlert(outcome.Err) {
		return
	}
	code := xerrors.CodeOf(outcome.Err)
	event := alerting.Event{
		Code:       code,
		Message:    outcome.Err.Error(),
		Severity:   xerrors.SeverityOf(outcome.Err),
		WalletID:   w.ID,
		Address:    w.Address,
		Action:     outcome.Name,
		Attempts:   outcome.Attempts,
		MaxRetries: r.actions.MaxRetries,
		OccurredAt: time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.Int64("wallet_id", w.ID),
			slog.String("action", outcome.Name),
		)
	}
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
