package wallet

import (
	"context"
	"math/rand"
	"sync"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/pkg/logger"
)

// Selection 描述一次资格扫描的钱包筛选规则。
// Exact 非空时优先于 Range；Range 为 [0,0] 表示不启用区间过滤。
// 序号从 1 开始，对应登记簿的插入顺序。
type Selection struct {
	Exact   []int
	Range   [2]int
	Shuffle bool
}

// RegistryOption 用于定制 Registry 的行为。
type RegistryOption func(*Registry)

// WithClock 注入时钟，测试时可固定当前时间。
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRand 注入随机源，测试时可使用固定种子。
func WithRand(rng *rand.Rand) RegistryOption {
	return func(r *Registry) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// Registry 是钱包登记簿的领域服务，负责资格筛选、
// 状态迁移与冷却时间的抽取。持久化细节由 Store 承担。
type Registry struct {
	store Store
	clock func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRegistry 创建 Registry。
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		clock: time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store 暴露底层存储，供只读查询路径使用。
func (r *Registry) Store() Store {
	return r.store
}

// Eligible 返回当前时刻具备运行资格的钱包，先按筛选规则裁剪，
// 再剔除运行中、停用与冷却未到期的记录。Shuffle 只打乱返回顺序，
// 不影响筛选结果本身。
func (r *Registry) Eligible(ctx context.Context, sel Selection) ([]*Wallet, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	selected := applySelection(all, sel)

	now := r.clock().Unix()
	eligible := make([]*Wallet, 0, len(selected))
	for _, w := range selected {
		if w.Eligible(now) {
			eligible = append(eligible, w)
		}
	}

	if sel.Shuffle && len(eligible) > 1 {
		r.mu.Lock()
		r.rng.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
		r.mu.Unlock()
	}
	return eligible, nil
}

// applySelection 按序号筛选钱包。序号是 List 返回顺序中的位置（从 1 起），
// 与钱包 ID 无关，删除记录后序号依旧连续。
func applySelection(all []*Wallet, sel Selection) []*Wallet {
	if len(sel.Exact) > 0 {
		seen := make(map[int]bool, len(sel.Exact))
		selected := make([]*Wallet, 0, len(sel.Exact))
		for _, idx := range sel.Exact {
			if idx < 1 || idx > len(all) || seen[idx] {
				continue
			}
			seen[idx] = true
			selected = append(selected, all[idx-1])
		}
		return selected
	}

	if sel.Range != [2]int{0, 0} {
		start, end := sel.Range[0], sel.Range[1]
		if start < 1 {
			start = 1
		}
		if end > len(all) {
			end = len(all)
		}
		if start > end {
			return nil
		}
		return all[start-1 : end]
	}

	return all
}

// Claim 将钱包迁移为 running。竞争失败与停用分别返回
// ErrWalletConflict 和 ErrWalletDisabled，调用方据此决定跳过。
func (r *Registry) Claim(ctx context.Context, id int64) (*Wallet, error) {
	return r.store.Claim(ctx, id, r.clock().Unix())
}

// Complete 记录一次成功运行并从 [minSec, maxSec] 闭区间
// 均匀抽取冷却时长，钱包进入 cooling_down。
func (r *Registry) Complete(ctx context.Context, id int64, minSec, maxSec int) error {
	now := r.clock().Unix()
	cooldown := r.drawSeconds(minSec, maxSec)
	if err := r.store.MarkCompleted(ctx, id, now, now+cooldown); err != nil {
		return err
	}
	logger.L().Info("钱包完成本轮运行",
		"wallet_id", id,
		"cooldown_seconds", cooldown,
	)
	return nil
}

// Fail 记录一次失败并把钱包放回 idle，失败永远不会自动停用钱包。
func (r *Registry) Fail(ctx context.Context, id int64, cause error) error {
	code := string(xerrors.CodeOf(cause))
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := r.store.MarkFailed(ctx, id, code, message, r.clock().Unix()); err != nil {
		return err
	}
	logger.L().Warn("钱包本轮运行失败",
		"wallet_id", id,
		"error_code", code,
		"error", message,
	)
	return nil
}

// SetDisabled 由操作者显式停用或恢复钱包。
func (r *Registry) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	if err := r.store.SetDisabled(ctx, id, disabled); err != nil {
		return err
	}
	logger.Audit().Info("钱包停用状态变更",
		"wallet_id", id,
		"disabled", disabled,
	)
	return nil
}

// SyncMetadata 合并一批外部可编辑字段。单条失败不会中断整批，
// 未命中的地址被跳过并记录日志。
func (r *Registry) SyncMetadata(ctx context.Context, patches []MetadataPatch) (int, error) {
	applied := 0
	for _, patch := range patches {
		if err := r.store.ApplyMetadata(ctx, patch); err != nil {
			if xerrors.CodeOf(err) == CodeWalletNotFound {
				logger.L().Warn("元数据同步跳过未知地址", "address", patch.Address)
				continue
			}
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// NextWake 计算下一次资格扫描的等待时长：
// 取冷却中钱包的最早恢复时间与兜底间隔的较小者。
func (r *Registry) NextWake(ctx context.Context, fallback time.Duration) (time.Duration, error) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return fallback, err
	}
	if stats.NextEligibleAt == 0 {
		return fallback, nil
	}
	until := time.Duration(stats.NextEligibleAt-r.clock().Unix()) * time.Second
	if until <= 0 {
		return 0, nil
	}
	if until < fallback {
		return until, nil
	}
	return fallback, nil
}

func (r *Registry) drawSeconds(minSec, maxSec int) int64 {
	if maxSec < minSec {
		maxSec = minSec
	}
	if maxSec == minSec {
		return int64(minSec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(minSec + r.rng.Intn(maxSec-minSec+1))
}
