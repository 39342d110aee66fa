package wallet

import "context"

// MetadataPatch 描述 SyncMetadata 允许合并的外部可编辑字段。
// nil 字段表示不修改；身份与运行状态永远不被该路径触碰。
type MetadataPatch struct {
	Address      string
	Proxy        *string
	TwitterToken *string
	DiscordToken *string
}

// UserInfoUpdate 描述一次运行后从门户同步回来的账户信息。
type UserInfoUpdate struct {
	Points     int64
	Rank       int64
	InviteCode string
}

// Stats 聚合登记簿的状态分布，用于操作者界面与健康检查。
type Stats struct {
	Total       int   `json:"total"`
	Idle        int   `json:"idle"`
	Running     int   `json:"running"`
	CoolingDown int   `json:"cooling_down"`
	Disabled    int   `json:"disabled"`
	// NextEligibleAt 是所有冷却中钱包最早的恢复时间，0 表示没有冷却中的钱包。
	NextEligibleAt int64 `json:"next_eligible_at,omitempty"`
}

// Store 抽象了钱包登记簿的持久化接口。
// 实现必须保证：单条记录的更新是原子的；List 按插入顺序稳定返回。
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id int64) (*Wallet, error)
	GetByAddress(ctx context.Context, address string) (*Wallet, error)
	// List 按 ID 升序返回全部钱包，序号从 1 开始与插入顺序一致。
	List(ctx context.Context) ([]*Wallet, error)

	// Claim 将钱包从可运行状态迁移为 running，竞争失败返回 ErrWalletConflict。
	Claim(ctx context.Context, id int64, nowUnix int64) (*Wallet, error)
	// MarkCompleted 记录完成时间并写入下次资格时间，钱包进入冷却。
	MarkCompleted(ctx context.Context, id int64, completedAt, nextEligibleAt int64) error
	// MarkFailed 记录失败并把钱包放回 idle，失败不会自动停用钱包。
	MarkFailed(ctx context.Context, id int64, code, lastError string, nowUnix int64) error
	// SetDisabled 是唯一到达 disabled 状态的路径，由操作者显式触发。
	SetDisabled(ctx context.Context, id int64, disabled bool) error
	// ResetRunning 把所有 running 钱包放回 idle，返回回收数量。
	// 进程崩溃会把钱包困在 running 里永远无法被领取，启动时调用一次。
	ResetRunning(ctx context.Context) (int, error)

	ApplyMetadata(ctx context.Context, patch MetadataPatch) error
	SetUsedInviteCode(ctx context.Context, id int64, code string) error
	UpdateUserInfo(ctx context.Context, id int64, info UserInfoUpdate) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
