package wallet

import (
	xerrors "OpenFarm-Chain/internal/errors"
)

// Status 表示钱包在运行周期中的状态。
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusCoolingDown Status = "cooling_down"
	StatusDisabled    Status = "disabled"
)

// Wallet 描述登记簿中的一条钱包记录。
// Address 由私钥推导，创建后不可变；每个地址只允许存在一条记录。
type Wallet struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`

	// 外部可编辑的元数据，由 SyncMetadata 显式合并。
	Proxy        string `json:"proxy,omitempty"`
	TwitterToken string `json:"twitter_token,omitempty"`
	DiscordToken string `json:"discord_token,omitempty"`

	// InviteCode 是钱包自己在门户上获得的邀请码。
	InviteCode string `json:"invite_code,omitempty"`
	// UsedInviteCode 是该钱包注册时消耗的邀请码，首跑时从邀请池抽取。
	UsedInviteCode string `json:"used_invite_code,omitempty"`

	Points int64 `json:"points"`
	Rank   int64 `json:"rank"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// LastCompletedAt 与 NextEligibleAt 均为 Unix 秒。
	// NextEligibleAt 在未来时钱包处于冷却期，不会被资格扫描选中。
	LastCompletedAt int64 `json:"last_completed_at,omitempty"`
	NextEligibleAt  int64 `json:"next_eligible_at,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

var (
	// ErrWalletNotFound 表示指定的钱包不存在。
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
	// ErrWalletConflict 表示地址已存在或状态迁移与当前状态冲突。
	ErrWalletConflict = xerrors.New(CodeWalletConflict, "wallet conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWalletDisabled 表示钱包已被操作者停用。
	ErrWalletDisabled = xerrors.New(CodeWalletDisabled, "wallet disabled", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeWalletNotFound xerrors.Code = "WALLET_NOT_FOUND"
	CodeWalletConflict xerrors.Code = "WALLET_CONFLICT"
	CodeWalletDisabled xerrors.Code = "WALLET_DISABLED"
	CodeWalletImport   xerrors.Code = "WALLET_IMPORT_FAILED"
)

func init() {
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:   "wallet not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletConflict, xerrors.Attributes{
		Message:   "wallet conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletDisabled, xerrors.Attributes{
		Message:   "wallet disabled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWalletImport, xerrors.Attributes{
		Message:   "wallet import failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusIdle, StatusRunning, StatusCoolingDown, StatusDisabled:
		return true
	default:
		return false
	}
}

// Eligible 报告钱包在给定时刻是否具备运行资格。
// disabled 只能由操作者设置，任何自动迁移都不会到达该状态。
func (w *Wallet) Eligible(nowUnix int64) bool {
	if w == nil {
		return false
	}
	switch w.Status {
	case StatusRunning, StatusDisabled:
		return false
	}
	return w.NextEligibleAt <= nowUnix
}

func cloneWallet(w *Wallet) *Wallet {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}
