package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
)

// MemoryStore 以内存方式保存钱包登记簿，主要用于测试与免数据库部署。
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[int64]*Wallet
	byAddress map[string]int64
	nextID    int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[int64]*Wallet),
		byAddress: make(map[string]int64),
		nextID:    1,
	}
}

// Create 实现 Store 接口。地址重复返回 ErrWalletConflict。
func (m *MemoryStore) Create(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet 不能为空")
	}
	address := normalizeAddress(w.Address)
	if address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}
	if _, ok := m.byAddress[address]; ok {
		return ErrWalletConflict
	}
	now := time.Now().Unix()
	w.ID = m.nextID
	m.nextID++
	w.Address = address
	if w.Status == "" {
		w.Status = StatusIdle
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.wallets[w.ID] = cloneWallet(w)
	m.byAddress[address] = w.ID
	return nil
}

// Get 返回指定钱包。
func (m *MemoryStore) Get(_ context.Context, id int64) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

// GetByAddress 按地址查找钱包。
func (m *MemoryStore) GetByAddress(_ context.Context, address string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAddress[normalizeAddress(address)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(m.wallets[id]), nil
}

// List 按插入顺序返回全部钱包。
func (m *MemoryStore) List(_ context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		result = append(result, cloneWallet(w))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Claim 将钱包标记为运行中。
func (m *MemoryStore) Claim(_ context.Context, id int64, nowUnix int64) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	switch w.Status {
	case StatusDisabled:
		return cloneWallet(w), ErrWalletDisabled
	case StatusRunning:
		return cloneWallet(w), ErrWalletConflict
	}
	if w.NextEligibleAt > nowUnix {
		return cloneWallet(w), ErrWalletConflict
	}
	w.Status = StatusRunning
	w.LastError = ""
	w.ErrorCode = ""
	w.UpdatedAt = nowUnix
	return cloneWallet(w), nil
}

// MarkCompleted 记录完成并进入冷却。
func (m *MemoryStore) MarkCompleted(_ context.Context, id int64, completedAt, nextEligibleAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status == StatusDisabled {
		return ErrWalletDisabled
	}
	w.Status = StatusCoolingDown
	w.LastCompletedAt = completedAt
	w.NextEligibleAt = nextEligibleAt
	w.LastError = ""
	w.ErrorCode = ""
	w.UpdatedAt = completedAt
	return nil
}

// MarkFailed 记录失败并放回 idle。
func (m *MemoryStore) MarkFailed(_ context.Context, id int64, code, lastError string, nowUnix int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status == StatusDisabled {
		return ErrWalletDisabled
	}
	w.Status = StatusIdle
	w.LastError = lastError
	w.ErrorCode = code
	w.UpdatedAt = nowUnix
	return nil
}

// SetDisabled 显式停用或恢复钱包。
func (m *MemoryStore) SetDisabled(_ context.Context, id int64, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if disabled {
		w.Status = StatusDisabled
	} else if w.Status == StatusDisabled {
		w.Status = StatusIdle
	}
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// ResetRunning 回收上次进程遗留的 running 钱包。
func (m *MemoryStore) ResetRunning(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	count := 0
	for _, w := range m.wallets {
		if w.Status == StatusRunning {
			w.Status = StatusIdle
			w.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// ApplyMetadata 合并外部可编辑字段，不触碰身份与运行状态。
func (m *MemoryStore) ApplyMetadata(_ context.Context, patch MetadataPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAddress[normalizeAddress(patch.Address)]
	if !ok {
		return ErrWalletNotFound
	}
	w := m.wallets[id]
	if patch.Proxy != nil {
		w.Proxy = *patch.Proxy
	}
	if patch.TwitterToken != nil {
		w.TwitterToken = *patch.TwitterToken
	}
	if patch.DiscordToken != nil {
		w.DiscordToken = *patch.DiscordToken
	}
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// SetUsedInviteCode 记录首跑时消耗的邀请码。
func (m *MemoryStore) SetUsedInviteCode(_ context.Context, id int64, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.UsedInviteCode = code
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// UpdateUserInfo 回写门户同步到的积分、排名与邀请码。
func (m *MemoryStore) UpdateUserInfo(_ context.Context, id int64, info UserInfoUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.Points = info.Points
	w.Rank = info.Rank
	if info.InviteCode != "" {
		w.InviteCode = info.InviteCode
	}
	w.UpdatedAt = time.Now().Unix()
	return nil
}

// Stats 统计状态分布与最早恢复时间。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{}
	for _, w := range m.wallets {
		stats.Total++
		switch w.Status {
		case StatusIdle:
			stats.Idle++
		case StatusRunning:
			stats.Running++
		case StatusCoolingDown:
			stats.CoolingDown++
			if stats.NextEligibleAt == 0 || w.NextEligibleAt < stats.NextEligibleAt {
				stats.NextEligibleAt = w.NextEligibleAt
			}
		case StatusDisabled:
			stats.Disabled++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

var _ Store = (*MemoryStore)(nil)
