package wallet

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ReferralPool 为首跑钱包提供邀请码。
// 配置的邀请码池优先；为空时退回到同批其它钱包已获得的邀请码。
// 两种来源都是有放回抽取，同一个码可以被多个钱包消耗。
type ReferralPool struct {
	store Store
	codes []string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewReferralPool 创建 ReferralPool。codes 来自配置，可以为空。
func NewReferralPool(store Store, codes []string) *ReferralPool {
	trimmed := make([]string, 0, len(codes))
	for _, code := range codes {
		if c := strings.TrimSpace(code); c != "" {
			trimmed = append(trimmed, c)
		}
	}
	return &ReferralPool{
		store: store,
		codes: trimmed,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand 注入随机源，测试时可使用固定种子。
func (p *ReferralPool) SetRand(rng *rand.Rand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rng != nil {
		p.rng = rng
	}
}

// Draw 为指定钱包抽取一个邀请码。excludeID 用于排除钱包自己的邀请码。
// 没有任何可用来源时返回空字符串，调用方按无码注册处理。
func (p *ReferralPool) Draw(ctx context.Context, excludeID int64) (string, error) {
	if len(p.codes) > 0 {
		return p.pick(p.codes), nil
	}

	wallets, err := p.store.List(ctx)
	if err != nil {
		return "", err
	}
	candidates := make([]string, 0, len(wallets))
	for _, w := range wallets {
		if w.ID == excludeID || w.InviteCode == "" {
			continue
		}
		candidates = append(candidates, w.InviteCode)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return p.pick(candidates), nil
}

func (p *ReferralPool) pick(codes []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return codes[p.rng.Intn(len(codes))]
}
