package wallet

import (
	"context"
	"math/rand"
	"testing"
)

func TestReferralPoolPrefersConfiguredCodes(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 2)
	pool := NewReferralPool(store, []string{"CODE-A", " CODE-B ", ""})
	pool.SetRand(rand.New(rand.NewSource(1)))

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := pool.Draw(context.Background(), 1)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		if code != "CODE-A" && code != "CODE-B" {
			t.Fatalf("unexpected code %q", code)
		}
		seen[code] = true
	}
	// 有放回抽取：两个码都应该出现过。
	if len(seen) != 2 {
		t.Fatalf("expected both configured codes to appear, got %v", seen)
	}
}

func TestReferralPoolFallsBackToSiblingWallets(t *testing.T) {
	store := NewMemoryStore()
	wallets := seedWallets(t, store, 3)
	ctx := context.Background()

	if err := store.UpdateUserInfo(ctx, wallets[0].ID, UserInfoUpdate{InviteCode: "OWN-1"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.UpdateUserInfo(ctx, wallets[1].ID, UserInfoUpdate{InviteCode: "OWN-2"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	pool := NewReferralPool(store, nil)
	pool.SetRand(rand.New(rand.NewSource(3)))

	for i := 0; i < 20; i++ {
		code, err := pool.Draw(ctx, wallets[0].ID)
		if err != nil {
			t.Fatalf("draw: %v", err)
		}
		// 排除钱包自己的码。
		if code != "OWN-2" {
			t.Fatalf("expected sibling code OWN-2, got %q", code)
		}
	}
}

func TestReferralPoolEmptySources(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 2)
	pool := NewReferralPool(store, nil)

	code, err := pool.Draw(context.Background(), 1)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	if code != "" {
		t.Fatalf("no sources should yield empty code, got %q", code)
	}
}
