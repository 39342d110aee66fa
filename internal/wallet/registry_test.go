package wallet

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestRegistryExactSelection(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 10)
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	eligible, err := reg.Eligible(context.Background(), Selection{Exact: []int{1, 3, 8}})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 3 {
		t.Fatalf("expected 3 wallets, got %d", len(eligible))
	}
	for i, wantID := range []int64{1, 3, 8} {
		if eligible[i].ID != wantID {
			t.Fatalf("position %d: expected wallet %d, got %d", i, wantID, eligible[i].ID)
		}
	}
}

func TestRegistryExactSelectionIgnoresOutOfRangeAndDuplicates(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 5)
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	eligible, err := reg.Eligible(context.Background(), Selection{Exact: []int{2, 2, 9, 0}})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != 2 {
		t.Fatalf("expected only wallet 2, got %+v", eligible)
	}
}

func TestRegistryRangeSelection(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 10)
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	eligible, err := reg.Eligible(context.Background(), Selection{Range: [2]int{2, 6}})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 5 {
		t.Fatalf("range [2,6] should yield 5 wallets, got %d", len(eligible))
	}
	for i, w := range eligible {
		if w.ID != int64(i+2) {
			t.Fatalf("position %d: expected wallet %d, got %d", i, i+2, w.ID)
		}
	}
}

func TestRegistryExactTakesPrecedenceOverRange(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 10)
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	eligible, err := reg.Eligible(context.Background(), Selection{
		Exact: []int{9},
		Range: [2]int{1, 3},
	})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != 9 {
		t.Fatalf("explicit set must win over range, got %+v", eligible)
	}
}

func TestRegistryZeroRangeDisablesFilter(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 4)
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	eligible, err := reg.Eligible(context.Background(), Selection{Range: [2]int{0, 0}})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 4 {
		t.Fatalf("[0,0] must select every wallet, got %d", len(eligible))
	}
}

func TestRegistryEligibleExcludesBusyAndDisabled(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 4)
	ctx := context.Background()
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	if _, err := store.Claim(ctx, 1, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, 2, 1000, 2000); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.SetDisabled(ctx, 3, true); err != nil {
		t.Fatalf("disable: %v", err)
	}

	eligible, err := reg.Eligible(ctx, Selection{})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != 4 {
		t.Fatalf("only wallet 4 should be eligible, got %+v", eligible)
	}

	// 冷却到期后钱包 2 恢复资格。
	late := NewRegistry(store, WithClock(fixedClock(2000)))
	eligible, err = late.Eligible(ctx, Selection{})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 2 {
		t.Fatalf("expected wallets 2 and 4, got %+v", eligible)
	}
}

func TestRegistryCompleteDrawsCooldownWithinBounds(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 1)
	ctx := context.Background()
	reg := NewRegistry(store,
		WithClock(fixedClock(5000)),
		WithRand(rand.New(rand.NewSource(42))),
	)

	seenMin, seenMax := false, false
	for i := 0; i < 200; i++ {
		if _, err := store.Claim(ctx, 1, 5000); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := reg.Complete(ctx, 1, 60, 120); err != nil {
			t.Fatalf("complete: %v", err)
		}
		w, _ := store.Get(ctx, 1)
		cooldown := w.NextEligibleAt - 5000
		if cooldown < 60 || cooldown > 120 {
			t.Fatalf("cooldown %d outside [60, 120]", cooldown)
		}
		if cooldown == 60 {
			seenMin = true
		}
		if cooldown == 120 {
			seenMax = true
		}
		// 放回可领取状态以便下一轮。
		if err := store.MarkCompleted(ctx, 1, 5000, 0); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	if !seenMin || !seenMax {
		t.Fatalf("inclusive bounds not exercised: min=%v max=%v", seenMin, seenMax)
	}
}

func TestRegistryFailRecordsCodeAndMessage(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 1)
	ctx := context.Background()
	reg := NewRegistry(store, WithClock(fixedClock(100)))

	if _, err := reg.Claim(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := reg.Fail(ctx, 1, ErrWalletNotFound); err != nil {
		t.Fatalf("fail: %v", err)
	}
	w, _ := store.Get(ctx, 1)
	if w.Status != StatusIdle || w.ErrorCode != string(CodeWalletNotFound) {
		t.Fatalf("failure not recorded: %+v", w)
	}
}

func TestRegistryShuffleKeepsSelection(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 8)
	reg := NewRegistry(store,
		WithClock(fixedClock(100)),
		WithRand(rand.New(rand.NewSource(7))),
	)

	eligible, err := reg.Eligible(context.Background(), Selection{Range: [2]int{1, 5}, Shuffle: true})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 5 {
		t.Fatalf("shuffle must not change the selection size, got %d", len(eligible))
	}
	seen := make(map[int64]bool)
	for _, w := range eligible {
		if w.ID < 1 || w.ID > 5 {
			t.Fatalf("wallet %d outside range [1,5]", w.ID)
		}
		seen[w.ID] = true
	}
	if len(seen) != 5 {
		t.Fatal("shuffle produced duplicates")
	}
}

func TestRegistryNextWake(t *testing.T) {
	store := NewMemoryStore()
	seedWallets(t, store, 2)
	ctx := context.Background()
	reg := NewRegistry(store, WithClock(fixedClock(1000)))

	// 没有冷却中的钱包时使用兜底间隔。
	wake, err := reg.NextWake(ctx, time.Minute)
	if err != nil {
		t.Fatalf("next wake: %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("expected fallback interval, got %v", wake)
	}

	if err := store.MarkCompleted(ctx, 1, 1000, 1020); err != nil {
		t.Fatalf("complete: %v", err)
	}
	wake, err = reg.NextWake(ctx, time.Minute)
	if err != nil {
		t.Fatalf("next wake: %v", err)
	}
	if wake != 20*time.Second {
		t.Fatalf("expected 20s until earliest recovery, got %v", wake)
	}

	if err := store.MarkCompleted(ctx, 2, 1000, 1005); err != nil {
		t.Fatalf("complete: %v", err)
	}
	wake, err = reg.NextWake(ctx, time.Minute)
	if err != nil {
		t.Fatalf("next wake: %v", err)
	}
	if wake != 5*time.Second {
		t.Fatalf("wake must track the minimum next_eligible, got %v", wake)
	}
}
