package mysql

import (
	"context"
	"testing"

	"OpenFarm-Chain/internal/scheduler"
)

func TestMemoryRunLogRecentOrdering(t *testing.T) {
	t.Parallel()

	log := NewMemoryRunLog(10)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		record := scheduler.RunRecord{
			WalletID:  i,
			Address:   "0xaa",
			Result:    "completed",
			CreatedAt: 1000 + i,
		}
		if err := log.Record(ctx, record); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	records, err := log.Recent(ctx, 0, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	if records[0].WalletID != 3 || records[2].WalletID != 1 {
		t.Fatalf("expected newest first, got %+v", records)
	}
}

func TestMemoryRunLogFiltersByWallet(t *testing.T) {
	t.Parallel()

	log := NewMemoryRunLog(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		walletID := int64(1 + i%2)
		if err := log.Record(ctx, scheduler.RunRecord{WalletID: walletID, Result: "completed"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	records, err := log.Recent(ctx, 2, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.WalletID != 2 {
			t.Fatalf("unexpected wallet in result: %+v", rec)
		}
	}
}

func TestMemoryRunLogCapacity(t *testing.T) {
	t.Parallel()

	log := NewMemoryRunLog(2)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		if err := log.Record(ctx, scheduler.RunRecord{WalletID: i}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	records, err := log.Recent(ctx, 0, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].WalletID != 5 || records[1].WalletID != 4 {
		t.Fatalf("expected the two newest records, got %+v", records)
	}
}
