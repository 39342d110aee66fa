package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"OpenFarm-Chain/internal/scheduler"
	"OpenFarm-Chain/internal/wallet"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type nullKeyStorer struct{}

func (nullKeyStorer) StoreKey(context.Context, string, string) error { return nil }

type fakeProducer struct {
	published []int64
}

func (p *fakeProducer) Publish(_ context.Context, walletID int64) error {
	p.published = append(p.published, walletID)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeHistory struct {
	records []scheduler.RunRecord
}

func (h *fakeHistory) Recent(_ context.Context, walletID int64, limit int) ([]scheduler.RunRecord, error) {
	var out []scheduler.RunRecord
	for _, rec := range h.records {
		if walletID > 0 && rec.WalletID != walletID {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, wallet.Store, *fakeProducer) {
	t.Helper()
	store := wallet.NewMemoryStore()
	registry := wallet.NewRegistry(store)
	producer := &fakeProducer{}
	history := &fakeHistory{records: []scheduler.RunRecord{
		{WalletID: 1, Result: "completed"},
		{WalletID: 2, Result: "failed", ErrorCode: "PORTAL_AUTH_FAILED"},
	}}
	server := NewServer("", Deps{
		Registry: registry,
		Importer: wallet.NewImporter(store, nullKeyStorer{}),
		Producer: producer,
		History:  history,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, store, producer
}

func seedWallet(t *testing.T, store wallet.Store, address string) *wallet.Wallet {
	t.Helper()
	w := &wallet.Wallet{Address: address}
	if err := store.Create(context.Background(), w); err != nil {
		t.Fatalf("create: %v", err)
	}
	return w
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestListWalletsAndStats(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedWallet(t, store, "0x00000000000000000000000000000000000000a1")
	seedWallet(t, store, "0x00000000000000000000000000000000000000a2")

	resp, err := http.Get(ts.URL + "/api/v1/wallets")
	if err != nil {
		t.Fatalf("get wallets: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var wallets []wallet.Wallet
	if err := json.NewDecoder(resp.Body).Decode(&wallets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(wallets) != 2 {
		t.Fatalf("len = %d, want 2", len(wallets))
	}

	statsResp, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer statsResp.Body.Close()
	var stats wallet.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Idle != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDisableWallet(t *testing.T) {
	ts, store, _ := newTestServer(t)
	w := seedWallet(t, store, "0x00000000000000000000000000000000000000b1")

	resp := postJSON(t, ts.URL+"/api/v1/wallets/disable", map[string]any{
		"wallet_id": w.ID,
		"disabled":  true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stored, err := store.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != wallet.StatusDisabled {
		t.Fatalf("status = %s, want disabled", stored.Status)
	}
}

func TestDisableUnknownWalletReturns404(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/wallets/disable", map[string]any{
		"wallet_id": int64(999),
		"disabled":  true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerRunPublishesWallet(t *testing.T) {
	ts, store, producer := newTestServer(t)
	w := seedWallet(t, store, "0x00000000000000000000000000000000000000c1")

	resp := postJSON(t, ts.URL+"/api/v1/wallets/run", map[string]any{"wallet_id": w.ID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(producer.published) != 1 || producer.published[0] != w.ID {
		t.Fatalf("published = %v", producer.published)
	}
}

func TestSyncMetadata(t *testing.T) {
	ts, store, _ := newTestServer(t)
	w := seedWallet(t, store, "0x00000000000000000000000000000000000000d1")

	proxy := "http://127.0.0.1:8888"
	resp := postJSON(t, ts.URL+"/api/v1/wallets/metadata", []wallet.MetadataPatch{
		{Address: w.Address, Proxy: &proxy},
		{Address: "0x00000000000000000000000000000000000000ff"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["applied"] != 1 {
		t.Fatalf("applied = %d, want 1", out["applied"])
	}

	stored, err := store.Get(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Proxy != proxy {
		t.Fatalf("proxy = %q, want %q", stored.Proxy, proxy)
	}
}

func TestImportKeys(t *testing.T) {
	ts, store, _ := newTestServer(t)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keysFile := filepath.Join(t.TempDir(), "keys.txt")
	content := fmt.Sprintf("%x\n", ethcrypto.FromECDSA(key))
	if err := os.WriteFile(keysFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/wallets/import", map[string]string{"keys_file": keysFile})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result wallet.ImportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Imported != 1 {
		t.Fatalf("imported = %d, want 1", result.Imported)
	}

	wallets, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(wallets) != 1 {
		t.Fatalf("len = %d, want 1", len(wallets))
	}
}

func TestRunsHistory(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/runs?wallet_id=2")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	defer resp.Body.Close()
	var records []scheduler.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ErrorCode != "PORTAL_AUTH_FAILED" {
		t.Fatalf("unexpected records: %+v", records)
	}
}
