package wallet

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

type fakeKeyStorer struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeKeyStorer() *fakeKeyStorer {
	return &fakeKeyStorer{keys: make(map[string]string)}
}

func (f *fakeKeyStorer) StoreKey(_ context.Context, address, privateKeyHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[address] = privateKeyHex
	return nil
}

func generateKeyHex(t *testing.T) (keyHex, address string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyHex = hex.EncodeToString(crypto.FromECDSA(key))
	address = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return keyHex, address
}

func TestImportPlaintextKeys(t *testing.T) {
	dir := t.TempDir()
	keysFile := filepath.Join(dir, "private_keys.txt")
	proxyFile := filepath.Join(dir, "proxy.txt")

	key1, addr1 := generateKeyHex(t)
	key2, addr2 := generateKeyHex(t)
	content := "0x" + key1 + "\n\n# comment\n" + key2 + "\nnot-a-key\n"
	if err := os.WriteFile(keysFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	if err := os.WriteFile(proxyFile, []byte("http://p1:8080\nhttp://p2:8080\n"), 0o600); err != nil {
		t.Fatalf("write proxies: %v", err)
	}

	store := NewMemoryStore()
	vault := newFakeKeyStorer()
	importer := NewImporter(store, vault)

	result, err := importer.ImportPlaintextKeys(context.Background(), keysFile, proxyFile)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 2 || result.Invalid != 1 || result.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	w1, err := store.GetByAddress(context.Background(), addr1)
	if err != nil {
		t.Fatalf("wallet 1 not registered: %v", err)
	}
	if w1.Proxy != "http://p1:8080" {
		t.Fatalf("proxy not assigned by position: %s", w1.Proxy)
	}
	if _, err := store.GetByAddress(context.Background(), addr2); err != nil {
		t.Fatalf("wallet 2 not registered: %v", err)
	}
	if vault.keys[addr1] != key1 || vault.keys[addr2] != key2 {
		t.Fatal("keys not stored in vault")
	}

	// 导入后已入库的私钥从文件中消失，无法解析的行保留下来供排查。
	data, err := os.ReadFile(keysFile)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if string(data) != "not-a-key\n" {
		t.Fatalf("keys file should keep only invalid lines, got %q", data)
	}
}

func TestImportIsIdempotentByAddress(t *testing.T) {
	dir := t.TempDir()
	keysFile := filepath.Join(dir, "private_keys.txt")

	key, addr := generateKeyHex(t)
	store := NewMemoryStore()
	vault := newFakeKeyStorer()
	importer := NewImporter(store, vault)
	ctx := context.Background()

	if err := os.WriteFile(keysFile, []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	first, err := importer.ImportPlaintextKeys(ctx, keysFile, filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Imported != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	// 同一把私钥再次出现时按地址去重。
	if err := os.WriteFile(keysFile, []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("rewrite keys: %v", err)
	}
	second, err := importer.ImportPlaintextKeys(ctx, keysFile, "")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Imported != 0 || second.Skipped != 1 {
		t.Fatalf("repeat import must be a no-op: %+v", second)
	}

	wallets, _ := store.List(ctx)
	if len(wallets) != 1 || wallets[0].Address != addr {
		t.Fatalf("registry should hold exactly one wallet, got %+v", wallets)
	}

	// 即使这轮没有新导入，已入库的明文私钥也不能留在磁盘上。
	data, err := os.ReadFile(keysFile)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("rerun must still clear ingested keys, got %q", data)
	}
}

func TestImportMissingFileIsNotAnError(t *testing.T) {
	store := NewMemoryStore()
	importer := NewImporter(store, newFakeKeyStorer())

	result, err := importer.ImportPlaintextKeys(context.Background(),
		filepath.Join(t.TempDir(), "absent.txt"), "")
	if err != nil {
		t.Fatalf("missing keys file must not fail startup: %v", err)
	}
	if result.Imported != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
