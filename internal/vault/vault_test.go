package vault

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "OpenFarm-Chain/internal/errors"
	"github.com/ethereum/go-ethereum/crypto"
)

// 测试用的小参数，派生耗时毫秒级。
func newTestVault(t *testing.T, encrypt bool) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return New(store, encrypt, WithScryptParams(1<<10, 8, 1)), path
}

func generateKey(t *testing.T) (keyHex, address string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(crypto.FromECDSA(key)),
		strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestVaultRoundTrip(t *testing.T) {
	v, _ := newTestVault(t, true)
	ctx := context.Background()

	if err := v.Unlock(ctx, []byte("correct horse")); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); err != nil {
		t.Fatalf("store key: %v", err)
	}

	privateKey, err := v.Key(ctx, address)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	got := strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex())
	if got != address {
		t.Fatalf("decrypted key derives %s, expected %s", got, address)
	}
}

func TestVaultRejectsWrongPassword(t *testing.T) {
	v, path := newTestVault(t, true)
	ctx := context.Background()

	if err := v.Unlock(ctx, []byte("first-password")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); err != nil {
		t.Fatalf("store key: %v", err)
	}

	// 新进程用错误口令解锁。
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reopened := New(store, true, WithScryptParams(1<<10, 8, 1))
	err = reopened.Unlock(ctx, []byte("wrong-password"))
	if xerrors.CodeOf(err) != CodeVaultAuthFailed {
		t.Fatalf("expected VAULT_AUTH_FAILED, got %v", err)
	}
	if reopened.Unlocked() {
		t.Fatal("vault must stay locked after a rejected password")
	}
}

func TestVaultLockedRejectsAccess(t *testing.T) {
	v, _ := newTestVault(t, true)
	ctx := context.Background()

	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); xerrors.CodeOf(err) != CodeVaultLocked {
		t.Fatalf("expected VAULT_LOCKED on store, got %v", err)
	}
	if _, err := v.Key(ctx, address); xerrors.CodeOf(err) != CodeVaultKeyNotFound {
		t.Fatalf("expected VAULT_KEY_NOT_FOUND for missing entry, got %v", err)
	}
}

func TestVaultPlaintextOnDiskIsUnreadable(t *testing.T) {
	v, path := newTestVault(t, true)
	ctx := context.Background()

	if err := v.Unlock(ctx, []byte("secret")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); err != nil {
		t.Fatalf("store key: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read vault file: %v", err)
	}
	if strings.Contains(string(data), keyHex) {
		t.Fatal("private key must not appear in plaintext on disk")
	}
}

func TestVaultPlainModeSkipsUnlock(t *testing.T) {
	v, _ := newTestVault(t, false)
	ctx := context.Background()

	if !v.Unlocked() {
		t.Fatal("plain mode vault should always be unlocked")
	}
	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); err != nil {
		t.Fatalf("store key: %v", err)
	}
	privateKey, err := v.Key(ctx, address)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	got := strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex())
	if got != address {
		t.Fatalf("plain mode key derives %s, expected %s", got, address)
	}
}

func TestVaultSurvivesReopen(t *testing.T) {
	v, path := newTestVault(t, true)
	ctx := context.Background()

	if err := v.Unlock(ctx, []byte("persist")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	keyHex, address := generateKey(t)
	if err := v.StoreKey(ctx, address, keyHex); err != nil {
		t.Fatalf("store key: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reopened := New(store, true, WithScryptParams(1<<10, 8, 1))
	if err := reopened.Unlock(ctx, []byte("persist")); err != nil {
		t.Fatalf("unlock after reopen: %v", err)
	}
	if _, err := reopened.Key(ctx, address); err != nil {
		t.Fatalf("key after reopen: %v", err)
	}
}

func TestVaultMissingEntry(t *testing.T) {
	v, _ := newTestVault(t, true)
	ctx := context.Background()
	if err := v.Unlock(ctx, []byte("pw")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	_, err := v.Key(ctx, "0x0000000000000000000000000000000000000001")
	if !errorsIsCode(err, CodeVaultKeyNotFound) {
		t.Fatalf("expected VAULT_KEY_NOT_FOUND, got %v", err)
	}
}

func errorsIsCode(err error, code xerrors.Code) bool {
	return err != nil && xerrors.CodeOf(err) == code
}
