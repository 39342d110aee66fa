package web3

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "OpenFarm-Chain/internal/errors"
)

func TestLoadChainDefinitions(t *testing.T) {
	content := `chains:
  kite:
    type: evm
    chain_id: 2368
    rpc_url: https://rpc-testnet.example.org
    native_symbol: KITE
    swap_router: "0x04cb4e57b30c059ab9ab147cbe5e8ba126cd03b4"
    description: testnet
  base_sepolia:
    chain_id: 84532
    rpc_url: https://sepolia.base.example.org
    bridge_router: "0x3bc21ac7dbcf92cdba30f41a47771e04e9b49b6a"
`
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(defs.Chains))
	}

	kite := defs.Chains["kite"]
	if kite.ChainID != 2368 || kite.SwapRouter == "" {
		t.Fatalf("unexpected kite definition: %+v", kite)
	}
	base := defs.Chains["base_sepolia"]
	if base.BridgeRouter == "" {
		t.Fatalf("unexpected base definition: %+v", base)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("empty path should not fail: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty map, got %+v", defs.Chains)
	}
}

func TestLoadChainDefinitionsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(":: not yaml ::"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadChainDefinitions(path)
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}
