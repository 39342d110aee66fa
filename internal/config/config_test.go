package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "OpenFarm-Chain/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "farmd.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Run.Threads != 1 {
		t.Fatalf("expected default threads 1, got %d", cfg.Run.Threads)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("expected memory drivers, got %s/%s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Run.WalletTimeoutSeconds != 3600 {
		t.Fatalf("expected default wallet timeout 3600, got %d", cfg.Run.WalletTimeoutSeconds)
	}
	if !strings.HasSuffix(cfg.Runtime.KeysFile, "private_keys.txt") {
		t.Fatalf("unexpected keys file: %s", cfg.Runtime.KeysFile)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"inverted range", `{"run":{"range_wallets_to_run":[6,2]}}`},
		{"zero exact index", `{"run":{"exact_wallets_to_run":[0]}}`},
		{"inverted pause", `{"run":{"random_pause_between_actions":{"min":60,"max":5}}}`},
		{"percent above 100", `{"actions":{"swaps_percent":{"min":5,"max":120}}}`},
		{"unknown storage", `{"storage":{"driver":"sqlite"}}`},
		{"mysql without dsn", `{"storage":{"driver":"mysql"}}`},
		{"redis without address", `{"queue":{"driver":"redis"}}`},
		{"unknown log level", `{"log":{"level":"TRACE"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("expected CONFIG_INVALID, got %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestSelectionPrecedenceHelpers(t *testing.T) {
	path := writeConfig(t, `{"run":{"range_wallets_to_run":[2,6],"exact_wallets_to_run":[1,3,8]}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.HasExplicitSelection() {
		t.Fatal("explicit selection should be reported")
	}
	if !cfg.HasRangeSelection() {
		t.Fatal("range selection should be reported")
	}

	path = writeConfig(t, `{"run":{"range_wallets_to_run":[0,0]}}`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HasRangeSelection() {
		t.Fatal("[0,0] must disable the range filter")
	}
}
