package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"intentbook/native/common"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "intentd.yaml", `
listen: ":9000"
signer:
  mode: local
  master_key: "00ff"
withdrawals:
  max_requests: 3
  max_amount: "1000"
  epoch: 1h
deposit_addresses:
  eth: "0xvault"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.SnapshotInterval.Duration != time.Minute {
		t.Fatalf("unexpected snapshot interval %s", cfg.SnapshotInterval.Duration)
	}
	if cfg.Signer.Concurrency != 4 || cfg.Signer.MaxAttempts != 3 {
		t.Fatalf("unexpected signer defaults: %+v", cfg.Signer)
	}
	if cfg.Auth.OperatorScope != "intentbook:operator" {
		t.Fatalf("unexpected operator scope %q", cfg.Auth.OperatorScope)
	}
	q := cfg.Withdrawals.Quota()
	if q.MaxRequestsPerEpoch != 3 || q.EpochSeconds != 3600 || q.MaxAmountPerEpoch.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected quota: %+v", q)
	}
	addrs := Chains(cfg.DepositAddresses)
	if addrs[common.ChainETH] != "0xvault" {
		t.Fatalf("unexpected deposit addresses: %v", addrs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "intentd.toml", `
listen = ":9100"
snapshot_interval = "30s"

[signer]
mode = "remote"
endpoint = "https://signer.internal"

[light_client.finalized_heights]
btc = 810000

[solver]
enabled = true
account = "solver"
asset_a = "x"
asset_b = "y"
chain = "eth"
interval = "5s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SnapshotInterval.Duration != 30*time.Second {
		t.Fatalf("unexpected snapshot interval %s", cfg.SnapshotInterval.Duration)
	}
	if cfg.Signer.Mode != "remote" {
		t.Fatalf("unexpected signer mode %q", cfg.Signer.Mode)
	}
	if cfg.Solver.Interval.Duration != 5*time.Second || cfg.Solver.MaxBatch != 6 {
		t.Fatalf("unexpected solver config: %+v", cfg.Solver)
	}
	heights := Chains(cfg.LightClient.FinalizedHeights)
	if heights[common.ChainBTC] != 810000 {
		t.Fatalf("unexpected heights: %v", heights)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing master key":  "signer:\n  mode: local\n",
		"unknown signer":      "signer:\n  mode: hsm\n",
		"auth without secret": "signer:\n  mode: none\nauth:\n  enabled: true\n",
		"bad chain":           "signer:\n  mode: none\ndeposit_addresses:\n  doge: addr\n",
		"bad quota":           "signer:\n  mode: none\nwithdrawals:\n  max_amount: \"-5\"\n",
		"solver same assets":  "signer:\n  mode: none\nsolver:\n  enabled: true\n  account: s\n  asset_a: x\n  asset_b: X\n  chain: eth\n",
		"bad duration":        "signer:\n  mode: none\nsnapshot_interval: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "intentd.yaml", body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	env := map[string]string{
		"INTENTD_SIGNER_MASTER_KEY": "beef",
		"INTENTD_AUTH_HMAC_SECRET":  "shh",
		"INTENTD_SNAPSHOT_INTERVAL": "2m",
	}
	cfg := Config{}
	if err := applyEnv(&cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Signer.MasterKey != "beef" || cfg.Auth.HMACSecret != "shh" {
		t.Fatalf("secrets not applied: %+v", cfg)
	}
	if cfg.SnapshotInterval.Duration != 2*time.Minute {
		t.Fatalf("unexpected interval %s", cfg.SnapshotInterval.Duration)
	}
}
