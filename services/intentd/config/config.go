package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"intentbook/native/common"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations for TOML and environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for intentd.
type Config struct {
	ListenAddress    string               `yaml:"listen" toml:"listen"`
	Environment      string               `yaml:"environment" toml:"environment"`
	JournalPath      string               `yaml:"journal" toml:"journal"`
	SnapshotPath     string               `yaml:"snapshots" toml:"snapshots"`
	SnapshotInterval Duration             `yaml:"snapshot_interval" toml:"snapshot_interval"`
	SnapshotRetain   int                  `yaml:"snapshot_retain" toml:"snapshot_retain"`
	Log              LogConfig            `yaml:"log" toml:"log"`
	Matching         MatchingConfig       `yaml:"matching" toml:"matching"`
	Withdrawals      WithdrawalConfig     `yaml:"withdrawals" toml:"withdrawals"`
	DepositAddresses map[string]string    `yaml:"deposit_addresses" toml:"deposit_addresses"`
	LightClient      LightClientConfig    `yaml:"light_client" toml:"light_client"`
	Signer           SignerConfig         `yaml:"signer" toml:"signer"`
	Auth             AuthConfig           `yaml:"auth" toml:"auth"`
	RateLimits       map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
	Solver           SolverConfig         `yaml:"solver" toml:"solver"`
}

// LogConfig enables rotated file output next to stdout.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// MatchingConfig tunes batch matching.
type MatchingConfig struct {
	MaxBatch         int    `yaml:"max_batch" toml:"max_batch"`
	LiquidityAccount string `yaml:"liquidity_account" toml:"liquidity_account"`
}

// WithdrawalConfig caps withdrawals per user. Zero values disable a limit.
type WithdrawalConfig struct {
	MaxRequests uint32   `yaml:"max_requests" toml:"max_requests"`
	MaxAmount   string   `yaml:"max_amount" toml:"max_amount"`
	Epoch       Duration `yaml:"epoch" toml:"epoch"`
}

// LightClientConfig selects a remote verifier or the embedded stub.
type LightClientConfig struct {
	Endpoint         string            `yaml:"endpoint" toml:"endpoint"`
	Timeout          Duration          `yaml:"timeout" toml:"timeout"`
	FinalizedHeights map[string]uint64 `yaml:"finalized_heights" toml:"finalized_heights"`
}

// SignerConfig selects how legs are signed.
type SignerConfig struct {
	Mode        string   `yaml:"mode" toml:"mode"`
	MasterKey   string   `yaml:"master_key" toml:"master_key"`
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	CACert      string   `yaml:"ca_cert" toml:"ca_cert"`
	ClientCert  string   `yaml:"client_cert" toml:"client_cert"`
	ClientKey   string   `yaml:"client_key" toml:"client_key"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// AuthConfig configures bearer tokens for the public and admin APIs.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ScopeClaim    string   `yaml:"scope_claim" toml:"scope_claim"`
	OperatorScope string   `yaml:"operator_scope" toml:"operator_scope"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimit configures a token bucket for a route group.
type RateLimit struct {
	RatePerSecond float64        `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int            `yaml:"burst" toml:"burst"`
	DefaultTokens int            `yaml:"default_tokens" toml:"default_tokens"`
	Tokens        map[string]int `yaml:"tokens" toml:"tokens"`
}

// SolverConfig drives the built-in mirror-match solver.
type SolverConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	Account   string   `yaml:"account" toml:"account"`
	AssetA    string   `yaml:"asset_a" toml:"asset_a"`
	AssetB    string   `yaml:"asset_b" toml:"asset_b"`
	Chain     string   `yaml:"chain" toml:"chain"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	MaxBatch  int      `yaml:"max_batch" toml:"max_batch"`
	PageLimit int      `yaml:"page_limit" toml:"page_limit"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv lets secrets and a few deployment knobs come from INTENTD_*
// variables instead of the config file.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("INTENTD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(getenv("INTENTD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(getenv("INTENTD_SIGNER_MASTER_KEY")); v != "" {
		cfg.Signer.MasterKey = v
	}
	if v := strings.TrimSpace(getenv("INTENTD_AUTH_HMAC_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(getenv("INTENTD_LIGHTCLIENT_ENDPOINT")); v != "" {
		cfg.LightClient.Endpoint = v
	}
	if v := strings.TrimSpace(getenv("INTENTD_SNAPSHOT_INTERVAL")); v != "" {
		if err := cfg.SnapshotInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("INTENTD_SNAPSHOT_INTERVAL: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "/var/data/intentd.sqlite"
	}
	if cfg.SnapshotInterval.Duration == 0 {
		cfg.SnapshotInterval.Duration = time.Minute
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = 10
	}
	if cfg.LightClient.Timeout.Duration == 0 {
		cfg.LightClient.Timeout.Duration = 10 * time.Second
	}
	if cfg.Signer.Mode == "" {
		cfg.Signer.Mode = "local"
	}
	cfg.Signer.Mode = strings.ToLower(strings.TrimSpace(cfg.Signer.Mode))
	if cfg.Signer.Timeout.Duration == 0 {
		cfg.Signer.Timeout.Duration = 15 * time.Second
	}
	if cfg.Signer.Concurrency <= 0 {
		cfg.Signer.Concurrency = 4
	}
	if cfg.Signer.MaxAttempts <= 0 {
		cfg.Signer.MaxAttempts = 3
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.OperatorScope == "" {
		cfg.Auth.OperatorScope = "intentbook:operator"
	}
	if cfg.Solver.Interval.Duration == 0 {
		cfg.Solver.Interval.Duration = 15 * time.Second
	}
	if cfg.Solver.MaxBatch <= 0 {
		cfg.Solver.MaxBatch = 6
	}
	if cfg.Solver.PageLimit <= 0 {
		cfg.Solver.PageLimit = 100
	}
}

func validate(cfg Config) error {
	switch cfg.Signer.Mode {
	case "local":
		if strings.TrimSpace(cfg.Signer.MasterKey) == "" {
			return fmt.Errorf("signer.master_key must be configured for local signing")
		}
	case "remote":
		if strings.TrimSpace(cfg.Signer.Endpoint) == "" {
			return fmt.Errorf("signer.endpoint must be configured for remote signing")
		}
	case "external", "none":
	default:
		return fmt.Errorf("unknown signer mode %q", cfg.Signer.Mode)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	if cfg.Withdrawals.MaxAmount != "" {
		if _, err := common.ParseAmount(cfg.Withdrawals.MaxAmount); err != nil {
			return fmt.Errorf("withdrawals.max_amount: %w", err)
		}
	}
	for chain := range cfg.DepositAddresses {
		if _, err := common.ParseChain(chain); err != nil {
			return fmt.Errorf("deposit_addresses: %w", err)
		}
	}
	for chain := range cfg.LightClient.FinalizedHeights {
		if _, err := common.ParseChain(chain); err != nil {
			return fmt.Errorf("light_client.finalized_heights: %w", err)
		}
	}
	if cfg.Solver.Enabled {
		if strings.TrimSpace(cfg.Solver.Account) == "" {
			return fmt.Errorf("solver.account must be configured when the solver is enabled")
		}
		a, b := common.NormalizeAsset(cfg.Solver.AssetA), common.NormalizeAsset(cfg.Solver.AssetB)
		if a == "" || b == "" || a == b {
			return fmt.Errorf("solver.asset_a and solver.asset_b must be distinct assets")
		}
		if _, err := common.ParseChain(cfg.Solver.Chain); err != nil {
			return fmt.Errorf("solver.chain: %w", err)
		}
	}
	return nil
}

// Quota converts the withdrawal limits into the coordinator's quota.
func (w WithdrawalConfig) Quota() common.Quota {
	q := common.Quota{MaxRequestsPerEpoch: w.MaxRequests}
	if w.MaxAmount != "" {
		if amount, err := common.ParseAmount(w.MaxAmount); err == nil {
			q.MaxAmountPerEpoch = amount
		}
	}
	if secs := w.Epoch.Duration / time.Second; secs > 0 {
		q.EpochSeconds = uint32(secs)
	}
	return q
}

// Chains parses a chain keyed map, skipping entries validate already rejected.
func Chains[V any](in map[string]V) map[common.ChainType]V {
	out := make(map[common.ChainType]V, len(in))
	for raw, v := range in {
		chain, err := common.ParseChain(raw)
		if err != nil {
			continue
		}
		out[chain] = v
	}
	return out
}
