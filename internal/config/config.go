// Package config defines the top-level configuration for the loop bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LOOPBOT_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Primary    PrimaryConfig    `toml:"primary"`
	Automation AutomationConfig `toml:"automation"`
	Contracts  ContractsConfig  `toml:"contracts"`
	Loop       LoopConfig       `toml:"loop"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// MaxPermitAmount caps the value a single permit may authorise, in whole
	// collateral tokens. Empty means no cap.
	MaxPermitAmount string `toml:"max_permit_amount"`
}

// PrimaryConfig describes the chain that holds user funds, the lending venue
// and the automation account.
type PrimaryConfig struct {
	RPCURL             string   `toml:"rpc_url"`
	WSURL              string   `toml:"ws_url"`
	ChainID            int64    `toml:"chain_id"`
	Confirmations      int      `toml:"confirmations"`
	TxTimeout          duration `toml:"tx_timeout"`
	GasLimitMultiplier float64  `toml:"gas_limit_multiplier"`
}

// AutomationConfig describes the chain that hosts the event-reactive caller.
type AutomationConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
	// MinBalance is the native balance (whole units) below which the caller
	// is reported as underfunded.
	MinBalance string `toml:"min_balance"`
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	CollateralToken   string `toml:"collateral_token"`
	DebtToken         string `toml:"debt_token"`
	AutomationAccount string `toml:"automation_account"`
	AutomationCaller  string `toml:"automation_caller"`
}

// LoopConfig holds the termination policy and monitoring cadence.
type LoopConfig struct {
	TargetLTVBps           int64    `toml:"target_ltv_bps"`
	MaxIterations          uint64   `toml:"max_iterations"`
	PollInterval           duration `toml:"poll_interval"`
	PollRetryDelay         duration `toml:"poll_retry_delay"`
	PollFailureThreshold   int      `toml:"poll_failure_threshold"`
	WatchdogTimeout        duration `toml:"watchdog_timeout"`
	DangerThresholdPct     float64  `toml:"danger_threshold_pct"`
	PermitTTL              duration `toml:"permit_ttl"`
	ResubscribeBaseDelay   duration `toml:"resubscribe_base_delay"`
	ResubscribeMaxDelay    duration `toml:"resubscribe_max_delay"`
	MaxResubscribeAttempts int      `toml:"max_resubscribe_attempts"`
	LogPollInterval        duration `toml:"log_poll_interval"`
	// AssignCaller lets configure submit setRSCCaller when the on-chain caller
	// differs from the requested one.
	AssignCaller bool `toml:"assign_caller"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs a single
// replica with in-process fan-out and no cross-replica command lock.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	Namespace   string   `toml:"namespace"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchiveEnabled bool   `toml:"archive_enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// HMACSecret enables signed requests for mutating endpoints.
	HMACSecret      string   `toml:"hmac_secret"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Primary: PrimaryConfig{
			ChainID:            11155111,
			Confirmations:      1,
			TxTimeout:          duration{3 * time.Minute},
			GasLimitMultiplier: 1.2,
		},
		Automation: AutomationConfig{
			ChainID:    5318007,
			MinBalance: "0.1",
		},
		Loop: LoopConfig{
			TargetLTVBps:           7500,
			MaxIterations:          3,
			PollInterval:           duration{5 * time.Second},
			PollRetryDelay:         duration{500 * time.Millisecond},
			PollFailureThreshold:   3,
			WatchdogTimeout:        duration{5 * time.Minute},
			DangerThresholdPct:     75,
			PermitTTL:              duration{time.Hour},
			ResubscribeBaseDelay:   duration{time.Second},
			ResubscribeMaxDelay:    duration{30 * time.Second},
			MaxResubscribeAttempts: 5,
			LogPollInterval:        duration{4 * time.Second},
			AssignCaller:           true,
		},
		Supabase: SupabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    20,
			MaxRetries:  3,
			TLSEnabled:  false,
			Namespace:   "loopbot",
			SnapshotTTL: duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "loopbot-sessions",
			UseSSL:         false,
			ForcePathStyle: true,
			ArchiveEnabled: false,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       60,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"loop_completed", "watchdog_timeout", "position_closed", "error"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"check":   true,
	"resume":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, check, resume)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: every mode reads the owner address, and all but check sign.
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.MaxPermitAmount != "" {
		if d, err := decimal.NewFromString(c.Wallet.MaxPermitAmount); err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Sprintf("wallet: max_permit_amount must be a positive decimal, got %q", c.Wallet.MaxPermitAmount))
		}
	}

	// Primary chain
	if c.Primary.RPCURL == "" {
		errs = append(errs, "primary: rpc_url must not be empty")
	}
	if c.Primary.ChainID <= 0 {
		errs = append(errs, "primary: chain_id must be positive")
	}
	if c.Primary.Confirmations < 1 {
		errs = append(errs, "primary: confirmations must be >= 1")
	}
	if c.Primary.TxTimeout.Duration <= 0 {
		errs = append(errs, "primary: tx_timeout must be > 0")
	}
	if c.Primary.GasLimitMultiplier < 1 {
		errs = append(errs, "primary: gas_limit_multiplier must be >= 1")
	}

	// Automation chain
	if c.Automation.ChainID <= 0 {
		errs = append(errs, "automation: chain_id must be positive")
	}
	if mode == "resume" && c.Automation.RPCURL == "" {
		errs = append(errs, "automation: rpc_url is required for mode resume")
	}
	if c.Automation.MinBalance != "" {
		if _, err := decimal.NewFromString(c.Automation.MinBalance); err != nil {
			errs = append(errs, fmt.Sprintf("automation: min_balance is not a decimal: %q", c.Automation.MinBalance))
		}
	}

	// Contracts
	requireAddr := func(name, v string) {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("contracts: %s must be a hex address, got %q", name, v))
		}
	}
	requireAddr("collateral_token", c.Contracts.CollateralToken)
	requireAddr("debt_token", c.Contracts.DebtToken)
	if mode != "server" || c.Contracts.AutomationAccount != "" {
		requireAddr("automation_account", c.Contracts.AutomationAccount)
	}
	if c.Contracts.AutomationCaller != "" || mode == "resume" || mode == "monitor" {
		requireAddr("automation_caller", c.Contracts.AutomationCaller)
	}

	// Loop
	if c.Loop.TargetLTVBps <= 0 || c.Loop.TargetLTVBps > 10000 {
		errs = append(errs, fmt.Sprintf("loop: target_ltv_bps must be 1-10000, got %d", c.Loop.TargetLTVBps))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, "loop: max_iterations must be >= 1")
	}
	if c.Loop.PollInterval.Duration <= 0 {
		errs = append(errs, "loop: poll_interval must be > 0")
	}
	if c.Loop.PollFailureThreshold < 1 {
		errs = append(errs, "loop: poll_failure_threshold must be >= 1")
	}
	if c.Loop.WatchdogTimeout.Duration <= 0 {
		errs = append(errs, "loop: watchdog_timeout must be > 0")
	}
	if c.Loop.DangerThresholdPct <= 0 || c.Loop.DangerThresholdPct > 100 {
		errs = append(errs, "loop: danger_threshold_pct must be in (0, 100]")
	}
	if c.Loop.PermitTTL.Duration <= 0 {
		errs = append(errs, "loop: permit_ttl must be > 0")
	}
	if c.Loop.ResubscribeBaseDelay.Duration <= 0 || c.Loop.ResubscribeMaxDelay.Duration < c.Loop.ResubscribeBaseDelay.Duration {
		errs = append(errs, "loop: resubscribe_base_delay must be > 0 and <= resubscribe_max_delay")
	}
	if c.Loop.MaxResubscribeAttempts < 1 {
		errs = append(errs, "loop: max_resubscribe_attempts must be >= 1")
	}

	// Supabase (server and monitor persist sessions)
	if needsPersistence(mode) {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}

		if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.ArchiveEnabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled && mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// needsPersistence reports whether the mode runs long-lived sessions backed by
// Postgres and Redis.
func needsPersistence(mode string) bool {
	return mode == "server" || mode == "monitor"
}

// NeedsPersistence is the exported form used by the app wiring.
func (c *Config) NeedsPersistence() bool {
	return needsPersistence(strings.ToLower(c.Mode))
}
