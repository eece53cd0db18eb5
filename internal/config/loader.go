package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, then applies LOOPBOT_*
// environment overrides (a .env file in the working directory is read first
// when present). A malformed override is an error. Validate is left to the
// caller.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
	}

	_ = godotenv.Load()
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose LOOPBOT_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) error {
	var e envReader

	// wallet
	e.str(&cfg.Wallet.PrivateKey, "LOOPBOT_WALLET_PRIVATE_KEY")
	e.str(&cfg.Wallet.EncryptedKeyPath, "LOOPBOT_WALLET_ENCRYPTED_KEY_PATH")
	e.str(&cfg.Wallet.KeyPassword, "LOOPBOT_WALLET_KEY_PASSWORD")
	e.str(&cfg.Wallet.MaxPermitAmount, "LOOPBOT_WALLET_MAX_PERMIT_AMOUNT")

	// primary chain
	e.str(&cfg.Primary.RPCURL, "LOOPBOT_PRIMARY_RPC_URL")
	e.str(&cfg.Primary.WSURL, "LOOPBOT_PRIMARY_WS_URL")
	e.int64(&cfg.Primary.ChainID, "LOOPBOT_PRIMARY_CHAIN_ID")
	e.int(&cfg.Primary.Confirmations, "LOOPBOT_PRIMARY_CONFIRMATIONS")
	e.duration(&cfg.Primary.TxTimeout, "LOOPBOT_PRIMARY_TX_TIMEOUT")
	e.float(&cfg.Primary.GasLimitMultiplier, "LOOPBOT_PRIMARY_GAS_LIMIT_MULTIPLIER")

	// automation chain
	e.str(&cfg.Automation.RPCURL, "LOOPBOT_AUTOMATION_RPC_URL")
	e.int64(&cfg.Automation.ChainID, "LOOPBOT_AUTOMATION_CHAIN_ID")
	e.str(&cfg.Automation.MinBalance, "LOOPBOT_AUTOMATION_MIN_BALANCE")

	// contracts
	e.str(&cfg.Contracts.CollateralToken, "LOOPBOT_CONTRACTS_COLLATERAL_TOKEN")
	e.str(&cfg.Contracts.DebtToken, "LOOPBOT_CONTRACTS_DEBT_TOKEN")
	e.str(&cfg.Contracts.AutomationAccount, "LOOPBOT_CONTRACTS_AUTOMATION_ACCOUNT")
	e.str(&cfg.Contracts.AutomationCaller, "LOOPBOT_CONTRACTS_AUTOMATION_CALLER")

	// loop
	e.int64(&cfg.Loop.TargetLTVBps, "LOOPBOT_LOOP_TARGET_LTV_BPS")
	e.uint64(&cfg.Loop.MaxIterations, "LOOPBOT_LOOP_MAX_ITERATIONS")
	e.duration(&cfg.Loop.PollInterval, "LOOPBOT_LOOP_POLL_INTERVAL")
	e.duration(&cfg.Loop.PollRetryDelay, "LOOPBOT_LOOP_POLL_RETRY_DELAY")
	e.int(&cfg.Loop.PollFailureThreshold, "LOOPBOT_LOOP_POLL_FAILURE_THRESHOLD")
	e.duration(&cfg.Loop.WatchdogTimeout, "LOOPBOT_LOOP_WATCHDOG_TIMEOUT")
	e.float(&cfg.Loop.DangerThresholdPct, "LOOPBOT_LOOP_DANGER_THRESHOLD_PCT")
	e.duration(&cfg.Loop.PermitTTL, "LOOPBOT_LOOP_PERMIT_TTL")
	e.duration(&cfg.Loop.ResubscribeBaseDelay, "LOOPBOT_LOOP_RESUBSCRIBE_BASE_DELAY")
	e.duration(&cfg.Loop.ResubscribeMaxDelay, "LOOPBOT_LOOP_RESUBSCRIBE_MAX_DELAY")
	e.int(&cfg.Loop.MaxResubscribeAttempts, "LOOPBOT_LOOP_MAX_RESUBSCRIBE_ATTEMPTS")
	e.duration(&cfg.Loop.LogPollInterval, "LOOPBOT_LOOP_LOG_POLL_INTERVAL")
	e.bool(&cfg.Loop.AssignCaller, "LOOPBOT_LOOP_ASSIGN_CALLER")

	// supabase
	e.str(&cfg.Supabase.DSN, "LOOPBOT_SUPABASE_DSN")
	e.str(&cfg.Supabase.DSN, "LOOPBOT_SUPABASE_URL") // compatibility alias
	e.str(&cfg.Supabase.Host, "LOOPBOT_SUPABASE_HOST")
	e.int(&cfg.Supabase.Port, "LOOPBOT_SUPABASE_PORT")
	e.str(&cfg.Supabase.Database, "LOOPBOT_SUPABASE_DATABASE")
	e.str(&cfg.Supabase.User, "LOOPBOT_SUPABASE_USER")
	e.str(&cfg.Supabase.Password, "LOOPBOT_SUPABASE_PASSWORD")
	e.str(&cfg.Supabase.SSLMode, "LOOPBOT_SUPABASE_SSL_MODE")
	e.int(&cfg.Supabase.PoolMaxConns, "LOOPBOT_SUPABASE_POOL_MAX_CONNS")
	e.int(&cfg.Supabase.PoolMinConns, "LOOPBOT_SUPABASE_POOL_MIN_CONNS")
	e.bool(&cfg.Supabase.RunMigrations, "LOOPBOT_SUPABASE_RUN_MIGRATIONS")

	// redis
	e.str(&cfg.Redis.Addr, "LOOPBOT_REDIS_ADDR")
	e.str(&cfg.Redis.Password, "LOOPBOT_REDIS_PASSWORD")
	e.int(&cfg.Redis.DB, "LOOPBOT_REDIS_DB")
	e.int(&cfg.Redis.PoolSize, "LOOPBOT_REDIS_POOL_SIZE")
	e.int(&cfg.Redis.MaxRetries, "LOOPBOT_REDIS_MAX_RETRIES")
	e.bool(&cfg.Redis.TLSEnabled, "LOOPBOT_REDIS_TLS_ENABLED")
	e.str(&cfg.Redis.Namespace, "LOOPBOT_REDIS_NAMESPACE")
	e.duration(&cfg.Redis.SnapshotTTL, "LOOPBOT_REDIS_SNAPSHOT_TTL")

	// s3
	e.str(&cfg.S3.Endpoint, "LOOPBOT_S3_ENDPOINT")
	e.str(&cfg.S3.Region, "LOOPBOT_S3_REGION")
	e.str(&cfg.S3.Bucket, "LOOPBOT_S3_BUCKET")
	e.str(&cfg.S3.AccessKey, "LOOPBOT_S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "LOOPBOT_S3_SECRET_KEY")
	e.bool(&cfg.S3.UseSSL, "LOOPBOT_S3_USE_SSL")
	e.bool(&cfg.S3.ForcePathStyle, "LOOPBOT_S3_FORCE_PATH_STYLE")
	e.bool(&cfg.S3.ArchiveEnabled, "LOOPBOT_S3_ARCHIVE_ENABLED")

	// server
	e.bool(&cfg.Server.Enabled, "LOOPBOT_SERVER_ENABLED")
	e.int(&cfg.Server.Port, "LOOPBOT_SERVER_PORT")
	e.list(&cfg.Server.CORSOrigins, "LOOPBOT_SERVER_CORS_ORIGINS")
	e.str(&cfg.Server.APIKey, "LOOPBOT_SERVER_API_KEY")
	e.str(&cfg.Server.HMACSecret, "LOOPBOT_SERVER_HMAC_SECRET")
	e.int(&cfg.Server.RateLimit, "LOOPBOT_SERVER_RATE_LIMIT")
	e.duration(&cfg.Server.RateLimitWindow, "LOOPBOT_SERVER_RATE_LIMIT_WINDOW")

	// notify
	e.str(&cfg.Notify.TelegramToken, "LOOPBOT_NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "LOOPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "LOOPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&cfg.Notify.Events, "LOOPBOT_NOTIFY_EVENTS")

	// top-level
	e.str(&cfg.Mode, "LOOPBOT_MODE")
	e.str(&cfg.LogLevel, "LOOPBOT_LOG_LEVEL")

	return errors.Join(e.errs...)
}

// envReader applies overrides and collects parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(dst *int, key string) { parseEnv(e, dst, key, strconv.Atoi) }

func (e *envReader) int64(dst *int64, key string) { parseEnv(e, dst, key, parseInt64) }

func (e *envReader) uint64(dst *uint64, key string) { parseEnv(e, dst, key, parseUint64) }

func (e *envReader) float(dst *float64, key string) { parseEnv(e, dst, key, parseFloat) }

func (e *envReader) bool(dst *bool, key string) { parseEnv(e, dst, key, strconv.ParseBool) }

func (e *envReader) duration(dst *duration, key string) {
	parseEnv(e, &dst.Duration, key, time.ParseDuration)
}

// list reads a comma-separated value; blank items are dropped.
func (e *envReader) list(dst *[]string, key string) {
	var items []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	if len(items) > 0 {
		*dst = items
	}
}

func parseEnv[T any](e *envReader, dst *T, key string, parse func(string) (T, error)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := parse(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
		return
	}
	*dst = parsed
}

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func parseUint64(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
