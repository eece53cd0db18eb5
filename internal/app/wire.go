package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/loopbot/internal/blob/s3"
	"github.com/alanyoungcy/loopbot/internal/cache/memory"
	"github.com/alanyoungcy/loopbot/internal/cache/redis"
	"github.com/alanyoungcy/loopbot/internal/config"
	"github.com/alanyoungcy/loopbot/internal/crypto"
	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/loop"
	"github.com/alanyoungcy/loopbot/internal/notify"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
	"github.com/alanyoungcy/loopbot/internal/server/handler"
	"github.com/alanyoungcy/loopbot/internal/service"
	"github.com/alanyoungcy/loopbot/internal/store/postgres"
)

// tokenDecimals is the precision of the collateral, debt and native tokens.
const tokenDecimals = 18

// Dependencies bundles every client and store the modes need. It is built by
// Wire and torn down by the returned cleanup function. Members documented as
// optional are nil when the corresponding backend is not configured.
type Dependencies struct {
	Keys       *crypto.KeySource
	Primary    *evm.Client
	Logs       *evm.Client // optional, the primary chain's websocket endpoint
	Automation *evm.Client // optional

	// Stores, optional outside server and monitor modes.
	Sessions   domain.SessionStore
	Iterations domain.IterationStore
	Activity   domain.ActivityStore
	Audit      domain.AuditStore

	// Redis-backed in a multi-replica deployment, in-process otherwise.
	Bus       domain.SignalBus
	Snapshots domain.SnapshotCache
	Locks     domain.LockManager // optional
	Limiter   domain.RateLimiter // optional

	Archiver *s3blob.Archiver // optional
	Notifier *notify.Notifier

	// Checks are probed by the health endpoint.
	Checks []handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- Wallet ---
	keys, err := crypto.NewKeySource(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wallet", err)
	}
	deps.Keys = keys

	// --- Chains ---
	primary, err := evm.Dial(ctx, cfg.Primary.RPCURL, evm.Options{
		Name:               "primary",
		ChainID:            cfg.Primary.ChainID,
		Confirmations:      uint64(cfg.Primary.Confirmations),
		GasLimitMultiplier: cfg.Primary.GasLimitMultiplier,
	}, logger)
	if err != nil {
		return fail("primary chain", err)
	}
	closers = append(closers, primary.Close)
	deps.Primary = primary
	deps.Checks = append(deps.Checks, handler.Check{Name: "primary_rpc", Ping: primary.CheckNetwork})

	// Log subscriptions need a websocket transport; an HTTP rpc_url only
	// supports eth_getLogs polling.
	if cfg.Primary.WSURL != "" {
		logs, err := evm.Dial(ctx, cfg.Primary.WSURL, evm.Options{
			Name:    "primary_ws",
			ChainID: cfg.Primary.ChainID,
		}, logger)
		if err != nil {
			return fail("primary websocket", err)
		}
		closers = append(closers, logs.Close)
		deps.Logs = logs
		deps.Checks = append(deps.Checks, handler.Check{Name: "primary_ws", Ping: logs.CheckNetwork})
	}

	if cfg.Automation.RPCURL != "" {
		automation, err := evm.Dial(ctx, cfg.Automation.RPCURL, evm.Options{
			Name:    "automation",
			ChainID: cfg.Automation.ChainID,
		}, logger)
		if err != nil {
			return fail("automation chain", err)
		}
		closers = append(closers, automation.Close)
		deps.Automation = automation
	}

	// --- PostgreSQL (only for modes that run sessions) ---
	if cfg.NeedsPersistence() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		stores := pgClient.Stores()
		deps.Sessions = stores.Sessions
		deps.Iterations = stores.Iterations
		deps.Activity = stores.Activity
		deps.Audit = stores.Audit
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Ping: pgClient.Ping})
	}

	// --- Redis, or in-process fan-out for a single replica ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			Namespace:   cfg.Redis.Namespace,
			SnapshotTTL: cfg.Redis.SnapshotTTL.Duration,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Snapshots = redis.NewSnapshotCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Ping: redisClient.Ping})
	} else {
		logger.WarnContext(ctx, "redis not configured, using in-process fan-out")
		deps.Bus = memory.NewBus()
		deps.Snapshots = memory.NewSnapshots()
	}

	// --- S3 session archive ---
	if cfg.S3.ArchiveEnabled {
		bucket, err := s3blob.Open(ctx, s3blob.BucketConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(bucket, bucket, deps.Audit)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Ping: bucket.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger).WithThrottle(deps.Limiter)

	return deps, cleanup, nil
}

// Engine is the session layer built on top of Dependencies.
type Engine struct {
	Manager *service.SessionManager
	Journal *service.Journal
	Probe   *service.AutomationProbe
}

// BuildEngine assembles the services of the loop engine. Sessions run under
// root.
func BuildEngine(root context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	maxPermit, err := wholeTokens(cfg.Wallet.MaxPermitAmount)
	if err != nil {
		return nil, fmt.Errorf("wire: max_permit_amount: %w", err)
	}
	minBalance, err := wholeTokens(cfg.Automation.MinBalance)
	if err != nil {
		return nil, fmt.Errorf("wire: min_balance: %w", err)
	}

	journalDeps := service.JournalDeps{
		Sessions:   deps.Sessions,
		Iterations: deps.Iterations,
		Activity:   deps.Activity,
		Bus:        deps.Bus,
		Snapshots:  deps.Snapshots,
	}
	var archive domain.ArchiveReader
	if deps.Archiver != nil {
		journalDeps.Archiver = deps.Archiver
		archive = deps.Archiver
	}
	journal := service.NewJournal(journalDeps, logger)

	var automation service.AutomationChain
	if deps.Automation != nil {
		automation = deps.Automation
	}
	probe := service.NewAutomationProbe(automation, minBalance, deps.Audit, logger)

	txTimeout := cfg.Primary.TxTimeout.Duration
	submitter := service.NewSubmitter(deps.Primary, deps.Audit, txTimeout, logger)
	tokens := service.Tokens{
		Collateral: common.HexToAddress(cfg.Contracts.CollateralToken),
		Debt:       common.HexToAddress(cfg.Contracts.DebtToken),
	}

	manager := service.NewSessionManager(root, service.ManagerConfig{
		Tokens: tokens,
		Session: service.SessionConfig{
			Policy: loop.Policy{
				TargetLTVBps:  cfg.Loop.TargetLTVBps,
				MaxIterations: cfg.Loop.MaxIterations,
			},
			DangerThresholdPct: cfg.Loop.DangerThresholdPct,
			WatchdogTimeout:    cfg.Loop.WatchdogTimeout.Duration,
		},
		Reader: service.ReaderConfig{
			Interval:         cfg.Loop.PollInterval.Duration,
			RetryDelay:       cfg.Loop.PollRetryDelay.Duration,
			FailureThreshold: cfg.Loop.PollFailureThreshold,
		},
		Monitor: service.MonitorConfig{
			BaseDelay:       cfg.Loop.ResubscribeBaseDelay.Duration,
			MaxDelay:        cfg.Loop.ResubscribeMaxDelay.Duration,
			MaxAttempts:     cfg.Loop.MaxResubscribeAttempts,
			LogPollInterval: cfg.Loop.LogPollInterval.Duration,
		},
		TxTimeout:    txTimeout,
		AssignCaller: cfg.Loop.AssignCaller,
	}, service.ManagerDeps{
		Chain:      deps.Primary,
		Logs:       deps.logSource(),
		Keys:       deps.Keys,
		Permits:    service.NewPermitAuthorizer(deps.Primary, deps.Primary.ExpectedChainID(), cfg.Loop.PermitTTL.Duration, maxPermit, logger),
		Deposits:   service.NewDepositInitiator(deps.Primary, submitter, logger),
		Ops:        service.NewPositionOps(deps.Primary, submitter, tokens, logger),
		Probe:      probe,
		Locks:      deps.Locks,
		Journal:    journal,
		Notifier:   deps.Notifier,
		Sessions:   deps.Sessions,
		Iterations: deps.Iterations,
		Activity:   deps.Activity,
		Archive:    archive,
	}, logger)

	return &Engine{Manager: manager, Journal: journal, Probe: probe}, nil
}

// logSource is the client the event monitor subscribes through: the
// websocket endpoint when configured, the primary rpc_url otherwise.
func (d *Dependencies) logSource() *evm.Client {
	if d.Logs != nil {
		return d.Logs
	}
	return d.Primary
}

// configuredRequest returns the automation account and caller from the
// contracts section, if both are set.
func configuredRequest(cfg *config.Config) (service.ConfigureRequest, bool) {
	c := cfg.Contracts
	if !common.IsHexAddress(c.AutomationAccount) || !common.IsHexAddress(c.AutomationCaller) {
		return service.ConfigureRequest{}, false
	}
	return service.ConfigureRequest{
		Account: common.HexToAddress(c.AutomationAccount),
		Caller:  common.HexToAddress(c.AutomationCaller),
	}, true
}

// wholeTokens converts a decimal amount in whole tokens to base units. An
// empty string yields nil.
func wholeTokens(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return domain.ToUnits(d, tokenDecimals), nil
}
