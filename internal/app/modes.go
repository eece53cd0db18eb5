package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/loopbot/internal/config"
	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/loop"
	"github.com/alanyoungcy/loopbot/internal/server"
	"github.com/alanyoungcy/loopbot/internal/server/handler"
	"github.com/alanyoungcy/loopbot/internal/server/middleware"
	"github.com/alanyoungcy/loopbot/internal/server/ws"
	"github.com/alanyoungcy/loopbot/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServerMode runs the session engine behind the HTTP API and websocket hub.
// When the contracts section names an automation account the session is
// configured at startup; otherwise it waits for POST /api/session/configure.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	engine, err := a.startEngine(ctx, g, deps)
	if err != nil {
		return err
	}

	manager := engine.Manager
	hub := ws.NewHub(deps.Bus, deps.Snapshots, ws.Config{
		Channel: service.SessionChannel,
		SnapshotKey: func() (string, bool) {
			v, ok := manager.Current()
			if !ok {
				return "", false
			}
			return service.SnapshotKey(v.Session.Account.Hex()), true
		},
		Mode: a.cfg.Mode,
		CheckOrigin: func(origin string) bool {
			return middleware.OriginAllowed(a.cfg.Server.CORSOrigins, origin)
		},
	}, a.logger)
	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})

	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; running without the HTTP API")
		return ignoreCanceled(g.Wait())
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		HMACSecret:      a.cfg.Server.HMACSecret,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Session: handler.NewSessionHandler(manager, a.logger),
		History: handler.NewHistoryHandler(manager, a.logger),
	}, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return ignoreCanceled(g.Wait())
}

// MonitorMode runs one headless session for the configured automation
// account. Views still reach the bus, so a server replica can serve them.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	if _, ok := configuredRequest(a.cfg); !ok {
		return fmt.Errorf("app: monitor mode needs contracts.automation_account and contracts.automation_caller")
	}

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startEngine(ctx, g, deps); err != nil {
		return err
	}
	return ignoreCanceled(g.Wait())
}

// startEngine builds the session engine, starts its journal and configures
// the session from the contracts section when possible. On shutdown the live
// session is stopped before the journal flushes.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*Engine, error) {
	engine, err := BuildEngine(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return nil, err
	}

	jctx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	g.Go(func() error {
		return ignoreCanceled(engine.Journal.Run(jctx))
	})
	g.Go(func() error {
		<-ctx.Done()
		engine.Manager.Close()
		stopJournal()
		return nil
	})

	if req, ok := configuredRequest(a.cfg); ok {
		v, err := engine.Manager.Configure(ctx, req)
		if err != nil {
			// A bad automation account is an operator error; a server can
			// still be reconfigured over the API.
			if a.cfg.Mode != "server" {
				stopJournal()
				return nil, fmt.Errorf("app: configure session: %w", err)
			}
			a.logger.ErrorContext(ctx, "startup configure failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "session configured",
				slog.String("session_id", v.Session.ID),
				slog.String("account", v.Session.Account.Hex()),
				slog.Uint64("start_block", v.Session.StartBlock),
			)
		}
	}
	return engine, nil
}

// Report is the one-shot output of check mode.
type Report struct {
	Owner            common.Address            `json:"owner"`
	Account          common.Address            `json:"automation_account"`
	Caller           common.Address            `json:"automation_caller"`
	Position         domain.Position           `json:"position"`
	Metrics          loop.Metrics              `json:"metrics"`
	WalletCollateral decimal.Decimal           `json:"wallet_collateral"`
	WalletDebt       decimal.Decimal           `json:"wallet_debt"`
	Automation       *service.AutomationHealth `json:"automation,omitempty"`
}

// CheckMode prints the position of the configured automation account and
// the owner's token balances, then exits.
func (a *App) CheckMode(ctx context.Context, deps *Dependencies) error {
	account := common.HexToAddress(a.cfg.Contracts.AutomationAccount)
	report, err := BuildReport(ctx, deps.Primary, deps.Keys.Address(), account, a.cfg)
	if err != nil {
		return err
	}

	if deps.Automation != nil {
		minBalance, err := wholeTokens(a.cfg.Automation.MinBalance)
		if err != nil {
			return fmt.Errorf("app: min_balance: %w", err)
		}
		h := service.NewAutomationProbe(deps.Automation, minBalance, nil, a.logger).Probe(ctx, report.Caller)
		report.Automation = &h
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// BuildReport reads the account status, its configured automation caller and
// the owner's collateral and debt token balances at one block.
func BuildReport(ctx context.Context, chain service.ChainReader, owner, account common.Address, cfg *config.Config) (Report, error) {
	collateral := common.HexToAddress(cfg.Contracts.CollateralToken)
	debt := common.HexToAddress(cfg.Contracts.DebtToken)

	snap, err := service.NewPositionReader(chain, account, owner, collateral, service.ReaderConfig{}, nil, slog.Default()).Read(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("app: read position: %w", err)
	}
	block := new(big.Int).SetUint64(snap.Position.Block)
	debtBal, err := chain.BalanceOf(ctx, debt, owner, block)
	if err != nil {
		return Report{}, fmt.Errorf("app: read debt balance: %w", err)
	}
	caller, err := chain.AutomationCaller(ctx, account)
	if err != nil {
		return Report{}, fmt.Errorf("app: read automation caller: %w", err)
	}

	return Report{
		Owner:            owner,
		Account:          account,
		Caller:           caller,
		Position:         snap.Position,
		Metrics:          loop.Project(snap.Position, cfg.Loop.DangerThresholdPct),
		WalletCollateral: snap.WalletBalance,
		WalletDebt:       domain.FromWei(debtBal),
	}, nil
}

// ResumeMode calls resume() on the automation caller so it restores its
// event subscriptions, then exits.
func (a *App) ResumeMode(ctx context.Context, deps *Dependencies) error {
	if deps.Automation == nil {
		return fmt.Errorf("app: resume mode needs automation.rpc_url")
	}
	caller := common.HexToAddress(a.cfg.Contracts.AutomationCaller)
	probe := service.NewAutomationProbe(deps.Automation, nil, nil, a.logger)

	var hash common.Hash
	err := deps.Keys.Borrow(ctx, func(signer domain.Signer) error {
		var err error
		hash, err = probe.Resume(ctx, signer, caller)
		return err
	})
	if err != nil {
		return fmt.Errorf("app: resume: %w", err)
	}
	a.logger.InfoContext(ctx, "automation caller resumed",
		slog.String("caller", caller.Hex()),
		slog.String("tx_hash", hash.Hex()),
	)
	_, err = fmt.Fprintln(a.out, hash.Hex())
	return err
}

// ignoreCanceled treats shutdown by context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
