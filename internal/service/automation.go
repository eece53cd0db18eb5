package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
	"github.com/alanyoungcy/loopbot/internal/platform/evm"
)

// AutomationHealth is the result of probing the automation caller.
type AutomationHealth struct {
	Caller      common.Address `json:"caller"`
	NetworkOK   bool           `json:"network_ok"`
	Deployed    bool           `json:"deployed"`
	Balance     *big.Int       `json:"balance"`
	Underfunded bool           `json:"underfunded"`
	Problems    []string       `json:"problems,omitempty"`
}

// AutomationProbe inspects the automation caller on the automation chain.
// Findings are warnings; they never fail a session.
type AutomationProbe struct {
	chain      AutomationChain
	minBalance *big.Int
	submitter  *Submitter
	logger     *slog.Logger
}

// NewAutomationProbe creates an AutomationProbe. chain may be nil when no
// automation RPC is configured.
func NewAutomationProbe(chain AutomationChain, minBalance *big.Int, audit domain.AuditStore, logger *slog.Logger) *AutomationProbe {
	p := &AutomationProbe{
		chain:      chain,
		minBalance: minBalance,
		logger:     logger.With(slog.String("component", "automation")),
	}
	if chain != nil {
		p.submitter = NewSubmitter(chain, audit, 0, logger)
	}
	return p
}

// Probe checks network, deployment and native balance of caller.
func (p *AutomationProbe) Probe(ctx context.Context, caller common.Address) AutomationHealth {
	h := AutomationHealth{Caller: caller}
	if p.chain == nil {
		h.Problems = append(h.Problems, "automation chain not configured")
		return h
	}
	if err := p.chain.CheckNetwork(ctx); err != nil {
		h.Problems = append(h.Problems, err.Error())
	} else {
		h.NetworkOK = true
	}
	deployed, err := p.chain.HasCode(ctx, caller)
	switch {
	case err != nil:
		h.Problems = append(h.Problems, err.Error())
	case !deployed:
		h.Problems = append(h.Problems, "no contract at automation caller address")
	default:
		h.Deployed = true
	}
	bal, err := p.chain.BalanceAt(ctx, caller)
	if err != nil {
		h.Problems = append(h.Problems, err.Error())
	} else {
		h.Balance = bal
		if p.minBalance != nil && bal.Cmp(p.minBalance) < 0 {
			h.Underfunded = true
			h.Problems = append(h.Problems, fmt.Sprintf("caller balance %s below minimum %s", bal, p.minBalance))
		}
	}
	for _, problem := range h.Problems {
		p.logger.WarnContext(ctx, "automation caller check", slog.String("caller", caller.Hex()), slog.String("problem", problem))
	}
	return h
}

// Resume calls resume() on the automation caller so it re-subscribes to the
// primary chain events after a pause.
func (p *AutomationProbe) Resume(ctx context.Context, signer domain.Signer, caller common.Address) (common.Hash, error) {
	if p.chain == nil {
		return common.Hash{}, domain.NewError(domain.KindConfiguration, "resume", domain.ErrNotConfigured, fmt.Errorf("automation chain rpc missing"))
	}
	data, err := evm.PackResume()
	if err != nil {
		return common.Hash{}, err
	}
	hash, _, err := p.submitter.Submit(ctx, signer, "resume", caller, data, nil)
	return hash, err
}
