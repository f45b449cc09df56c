// Package distribution applies the profit waterfall for completed tasks
// and the flat per-round upkeep charge. It is the only mutator of agent
// balances and the only writer of the escrow ledger.
package distribution

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"agora/internal/economy/autopilot"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/money"
	"agora/internal/shared/logging"
)

// Config holds the platform-level economics.
type Config struct {
	// PlatformPct is the platform's share of positive net profit.
	PlatformPct float64
	// PlatformWallet receives the platform cut on the payment rail.
	PlatformWallet string
}

// DefaultConfig returns the standard platform economics.
func DefaultConfig() Config {
	return Config{PlatformPct: 0.05, PlatformWallet: "wallet-platform"}
}

// Service computes and applies distributions.
type Service struct {
	agents   ports.AgentRepository
	tasks    ports.TaskRepository
	runtime  ports.RuntimeRepository
	holdings ports.HoldingRepository
	escrow   ports.EscrowLedger
	audit    ports.AuditLog
	rail     ports.PaymentRail
	config   Config
	logger   logging.Logger
	now      func() time.Time
	perturb  func() float64
}

// NewService constructs the distribution service.
func NewService(agents ports.AgentRepository, tasks ports.TaskRepository, runtime ports.RuntimeRepository, holdings ports.HoldingRepository, escrow ports.EscrowLedger, audit ports.AuditLog, rail ports.PaymentRail, config Config, logger logging.Logger) *Service {
	if config.PlatformPct <= 0 {
		config = DefaultConfig()
	}
	return &Service{
		agents:   agents,
		tasks:    tasks,
		runtime:  runtime,
		holdings: holdings,
		escrow:   escrow,
		audit:    audit,
		rail:     rail,
		config:   config,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		// Reputation drifts up slightly more than down so sustained
		// winners trend toward the cap without sticking to it.
		perturb: func() float64 { return rand.Float64()*0.20 - 0.05 },
	}
}

// WithNow injects a deterministic clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithPerturb injects a deterministic reputation perturbation for tests.
func (s *Service) WithPerturb(perturb func() float64) {
	if perturb != nil {
		s.perturb = perturb
	}
}

// Outcome reports one completed distribution. PlatformCut + InvestorCredited
// + AgentShare reconstructs NetProfit exactly; every rounding remainder
// lands in AgentShare.
type Outcome struct {
	TaskID           string
	AgentID          string
	Revenue          money.Amount
	GrossProfit      money.Amount
	NetProfit        money.Amount
	PlatformCut      money.Amount
	InvestorCredited money.Amount
	AgentShare       money.Amount
	Settled          bool
	TxHash           string
}

// DistributeWin completes an assigned task and applies the waterfall:
// gross = revenue - execution cost; net = gross - per-task overhead
// estimate; platform takes its percentage of positive net only; the rest
// splits between agent and token holders by the agent's basis-point share,
// holder credits accruing to escrow rather than paying out directly.
func (s *Service) DistributeWin(ctx context.Context, task domain.Task) (Outcome, error) {
	if task.AssignedTo == "" {
		return Outcome{}, fmt.Errorf("task %s has no assignee", task.ID)
	}
	agent, err := s.agents.FindByID(ctx, task.AssignedTo)
	if err != nil {
		return Outcome{}, err
	}

	revenue := task.WinningBid
	gross := revenue - agent.Costs.Execution
	// The overhead estimate is the amortized slice of the all-in floor:
	// submission, upkeep, and advisor spend per task. It shapes the split
	// but is not itself a ledger mutation; upkeep is charged separately.
	overhead := autopilot.AllInCost(agent.Costs) - agent.Costs.Execution
	net := gross - overhead

	outcome := Outcome{
		TaskID:      task.ID,
		AgentID:     agent.ID,
		Revenue:     revenue,
		GrossProfit: gross,
		NetProfit:   net,
	}

	if net > 0 {
		outcome.PlatformCut = net.MulRate(s.config.PlatformPct)
		afterPlatform := net - outcome.PlatformCut

		investorPool := afterPlatform.BasisPoints(agent.InvestorBps)
		credited, err := s.creditInvestors(ctx, agent, task, investorPool)
		if err != nil {
			return Outcome{}, err
		}
		outcome.InvestorCredited = credited
		outcome.AgentShare = net - outcome.PlatformCut - credited
	} else {
		// A loss is absorbed entirely by the agent; the platform never
		// extracts value from negative profit and investors see nothing.
		outcome.AgentShare = net
	}

	agent.Balance = (agent.Balance + outcome.AgentShare).FloorZero()
	agent.Reputation = clampReputation(agent.Reputation + s.perturb())
	agent.UpdatedAt = s.now()
	if _, err := s.agents.Update(ctx, agent); err != nil {
		return Outcome{}, err
	}

	completedAt := s.now()
	task.Status = domain.TaskCompleted
	task.CompletedAt = &completedAt
	if _, err := s.tasks.Update(ctx, task); err != nil {
		return Outcome{}, err
	}

	if outcome.PlatformCut > 0 && s.rail != nil {
		receipt, err := s.rail.Pay(ctx, agent.Wallet, s.config.PlatformWallet, outcome.PlatformCut)
		if err != nil {
			// Ledger-side distribution stands; the on-chain leg is
			// reconciled later from the audit trail's missing hash.
			s.logger.Warn("payment rail failed for task %s: %v", task.ID, err)
		} else {
			outcome.Settled = receipt.Settled
			outcome.TxHash = receipt.TxHash
		}
		s.appendAudit(ctx, domain.AuditEvent{
			Kind:    domain.AuditPayment,
			AgentID: agent.ID,
			TaskID:  task.ID,
			Round:   task.Round,
			Amount:  outcome.PlatformCut,
			Detail:  fmt.Sprintf("platform cut transfer settled=%v", outcome.Settled),
			TxHash:  outcome.TxHash,
		})
	}

	if state, err := s.runtime.Get(ctx, agent.ID); err == nil {
		state.LifetimeRevenue += revenue
		state.LifetimeCost += agent.Costs.Execution
		state.UpdatedAt = s.now()
		if _, err := s.runtime.Save(ctx, state); err != nil {
			s.logger.Warn("runtime save for %s: %v", agent.ID, err)
		}
	}

	s.appendAudit(ctx, domain.AuditEvent{
		Kind:    domain.AuditDistribution,
		AgentID: agent.ID,
		TaskID:  task.ID,
		Round:   task.Round,
		Amount:  outcome.AgentShare,
		Detail: fmt.Sprintf("revenue %s, net %s, platform %s, investors %s",
			revenue, net, outcome.PlatformCut, outcome.InvestorCredited),
	})

	return outcome, nil
}

// creditInvestors splits the investor pool pro-rata across token holders,
// crediting escrow. Truncation dust stays out of the credited total and
// therefore folds back into the agent share. An agent with no holders
// keeps the whole pool.
func (s *Service) creditInvestors(ctx context.Context, agent domain.Agent, task domain.Task, pool money.Amount) (money.Amount, error) {
	if pool <= 0 {
		return 0, nil
	}
	holders, err := s.holdings.ListByAgent(ctx, agent.ID)
	if err != nil {
		return 0, err
	}
	var totalTokens int64
	for _, holding := range holders {
		totalTokens += holding.Tokens
	}
	if totalTokens <= 0 {
		return 0, nil
	}

	var credited money.Amount
	for _, holding := range holders {
		share := pool.ProRata(holding.Tokens, totalTokens)
		if share <= 0 {
			continue
		}
		if _, err := s.escrow.AppendEntry(ctx, domain.EscrowEntry{
			ID:        uuid.NewString(),
			HolderID:  holding.HolderID,
			AgentID:   agent.ID,
			TaskID:    task.ID,
			Amount:    share,
			CreatedAt: s.now(),
		}); err != nil {
			return credited, err
		}
		credited += share
		s.appendAudit(ctx, domain.AuditEvent{
			Kind:    domain.AuditEscrow,
			AgentID: agent.ID,
			TaskID:  task.ID,
			Round:   task.Round,
			Amount:  share,
			Detail:  fmt.Sprintf("escrow credit to %s (%d/%d tokens)", holding.HolderID, holding.Tokens, totalTokens),
		})
	}
	return credited, nil
}

// RecordOutcome folds a win/loss into the agent's streaks and trailing
// window.
func (s *Service) RecordOutcome(ctx context.Context, agentID string, round int, won bool) error {
	state, err := s.runtime.Get(ctx, agentID)
	if err != nil {
		return err
	}
	state.Round = round
	state.RecordOutcome(won)
	state.UpdatedAt = s.now()
	_, err = s.runtime.Save(ctx, state)
	return err
}

// ChargeUpkeep debits the flat per-round fee, flooring the balance at zero.
// Returns the amount actually charged.
func (s *Service) ChargeUpkeep(ctx context.Context, agentID string, round int) (money.Amount, error) {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return 0, err
	}
	fee := agent.Costs.UpkeepPerRound
	charged := money.Min(fee, agent.Balance)
	agent.Balance = (agent.Balance - fee).FloorZero()
	agent.UpdatedAt = s.now()
	if _, err := s.agents.Update(ctx, agent); err != nil {
		return 0, err
	}
	s.appendAudit(ctx, domain.AuditEvent{
		Kind:    domain.AuditUpkeep,
		AgentID: agent.ID,
		Round:   round,
		Amount:  -charged,
		Detail:  fmt.Sprintf("round upkeep (fee %s, balance now %s)", fee, agent.Balance),
	})
	return charged, nil
}

func (s *Service) appendAudit(ctx context.Context, event domain.AuditEvent) {
	event.ID = uuid.NewString()
	event.CreatedAt = s.now()
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.logger.Warn("audit append: %v", err)
	}
}

func clampReputation(rep float64) float64 {
	if rep < 0 {
		return 0
	}
	if rep > domain.ReputationMax {
		return domain.ReputationMax
	}
	return rep
}
