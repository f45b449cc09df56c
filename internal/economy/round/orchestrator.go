// Package round drives one market round end to end: lifecycle sweep,
// bidding, auction settlement, profit distribution, upkeep, and trigger
// handling. Stages run in order; within a stage, independent agents and
// tasks fan out concurrently since each unit of work owns its own rows.
package round

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agora/internal/economy/autopilot"
	"agora/internal/economy/distribution"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/economy/settlement"
	"agora/internal/economy/trigger"
	"agora/internal/money"
	"agora/internal/shared/async"
	"agora/internal/shared/logging"
)

// Config tunes the pipeline.
type Config struct {
	// Parallelism caps concurrent workers inside fan-out stages.
	Parallelism int
	// TriggerBudget caps advisor dispatches per round so one bad round
	// cannot stampede the advisor.
	TriggerBudget int
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{Parallelism: 8, TriggerBudget: 4}
}

// Orchestrator owns the round pipeline.
type Orchestrator struct {
	agents       ports.AgentRepository
	policies     ports.PolicyRepository
	tasks        ports.TaskRepository
	bids         ports.BidRepository
	runtime      ports.RuntimeRepository
	audit        ports.AuditLog
	settlement   *settlement.Service
	distribution *distribution.Service
	triggers     *trigger.Service
	config       Config
	metrics      *Metrics
	logger       logging.Logger
	now          func() time.Time

	// background tracks in-flight advisor dispatches so shutdown can
	// drain them.
	background sync.WaitGroup
}

// NewOrchestrator wires the pipeline. A nil metrics falls back to the
// package-level collectors on the default registry.
func NewOrchestrator(
	agents ports.AgentRepository,
	policies ports.PolicyRepository,
	tasks ports.TaskRepository,
	bids ports.BidRepository,
	runtime ports.RuntimeRepository,
	audit ports.AuditLog,
	settlementSvc *settlement.Service,
	distributionSvc *distribution.Service,
	triggerSvc *trigger.Service,
	config Config,
	metrics *Metrics,
	logger logging.Logger,
) *Orchestrator {
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultConfig().Parallelism
	}
	if config.TriggerBudget <= 0 {
		config.TriggerBudget = DefaultConfig().TriggerBudget
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &Orchestrator{
		agents:       agents,
		policies:     policies,
		tasks:        tasks,
		bids:         bids,
		runtime:      runtime,
		audit:        audit,
		settlement:   settlementSvc,
		distribution: distributionSvc,
		triggers:     triggerSvc,
		config:       config,
		metrics:      metrics,
		logger:       logging.OrNop(logger),
		now:          time.Now,
	}
}

// WithNow injects a deterministic clock for tests.
func (o *Orchestrator) WithNow(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// Summary reports what one round did.
type Summary struct {
	Round             int
	OpenTasks         int
	BidsPlaced        int
	TasksSettled      int
	TasksExpired      int
	Wins              []distribution.Outcome
	// TotalRevenue is the sum of revenue across this round's wins.
	TotalRevenue money.Amount
	// LifecycleTransitions counts status changes from both sweeps.
	LifecycleTransitions int
	TriggersFired        int
	AdvisorDispatched    int
	Agents            []domain.Agent
	Market            domain.MarketSnapshot
	Elapsed           time.Duration
}

// Run executes one full round. Stages run sequentially; a stage error
// aborts the round, everything committed by earlier stages stands (each
// stage is idempotent on re-run).
func (o *Orchestrator) Run(ctx context.Context, round int) (Summary, error) {
	started := o.now()
	summary := Summary{Round: round}

	if err := o.stage(ctx, "lifecycle", func(ctx context.Context) error {
		moved, err := o.sweepLifecycle(ctx, round)
		summary.LifecycleTransitions += moved
		return err
	}); err != nil {
		return summary, err
	}

	openTasks, err := o.tasks.ListOpen(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing open tasks: %w", err)
	}
	summary.OpenTasks = len(openTasks)

	if err := o.stage(ctx, "bidding", func(ctx context.Context) error {
		placed, err := o.runBidding(ctx, round, openTasks)
		summary.BidsPlaced = placed
		return err
	}); err != nil {
		return summary, err
	}

	var results []settlement.Result
	if err := o.stage(ctx, "settlement", func(ctx context.Context) error {
		results, err = o.runSettlement(ctx, openTasks)
		return err
	}); err != nil {
		return summary, err
	}
	for _, res := range results {
		if res.Expired {
			summary.TasksExpired++
		} else if !res.AlreadySettled {
			summary.TasksSettled++
		}
	}

	if err := o.stage(ctx, "distribution", func(ctx context.Context) error {
		wins, err := o.runDistribution(ctx, round, results)
		summary.Wins = wins
		for _, win := range wins {
			summary.TotalRevenue += win.Revenue
		}
		return err
	}); err != nil {
		return summary, err
	}

	if err := o.stage(ctx, "upkeep", func(ctx context.Context) error {
		return o.runUpkeep(ctx, round)
	}); err != nil {
		return summary, err
	}

	market, err := o.snapshotMarket(ctx, round)
	if err != nil {
		return summary, err
	}
	summary.Market = market

	if err := o.stage(ctx, "triggers", func(ctx context.Context) error {
		fired, dispatched, err := o.runTriggers(ctx, round, market)
		summary.TriggersFired = fired
		summary.AdvisorDispatched = dispatched
		return err
	}); err != nil {
		return summary, err
	}

	if err := o.stage(ctx, "finalize", func(ctx context.Context) error {
		return o.finalize(ctx, round, &summary)
	}); err != nil {
		return summary, err
	}

	summary.Elapsed = o.now().Sub(started)
	o.logger.Info("round %d: %d open tasks, %d bids, %d settled, %d expired, %d triggers (%s)",
		round, summary.OpenTasks, summary.BidsPlaced, summary.TasksSettled, summary.TasksExpired,
		summary.TriggersFired, summary.Elapsed)
	return summary, nil
}

// Wait drains background advisor dispatches. Call before shutdown or in
// tests that assert on trigger side effects.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// stage wraps one pipeline stage with timing metrics.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		o.metrics.IncStageFailure(name)
	}
	o.metrics.ObserveStageDuration(name, status, time.Since(started))
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

// sweepLifecycle reclassifies every agent from its balance and reports how
// many statuses moved. Status changes are audited.
func (o *Orchestrator) sweepLifecycle(ctx context.Context, round int) (int, error) {
	agents, err := o.agents.List(ctx)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, agent := range agents {
		next := autopilot.Classify(agent.Status, agent.Balance, agent.Costs)
		if next == agent.Status {
			continue
		}
		prev := agent.Status
		agent.Status = next
		agent.UpdatedAt = o.now()
		if _, err := o.agents.Update(ctx, agent); err != nil {
			return moved, fmt.Errorf("updating agent %s: %w", agent.ID, err)
		}
		moved++
		o.logger.Info("agent %s: %s -> %s (balance %s)", agent.ID, prev, next, agent.Balance)
		if _, err := o.audit.Append(ctx, domain.AuditEvent{
			ID:        uuid.NewString(),
			Kind:      domain.AuditLifecycle,
			AgentID:   agent.ID,
			Round:     round,
			Detail:    fmt.Sprintf("status %s -> %s", prev, next),
			CreatedAt: o.now(),
		}); err != nil {
			o.logger.Warn("audit lifecycle for %s: %v", agent.ID, err)
		}
	}
	return moved, nil
}

// runBidding lets every funded agent place at most one bid this round.
// Candidate tasks are scanned in posting order; the first task the policy
// approves gets the bid. The submission fee is debited at placement, win
// or lose.
func (o *Orchestrator) runBidding(ctx context.Context, round int, openTasks []domain.Task) (int, error) {
	agents, err := o.agents.List(ctx)
	if err != nil {
		return 0, err
	}

	byType := make(map[domain.AgentType][]domain.Task)
	for _, task := range openTasks {
		byType[task.Type] = append(byType[task.Type], task)
	}
	for _, tasks := range byType {
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	}

	var placed int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for _, agent := range agents {
		agent := agent
		if agent.Status == domain.StatusDead || agent.Status == domain.StatusPaused {
			continue
		}
		g.Go(func() error {
			bid, err := o.placeBid(gctx, agent, round, byType[agent.Type])
			if err != nil {
				return err
			}
			if bid {
				mu.Lock()
				placed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return placed, err
	}
	o.metrics.AddBidsPlaced(placed)
	return placed, nil
}

func (o *Orchestrator) placeBid(ctx context.Context, agent domain.Agent, round int, candidates []domain.Task) (bool, error) {
	if len(candidates) == 0 {
		return false, nil
	}
	already, err := o.bids.HasBidInRound(ctx, agent.ID, round)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	policy, err := o.policies.Current(ctx, agent.ID)
	if err != nil {
		return false, fmt.Errorf("loading policy for %s: %w", agent.ID, err)
	}

	for _, task := range candidates {
		decision := autopilot.EvaluateBid(task, policy, agent.Costs, agent.Balance)
		if !decision.Submit {
			o.logger.Debug("agent %s skips task %s: %s", agent.ID, task.ID, decision.Reasoning)
			continue
		}

		fee := agent.Costs.BidSubmission
		agent.Balance = (agent.Balance - fee).FloorZero()
		agent.UpdatedAt = o.now()
		if _, err := o.agents.Update(ctx, agent); err != nil {
			return false, fmt.Errorf("debiting bid fee for %s: %w", agent.ID, err)
		}
		if _, err := o.audit.Append(ctx, domain.AuditEvent{
			ID:        uuid.NewString(),
			Kind:      domain.AuditBidFee,
			AgentID:   agent.ID,
			TaskID:    task.ID,
			Round:     round,
			Amount:    -fee,
			Detail:    "bid submission fee",
			CreatedAt: o.now(),
		}); err != nil {
			o.logger.Warn("audit bid fee for %s: %v", agent.ID, err)
		}

		if _, err := o.bids.Create(ctx, domain.Bid{
			ID:          uuid.NewString(),
			TaskID:      task.ID,
			AgentID:     agent.ID,
			Amount:      decision.Amount,
			Status:      domain.BidPending,
			Round:       round,
			Reasoning:   decision.Reasoning,
			SubmittedAt: o.now(),
		}); err != nil {
			return false, fmt.Errorf("placing bid for %s on %s: %w", agent.ID, task.ID, err)
		}
		o.logger.Debug("agent %s bids %s on task %s: %s", agent.ID, decision.Amount, task.ID, decision.Reasoning)
		return true, nil
	}
	return false, nil
}

// runSettlement resolves every open task's auction in parallel. Tasks are
// independent rows, and settlement is idempotent, so worker failures can be
// retried by re-running the round.
func (o *Orchestrator) runSettlement(ctx context.Context, openTasks []domain.Task) ([]settlement.Result, error) {
	results := make([]settlement.Result, len(openTasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for i, task := range openTasks {
		i, task := i, task
		g.Go(func() error {
			res, err := o.settlement.Settle(gctx, task.ID)
			if err != nil {
				return fmt.Errorf("settling task %s: %w", task.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, res := range results {
		switch {
		case res.Expired:
			o.metrics.IncTaskOutcome("expired")
		case res.AlreadySettled:
		default:
			o.metrics.IncTaskOutcome("settled")
		}
	}
	return results, nil
}

// runDistribution pays out each won task and folds every bidder's outcome
// into its streak counters. Winners fan out in parallel; each winner's
// waterfall touches only its own agent, holders, and task.
func (o *Orchestrator) runDistribution(ctx context.Context, round int, results []settlement.Result) ([]distribution.Outcome, error) {
	var mu sync.Mutex
	var wins []distribution.Outcome

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for _, res := range results {
		res := res
		if res.Expired || res.AlreadySettled || res.Winner == nil {
			continue
		}
		g.Go(func() error {
			task, err := o.tasks.FindByID(gctx, res.TaskID)
			if err != nil {
				return err
			}
			outcome, err := o.distribution.DistributeWin(gctx, task)
			if err != nil {
				return fmt.Errorf("distributing task %s: %w", res.TaskID, err)
			}
			for _, scored := range res.Ranked {
				won := scored.Bid.AgentID == res.Winner.AgentID
				if err := o.distribution.RecordOutcome(gctx, scored.Bid.AgentID, round, won); err != nil {
					return fmt.Errorf("recording outcome for %s: %w", scored.Bid.AgentID, err)
				}
			}
			mu.Lock()
			wins = append(wins, outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(wins, func(i, j int) bool { return wins[i].TaskID < wins[j].TaskID })
	return wins, nil
}

// runUpkeep debits the per-round fee from every agent that is not dead.
// Paused agents still pay; only death stops the meter.
func (o *Orchestrator) runUpkeep(ctx context.Context, round int) error {
	agents, err := o.agents.List(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)
	for _, agent := range agents {
		agent := agent
		if agent.Status == domain.StatusDead {
			continue
		}
		g.Go(func() error {
			if _, err := o.distribution.ChargeUpkeep(gctx, agent.ID, round); err != nil {
				return fmt.Errorf("upkeep for %s: %w", agent.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runTriggers checks every live agent for exceptions and due reviews.
// Detection is synchronous; handling (which may call the advisor) runs in
// the background so a slow model never blocks the round.
func (o *Orchestrator) runTriggers(ctx context.Context, round int, market domain.MarketSnapshot) (fired, dispatched int, err error) {
	agents, err := o.agents.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, agent := range agents {
		if agent.Status == domain.StatusDead || agent.Status == domain.StatusPaused {
			continue
		}
		trig, err := o.triggers.Check(ctx, agent.ID, round)
		if err != nil {
			return fired, dispatched, fmt.Errorf("checking triggers for %s: %w", agent.ID, err)
		}
		if trig == nil {
			continue
		}
		fired++
		if dispatched >= o.config.TriggerBudget {
			o.logger.Warn("trigger budget exhausted at round %d, deferring %s for agent %s", round, trig.Type, agent.ID)
			continue
		}
		dispatched++
		o.metrics.IncTriggerDispatch(string(trig.Type))

		agentID := agent.ID
		t := *trig
		o.background.Add(1)
		async.Go(o.logger, fmt.Sprintf("trigger-%s-%s", agentID, t.Type), func() {
			defer o.background.Done()
			// Detached from the round's context so a finished round does
			// not cancel an in-flight consultation.
			handleCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := o.triggers.Handle(handleCtx, agentID, t, round, market); err != nil {
				o.logger.Error("handling %s for agent %s: %v", t.Type, agentID, err)
			}
		})
	}
	return fired, dispatched, nil
}

// snapshotMarket aggregates the round's market for advisor context.
func (o *Orchestrator) snapshotMarket(ctx context.Context, round int) (domain.MarketSnapshot, error) {
	open, err := o.tasks.ListOpen(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	agents, err := o.agents.List(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	snap := domain.MarketSnapshot{
		Round:        round,
		OpenTasks:    len(open),
		ActiveAgents: make(map[domain.AgentType]int),
	}
	var total money.Amount
	for _, task := range open {
		total += task.MaxBid
	}
	if len(open) > 0 {
		snap.AvgCeiling = total / money.Amount(len(open))
	}
	for _, agent := range agents {
		if agent.Status == domain.StatusActive || agent.Status == domain.StatusLowFunds {
			snap.ActiveAgents[agent.Type]++
		}
	}
	return snap, nil
}

// finalize reclassifies agents after the round's money movement and
// captures fresh snapshots for reporting.
func (o *Orchestrator) finalize(ctx context.Context, round int, summary *Summary) error {
	moved, err := o.sweepLifecycle(ctx, round)
	if err != nil {
		return err
	}
	summary.LifecycleTransitions += moved
	agents, err := o.agents.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	summary.Agents = agents

	counts := make(map[domain.LifecycleStatus]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}
	for status, n := range counts {
		o.metrics.SetAgentsByStatus(string(status), n)
	}
	return nil
}
