package round

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"agora/internal/economy/adapters"
	"agora/internal/economy/distribution"
	"agora/internal/economy/domain"
	"agora/internal/economy/settlement"
	"agora/internal/economy/trigger"
	"agora/internal/money"
)

type fixture struct {
	stores *adapters.MemoryStores
	rail   *adapters.FakePaymentRail
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := adapters.NewMemoryStores()
	rail := adapters.NewFakePaymentRail()

	settlementSvc := settlement.NewService(stores.Tasks, stores.Bids, stores.Agents, stores.Audit, nil)
	distributionSvc := distribution.NewService(stores.Agents, stores.Tasks, stores.Runtime, stores.Holdings,
		stores.Escrow, stores.Audit, rail, distribution.DefaultConfig(), nil)
	distributionSvc.WithPerturb(func() float64 { return 0 })
	triggerSvc := trigger.NewService(stores.Agents, stores.Policies, stores.Runtime, stores.Decisions,
		stores.Audit, adapters.NewMemoryJournal(), nil, trigger.DefaultConfig(), nil)

	orch := NewOrchestrator(stores.Agents, stores.Policies, stores.Tasks, stores.Bids, stores.Runtime,
		stores.Audit, settlementSvc, distributionSvc, triggerSvc, DefaultConfig(),
		MustNewMetrics(prometheus.NewRegistry()), nil)
	return &fixture{stores: stores, rail: rail, orch: orch}
}

func catalogCosts() domain.CostStructure {
	return domain.CostStructure{
		Execution:         money.FromDollars(0.05),
		BidSubmission:     money.FromDollars(0.001024),
		UpkeepPerRound:    money.FromDollars(0.004),
		WakeRate:          1.0,
		AdvisorInvocation: money.FromDollars(0.008),
		AdvisorInterval:   4,
	}
}

func (f *fixture) seedAgent(t *testing.T, id string, balance money.Amount, reputation float64, exceptions domain.ExceptionPolicy) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.stores.Agents.Create(ctx, domain.Agent{
		ID:         id,
		Name:       id,
		Type:       domain.AgentTypeCatalog,
		Wallet:     "wallet-" + id,
		Balance:    balance,
		Reputation: reputation,
		Status:     domain.StatusActive,
		Costs:      catalogCosts(),
	}); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
	if _, err := f.stores.Policies.Append(ctx, domain.Policy{
		AgentID:      id,
		TargetMargin: 0.12,
		MinMargin:    0.05,
		Exceptions:   exceptions,
	}); err != nil {
		t.Fatalf("seed policy %s: %v", id, err)
	}
	if _, err := f.stores.Runtime.Save(ctx, domain.RuntimeState{AgentID: id}); err != nil {
		t.Fatalf("seed runtime %s: %v", id, err)
	}
}

func (f *fixture) seedTask(t *testing.T, id string, ceiling money.Amount, createdAt time.Time) {
	t.Helper()
	if _, err := f.stores.Tasks.Create(context.Background(), domain.Task{
		ID:        id,
		Title:     "catalog work " + id,
		Type:      domain.AgentTypeCatalog,
		MaxBid:    ceiling,
		Status:    domain.TaskOpen,
		CreatedAt: createdAt,
	}); err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
}

func TestRunFullRoundMovesMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "agent-a", money.FromDollars(1.00), 5.0, domain.ExceptionPolicy{})
	f.seedAgent(t, "agent-b", money.FromDollars(1.00), 3.0, domain.ExceptionPolicy{})
	f.seedTask(t, "task-1", money.FromDollars(0.10), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	summary, err := f.orch.Run(ctx, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if summary.OpenTasks != 1 || summary.BidsPlaced != 2 {
		t.Fatalf("want 1 open task and 2 bids, got %d/%d", summary.OpenTasks, summary.BidsPlaced)
	}
	if summary.TasksSettled != 1 || summary.TasksExpired != 0 {
		t.Fatalf("want 1 settled 0 expired, got %d/%d", summary.TasksSettled, summary.TasksExpired)
	}
	if len(summary.Wins) != 1 {
		t.Fatalf("want 1 win, got %d", len(summary.Wins))
	}
	win := summary.Wins[0]
	if win.AgentID != "agent-a" {
		t.Fatalf("higher reputation at equal price must win, got %s", win.AgentID)
	}
	if got, want := win.Revenue, money.FromDollars(0.0648); got != want {
		t.Fatalf("winning bid = %s, want %s", got, want)
	}
	if got, want := summary.TotalRevenue, money.FromDollars(0.0648); got != want {
		t.Fatalf("total revenue = %s, want %s", got, want)
	}
	if summary.LifecycleTransitions != 0 {
		t.Fatalf("funded agents must not change status, got %d transitions", summary.LifecycleTransitions)
	}

	// Winner: start - bid fee + agent share - upkeep.
	a, _ := f.stores.Agents.FindByID(ctx, "agent-a")
	if got, want := a.Balance, money.FromDollars(1.002363); got != want {
		t.Fatalf("winner balance = %s, want %s", got, want)
	}
	// Loser pays the bid fee and upkeep, nothing else.
	b, _ := f.stores.Agents.FindByID(ctx, "agent-b")
	if got, want := b.Balance, money.FromDollars(0.994976); got != want {
		t.Fatalf("loser balance = %s, want %s", got, want)
	}

	task, _ := f.stores.Tasks.FindByID(ctx, "task-1")
	if task.Status != domain.TaskCompleted {
		t.Fatalf("task status = %s, want completed", task.Status)
	}

	stateA, _ := f.stores.Runtime.Get(ctx, "agent-a")
	stateB, _ := f.stores.Runtime.Get(ctx, "agent-b")
	if stateA.ConsecutiveWins != 1 || stateB.ConsecutiveLosses != 1 {
		t.Fatalf("streaks not recorded: a wins=%d b losses=%d", stateA.ConsecutiveWins, stateB.ConsecutiveLosses)
	}

	if summary.TriggersFired != 0 {
		t.Fatalf("no trigger thresholds configured, got %d fired", summary.TriggersFired)
	}
}

func TestRunOneBidPerAgentPerRound(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-a", money.FromDollars(1.00), 4.0, domain.ExceptionPolicy{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.seedTask(t, "task-1", money.FromDollars(0.10), base)
	f.seedTask(t, "task-2", money.FromDollars(0.10), base.Add(time.Minute))

	summary, err := f.orch.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if summary.BidsPlaced != 1 {
		t.Fatalf("one agent places one bid per round, got %d", summary.BidsPlaced)
	}
	if summary.TasksSettled != 1 || summary.TasksExpired != 1 {
		t.Fatalf("want 1 settled and 1 expired, got %d/%d", summary.TasksSettled, summary.TasksExpired)
	}

	// The earlier-posted task gets the bid.
	task, _ := f.stores.Tasks.FindByID(context.Background(), "task-1")
	if task.AssignedTo != "agent-a" {
		t.Fatalf("earliest task should be bid on, assigned to %q", task.AssignedTo)
	}
}

func TestRunRerunIsIdempotentForSettledTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "agent-a", money.FromDollars(1.00), 4.0, domain.ExceptionPolicy{})
	f.seedTask(t, "task-1", money.FromDollars(0.10), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if _, err := f.orch.Run(ctx, 1); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	f.orch.Wait()
	afterFirst, _ := f.stores.Agents.FindByID(ctx, "agent-a")

	summary, err := f.orch.Run(ctx, 1)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	f.orch.Wait()

	if summary.BidsPlaced != 0 || summary.TasksSettled != 0 {
		t.Fatalf("re-run must not re-bid or re-settle, got bids=%d settled=%d", summary.BidsPlaced, summary.TasksSettled)
	}
	// Only upkeep moves on the re-run.
	after, _ := f.stores.Agents.FindByID(ctx, "agent-a")
	if got, want := after.Balance, afterFirst.Balance-money.FromDollars(0.004); got != want {
		t.Fatalf("balance after re-run = %s, want %s", got, want)
	}
}

func TestRunDeadAgentSitsOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "agent-a", 0, 4.0, domain.ExceptionPolicy{})
	f.seedTask(t, "task-1", money.FromDollars(0.10), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	summary, err := f.orch.Run(ctx, 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if summary.BidsPlaced != 0 {
		t.Fatalf("dead agent must not bid, got %d", summary.BidsPlaced)
	}
	agent, _ := f.stores.Agents.FindByID(ctx, "agent-a")
	if agent.Status != domain.StatusDead {
		t.Fatalf("zero balance must classify dead, got %s", agent.Status)
	}
	if summary.LifecycleTransitions != 1 {
		t.Fatalf("active -> dead is one transition, got %d", summary.LifecycleTransitions)
	}
	if agent.Balance != 0 {
		t.Fatalf("dead agent pays no upkeep, balance %s", agent.Balance)
	}
}

func TestRunDispatchesTriggerAndAppliesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent(t, "agent-a", money.FromDollars(1.00), 4.0, domain.ExceptionPolicy{MaxConsecutiveLosses: 3})

	state, _ := f.stores.Runtime.Get(ctx, "agent-a")
	for i := 0; i < 3; i++ {
		state.RecordOutcome(false)
	}
	if _, err := f.stores.Runtime.Save(ctx, state); err != nil {
		t.Fatalf("save runtime: %v", err)
	}

	summary, err := f.orch.Run(ctx, 5)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if summary.TriggersFired != 1 || summary.AdvisorDispatched != 1 {
		t.Fatalf("want 1 trigger dispatched, got fired=%d dispatched=%d", summary.TriggersFired, summary.AdvisorDispatched)
	}

	policy, _ := f.stores.Policies.Current(ctx, "agent-a")
	if policy.Version != 2 {
		t.Fatalf("fallback must append a policy version, got %d", policy.Version)
	}
	if policy.TargetMargin >= 0.12 {
		t.Fatalf("loss streak must loosen margin, got %v", policy.TargetMargin)
	}

	records, _ := f.stores.Decisions.ListByAgent(ctx, "agent-a", 10)
	if len(records) != 1 || records[0].Source != domain.DecisionSourceFallback {
		t.Fatalf("want one fallback decision record, got %+v", records)
	}
}

func TestRunTriggerBudgetCapsDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		f.seedAgent(t, id, money.FromDollars(1.00), 4.0, domain.ExceptionPolicy{MaxConsecutiveLosses: 2})
		state, _ := f.stores.Runtime.Get(ctx, id)
		state.RecordOutcome(false)
		state.RecordOutcome(false)
		if _, err := f.stores.Runtime.Save(ctx, state); err != nil {
			t.Fatalf("save runtime: %v", err)
		}
	}
	f.orch.config.TriggerBudget = 1

	summary, err := f.orch.Run(ctx, 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if summary.TriggersFired != 3 {
		t.Fatalf("all three breaches detected, got %d", summary.TriggersFired)
	}
	if summary.AdvisorDispatched != 1 {
		t.Fatalf("budget of 1 must cap dispatches, got %d", summary.AdvisorDispatched)
	}
}

func TestRunRecordsPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t)
	f.orch.metrics = MustNewMetrics(reg)
	f.seedAgent(t, "agent-a", money.FromDollars(1.00), 4.0, domain.ExceptionPolicy{})
	f.seedTask(t, "task-1", money.FromDollars(0.10), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if _, err := f.orch.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.orch.Wait()

	if got := testutil.ToFloat64(f.orch.metrics.bidsPlaced); got != 1 {
		t.Fatalf("bids_placed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.orch.metrics.taskOutcomes.WithLabelValues("settled")); got != 1 {
		t.Fatalf("task_outcomes_total{settled} = %v, want 1", got)
	}
}
