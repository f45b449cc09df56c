package trigger

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"agora/internal/economy/adapters"
	"agora/internal/economy/autopilot"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/money"
)

type stubAdvisor struct {
	response ports.AdvisorResponse
	err      error
	requests []ports.AdvisorRequest
}

func (a *stubAdvisor) Invoke(_ context.Context, req ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	a.requests = append(a.requests, req)
	if a.err != nil {
		return ports.AdvisorResponse{}, a.err
	}
	return a.response, nil
}

func seedAgent(t *testing.T, stores *adapters.MemoryStores, balance money.Amount, reputation float64) domain.Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := stores.Agents.Create(ctx, domain.Agent{
		ID:         "agent-1",
		Name:       "corner-catalog",
		Type:       domain.AgentTypeCatalog,
		Wallet:     "wallet-1",
		Balance:    balance,
		Reputation: reputation,
		Status:     domain.StatusActive,
		Costs: domain.CostStructure{
			Execution:         money.FromDollars(0.05),
			BidSubmission:     money.FromDollars(0.001),
			UpkeepPerRound:    money.FromDollars(0.004),
			WakeRate:          1.0,
			AdvisorInvocation: money.FromDollars(0.008),
			AdvisorInterval:   4,
		},
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if _, err := stores.Policies.Append(ctx, domain.Policy{
		AgentID:      agent.ID,
		TargetMargin: 0.12,
		MinMargin:    0.05,
		BidFloor:     money.FromDollars(0.01),
		Exceptions: domain.ExceptionPolicy{
			MaxConsecutiveLosses: 5,
			BalanceFloor:         money.FromDollars(0.10),
		},
		Review: domain.ReviewPolicy{IntervalRounds: 10},
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	if _, err := stores.Runtime.Save(ctx, domain.RuntimeState{AgentID: agent.ID}); err != nil {
		t.Fatalf("seed runtime: %v", err)
	}
	return agent
}

func newService(stores *adapters.MemoryStores, advisor ports.Advisor) *Service {
	svc := NewService(stores.Agents, stores.Policies, stores.Runtime, stores.Decisions, stores.Audit, adapters.NewMemoryJournal(), advisor, DefaultConfig(), nil)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return base })
	return svc
}

func TestCheckDetectsLossStreak(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	state, _ := stores.Runtime.Get(ctx, agent.ID)
	for i := 0; i < 5; i++ {
		state.RecordOutcome(false)
	}
	if _, err := stores.Runtime.Save(ctx, state); err != nil {
		t.Fatalf("save runtime: %v", err)
	}

	svc := newService(stores, nil)
	trig, err := svc.Check(ctx, agent.ID, 12)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if trig == nil || trig.Type != domain.TriggerConsecutiveLosses {
		t.Fatalf("want consecutive_losses trigger, got %+v", trig)
	}
}

func TestCheckCooldownSuppressesTrigger(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(0.05), 4.0) // below the balance floor
	ctx := context.Background()

	state, _ := stores.Runtime.Get(ctx, agent.ID)
	state.LastTriggerRound = 10
	if _, err := stores.Runtime.Save(ctx, state); err != nil {
		t.Fatalf("save runtime: %v", err)
	}

	svc := newService(stores, nil)
	trig, err := svc.Check(ctx, agent.ID, 13)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if trig != nil {
		t.Fatalf("cooldown should suppress trigger, got %+v", trig)
	}

	// One round past the window, it fires again.
	trig, err = svc.Check(ctx, agent.ID, 15)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if trig == nil || trig.Type != domain.TriggerLowBalance {
		t.Fatalf("want low_balance after cooldown, got %+v", trig)
	}
}

func TestCheckScheduledReviewWhenHealthy(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	svc := newService(stores, nil)
	trig, err := svc.Check(ctx, agent.ID, 10)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if trig == nil || trig.Type != domain.TriggerScheduledReview {
		t.Fatalf("want scheduled_review at round 10, got %+v", trig)
	}

	trig, err = svc.Check(ctx, agent.ID, 9)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if trig != nil {
		t.Fatalf("no review owed at round 9, got %+v", trig)
	}
}

func TestHandleAppliesAdvisorDelta(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	target := 0.08
	advisor := &stubAdvisor{response: ports.AdvisorResponse{
		Delta:     ports.PolicyDelta{TargetMargin: &target},
		Reasoning: "undercut the market until reputation recovers",
	}}
	svc := newService(stores, advisor)

	trig := domain.Trigger{Type: domain.TriggerConsecutiveLosses, Detail: "5 straight losses"}
	if err := svc.Handle(ctx, agent.ID, trig, 12, domain.MarketSnapshot{Round: 12}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	policy, err := stores.Policies.Current(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if policy.Version != 2 {
		t.Fatalf("want policy version 2, got %d", policy.Version)
	}
	if policy.TargetMargin != 0.08 {
		t.Fatalf("want target margin 0.08, got %v", policy.TargetMargin)
	}
	if policy.MinMargin != 0.05 {
		t.Fatalf("untouched fields must carry over, min margin got %v", policy.MinMargin)
	}

	records, err := stores.Decisions.ListByAgent(ctx, agent.ID, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("want 1 decision record, got %d", len(records))
	}
	if records[0].Source != domain.DecisionSourceAdvisor {
		t.Fatalf("want advisor source, got %s", records[0].Source)
	}
	if records[0].NewVersion != 2 {
		t.Fatalf("decision record must point at version 2, got %d", records[0].NewVersion)
	}

	// The invocation was paid for.
	updated, _ := stores.Agents.FindByID(ctx, agent.ID)
	if got, want := updated.Balance, money.FromDollars(0.992); got != want {
		t.Fatalf("balance after advisor fee = %s, want %s", got, want)
	}
	state, _ := stores.Runtime.Get(ctx, agent.ID)
	if state.AdvisorCalls != 1 {
		t.Fatalf("want 1 advisor call recorded, got %d", state.AdvisorCalls)
	}
	if state.LastTriggerRound != 12 {
		t.Fatalf("want LastTriggerRound 12, got %d", state.LastTriggerRound)
	}
}

func TestHandleFallsBackOnAdvisorError(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	advisor := &stubAdvisor{err: errors.New("model timeout")}
	svc := newService(stores, advisor)

	trig := domain.Trigger{Type: domain.TriggerConsecutiveLosses}
	if err := svc.Handle(ctx, agent.ID, trig, 8, domain.MarketSnapshot{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	policy, _ := stores.Policies.Current(ctx, agent.ID)
	if policy.Version != 2 {
		t.Fatalf("fallback must still append a version, got %d", policy.Version)
	}
	if got, want := policy.TargetMargin, 0.10; math.Abs(got-want) > 1e-9 {
		t.Fatalf("fallback margin = %v, want %v", got, want)
	}

	records, _ := stores.Decisions.ListByAgent(ctx, agent.ID, 10)
	if len(records) != 1 || records[0].Source != domain.DecisionSourceFallback {
		t.Fatalf("want one fallback decision record, got %+v", records)
	}

	// No advisor fee for a failed consultation that fell back.
	updated, _ := stores.Agents.FindByID(ctx, agent.ID)
	if got, want := updated.Balance, money.FromDollars(1.00); got != want {
		t.Fatalf("balance = %s, want %s", got, want)
	}
}

func TestHandleFallbackRespectsMinMargin(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	// Drive the margin down in two steps; it must stop at the minimum.
	svc := newService(stores, nil)
	for round := 10; ; round += DefaultConfig().CooldownRounds {
		policy, _ := stores.Policies.Current(ctx, agent.ID)
		if policy.TargetMargin <= policy.MinMargin+1e-9 {
			break
		}
		trig := domain.Trigger{Type: domain.TriggerWinRateDrop}
		if err := svc.Handle(ctx, agent.ID, trig, round, domain.MarketSnapshot{}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	policy, _ := stores.Policies.Current(ctx, agent.ID)
	if policy.TargetMargin < policy.MinMargin {
		t.Fatalf("fallback drove margin %v below minimum %v", policy.TargetMargin, policy.MinMargin)
	}
}

func TestHandleLowBalanceTightensMargin(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(0.08), 4.0)
	ctx := context.Background()

	svc := newService(stores, nil)
	trig := domain.Trigger{Type: domain.TriggerLowBalance}
	if err := svc.Handle(ctx, agent.ID, trig, 6, domain.MarketSnapshot{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	policy, _ := stores.Policies.Current(ctx, agent.ID)
	if got, want := policy.TargetMargin, 0.14; math.Abs(got-want) > 1e-9 {
		t.Fatalf("low-balance fallback margin = %v, want %v", got, want)
	}
}

func TestHandleReviewCheckpointsBaselines(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 3.5)
	ctx := context.Background()

	state, _ := stores.Runtime.Get(ctx, agent.ID)
	for i := 0; i < 4; i++ {
		state.RecordOutcome(true)
	}
	state.RecordOutcome(false)
	state.CheckpointRep = 4.5
	state.CheckpointWinRate = 1.0
	if _, err := stores.Runtime.Save(ctx, state); err != nil {
		t.Fatalf("save runtime: %v", err)
	}

	svc := newService(stores, &stubAdvisor{response: ports.AdvisorResponse{Reasoning: "hold course"}})
	trig := domain.Trigger{Type: domain.TriggerScheduledReview}
	if err := svc.Handle(ctx, agent.ID, trig, 10, domain.MarketSnapshot{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// An empty delta appends nothing; version stays at 1.
	policy, _ := stores.Policies.Current(ctx, agent.ID)
	if policy.Version != 1 {
		t.Fatalf("no-op delta must not append a version, got %d", policy.Version)
	}

	got, _ := stores.Runtime.Get(ctx, agent.ID)
	if got.CheckpointRep != 3.5 {
		t.Fatalf("checkpoint reputation = %v, want 3.5", got.CheckpointRep)
	}
	if got.CheckpointWinRate != 0.8 {
		t.Fatalf("checkpoint win rate = %v, want 0.8", got.CheckpointWinRate)
	}
	if got.LastReviewRound != 10 {
		t.Fatalf("LastReviewRound = %d, want 10", got.LastReviewRound)
	}
	if got.LastDecision == nil || got.LastDecision.Trigger != domain.TriggerScheduledReview {
		t.Fatalf("LastDecision not recorded: %+v", got.LastDecision)
	}
}

func TestHandleScreensAndJournalsPartnershipActions(t *testing.T) {
	stores := adapters.NewMemoryStores()
	journal := adapters.NewMemoryJournal()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 3.5)
	ctx := context.Background()

	// A different-type partner with healthy reputation clears the screen.
	if _, err := stores.Agents.Create(ctx, domain.Agent{
		ID:         "agent-sol",
		Name:       "sol-courier",
		Type:       domain.AgentTypeCourier,
		Wallet:     "wallet-sol",
		Balance:    money.FromDollars(0.80),
		Reputation: 4.1,
		Status:     domain.StatusActive,
	}); err != nil {
		t.Fatalf("seed partner: %v", err)
	}

	advisor := &stubAdvisor{response: ports.AdvisorResponse{
		Reasoning: "hold policy, pursue a courier alliance",
		Partnerships: []ports.PartnershipAction{
			{Action: "propose", PartnerID: "agent-sol", OfferedSplit: 0.6, Reason: "complementary task types"},
			{Action: "propose", PartnerID: "agent-ghost", Reason: "nobody home"},
		},
	}}
	svc := NewService(stores.Agents, stores.Policies, stores.Runtime, stores.Decisions, stores.Audit, journal, advisor, DefaultConfig(), nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) })

	trig := domain.Trigger{Type: domain.TriggerScheduledReview}
	if err := svc.Handle(ctx, agent.ID, trig, 10, domain.MarketSnapshot{Round: 10}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var entries []domain.JournalEntry
	for _, entry := range journal.Entries() {
		if entry.Category == "partnership" {
			if entry.AgentID != agent.ID || entry.Round != 10 {
				t.Fatalf("partnership entry misattributed: %+v", entry)
			}
			entries = append(entries, entry)
		}
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 partnership entries, got %+v", journal.Entries())
	}
	if !strings.Contains(entries[0].Text, string(autopilot.PartnershipAccept)) {
		t.Fatalf("screened proposal should be accepted, got %q", entries[0].Text)
	}
	if !strings.Contains(entries[1].Text, string(autopilot.PartnershipReject)) {
		t.Fatalf("unknown partner should be rejected, got %q", entries[1].Text)
	}
}

// debitingAdvisor drains the agent's balance while the consultation is in
// flight, standing in for a later round's upkeep landing mid-consult.
type debitingAdvisor struct {
	stores   *adapters.MemoryStores
	agentID  string
	amount   money.Amount
	response ports.AdvisorResponse
}

func (a *debitingAdvisor) Invoke(ctx context.Context, _ ports.AdvisorRequest) (ports.AdvisorResponse, error) {
	agent, err := a.stores.Agents.FindByID(ctx, a.agentID)
	if err != nil {
		return ports.AdvisorResponse{}, err
	}
	agent.Balance = (agent.Balance - a.amount).FloorZero()
	if _, err := a.stores.Agents.Update(ctx, agent); err != nil {
		return ports.AdvisorResponse{}, err
	}
	return a.response, nil
}

func TestHandleDebitsFreshBalanceAfterConsult(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	target := 0.10
	advisor := &debitingAdvisor{
		stores:  stores,
		agentID: agent.ID,
		amount:  money.FromDollars(0.004),
		response: ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{TargetMargin: &target},
			Reasoning: "trim margin",
		},
	}
	svc := newService(stores, advisor)

	trig := domain.Trigger{Type: domain.TriggerConsecutiveLosses}
	if err := svc.Handle(ctx, agent.ID, trig, 12, domain.MarketSnapshot{Round: 12}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// Both the mid-consult upkeep and the advisor fee must survive:
	// 1.00 - 0.004 - 0.008.
	updated, _ := stores.Agents.FindByID(ctx, agent.ID)
	if got, want := updated.Balance, money.FromDollars(0.988); got != want {
		t.Fatalf("balance after concurrent debit = %s, want %s", got, want)
	}
}

func TestHandleFallbackAuditsZeroFee(t *testing.T) {
	stores := adapters.NewMemoryStores()
	agent := seedAgent(t, stores, money.FromDollars(1.00), 4.0)
	ctx := context.Background()

	svc := newService(stores, &stubAdvisor{err: errors.New("advisor down")})
	trig := domain.Trigger{Type: domain.TriggerConsecutiveLosses}
	if err := svc.Handle(ctx, agent.ID, trig, 12, domain.MarketSnapshot{Round: 12}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// No debit happened, so the audit trail must sum to the balance delta.
	events, err := stores.Audit.ListByAgent(ctx, agent.ID, 10)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("want an advisor audit event")
	}
	var sum money.Amount
	for _, ev := range events {
		sum += ev.Amount
	}
	updated, _ := stores.Agents.FindByID(ctx, agent.ID)
	if delta := updated.Balance - money.FromDollars(1.00); sum != delta {
		t.Fatalf("audit amounts sum to %s, balance moved %s", sum, delta)
	}
	if sum != 0 {
		t.Fatalf("fallback must not record a fee, got %s", sum)
	}
}
