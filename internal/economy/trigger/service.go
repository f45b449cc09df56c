// Package trigger decides when an agent needs strategic re-planning,
// invokes the external advisor, and reconciles the answer back into an
// appended policy version. A deterministic fallback guarantees every
// handled trigger produces some corrective action even with no advisor
// configured.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agora/internal/economy/autopilot"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/money"
	"agora/internal/shared/logging"
)

// Config tunes trigger handling.
type Config struct {
	// CooldownRounds skips agents that fired within the window, bounding
	// advisor spend under persistent distress.
	CooldownRounds int
	// AdvisorTimeout bounds one advisor invocation.
	AdvisorTimeout time.Duration
	// MarginStep is the fallback's fixed adjustment to target margin.
	MarginStep float64
}

// DefaultConfig returns the standard trigger tuning.
func DefaultConfig() Config {
	return Config{
		CooldownRounds: 5,
		AdvisorTimeout: 30 * time.Second,
		MarginStep:     0.02,
	}
}

// Service detects and handles triggers.
type Service struct {
	agents    ports.AgentRepository
	policies  ports.PolicyRepository
	runtime   ports.RuntimeRepository
	decisions ports.DecisionHistory
	audit     ports.AuditLog
	journal   ports.Journal
	advisor   ports.Advisor
	config    Config
	logger    logging.Logger
	now       func() time.Time
}

// NewService constructs the trigger service. A nil advisor means every
// trigger resolves through the deterministic fallback.
func NewService(agents ports.AgentRepository, policies ports.PolicyRepository, runtime ports.RuntimeRepository, decisions ports.DecisionHistory, audit ports.AuditLog, journal ports.Journal, advisor ports.Advisor, config Config, logger logging.Logger) *Service {
	if config.CooldownRounds == 0 && config.AdvisorTimeout == 0 {
		config = DefaultConfig()
	}
	return &Service{
		agents:    agents,
		policies:  policies,
		runtime:   runtime,
		decisions: decisions,
		audit:     audit,
		journal:   journal,
		advisor:   advisor,
		config:    config,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// WithNow injects a deterministic clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Check runs the pure detection functions against freshly loaded state.
// It is fast (state reads only) so the round can call it synchronously.
// A nil trigger means nothing to handle: healthy agent, no review due, or
// cooldown in force.
func (s *Service) Check(ctx context.Context, agentID string, round int) (*domain.Trigger, error) {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	policy, err := s.policies.Current(ctx, agentID)
	if err != nil {
		return nil, err
	}
	state, err := s.runtime.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if state.LastTriggerRound > 0 && round-state.LastTriggerRound < s.config.CooldownRounds {
		s.logger.Debug("agent %s in trigger cooldown (last fired round %d)", agentID, state.LastTriggerRound)
		return nil, nil
	}

	if trig, ok := autopilot.DetectException(state, policy.Exceptions, agent.Balance, agent.Reputation); ok {
		return &trig, nil
	}

	state.Round = round
	if autopilot.ReviewDue(state, policy.Review) {
		return &domain.Trigger{
			Type:   domain.TriggerScheduledReview,
			Detail: fmt.Sprintf("scheduled review due (last at round %d)", state.LastReviewRound),
		}, nil
	}
	return nil, nil
}

// Handle resolves one trigger: it invokes the advisor (or the fallback),
// appends any policy change as a new version, checkpoints the runtime
// baselines to current values, and records an immutable decision entry.
func (s *Service) Handle(ctx context.Context, agentID string, trig domain.Trigger, round int, market domain.MarketSnapshot) error {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return err
	}
	policy, err := s.policies.Current(ctx, agentID)
	if err != nil {
		return err
	}
	state, err := s.runtime.Get(ctx, agentID)
	if err != nil {
		return err
	}

	response, source := s.consult(ctx, agent, trig, policy, state, round, market)

	// The consultation can block for seconds while later rounds keep
	// debiting this agent, so the pre-consult snapshot is stale by the
	// time the answer lands. Re-load before mutating anything.
	agent, err = s.agents.FindByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("reloading agent %s: %w", agentID, err)
	}
	state, err = s.runtime.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("reloading runtime for %s: %w", agentID, err)
	}

	newVersion := policy.Version
	deltaDesc := "no policy change"
	if !response.Delta.IsZero() {
		updated := applyDelta(policy, response.Delta)
		updated.ID = uuid.NewString()
		updated.Note = response.Reasoning
		updated.CreatedAt = s.now()
		appended, err := s.policies.Append(ctx, updated)
		if err != nil {
			return fmt.Errorf("appending policy for %s: %w", agentID, err)
		}
		newVersion = appended.Version
		deltaDesc = describeDelta(policy, appended)
		policy = appended
	}

	var fee money.Amount
	if source == domain.DecisionSourceAdvisor {
		fee = agent.Costs.AdvisorInvocation
		state.AdvisorCalls++
		state.AdvisorSpend += fee
		agent.Balance = (agent.Balance - fee).FloorZero()
		agent.UpdatedAt = s.now()
		if _, err := s.agents.Update(ctx, agent); err != nil {
			s.logger.Warn("debiting advisor cost for %s: %v", agentID, err)
		}
	}

	// Future drift is measured from this point, not from the original
	// checkpoint.
	state.CheckpointRep = agent.Reputation
	state.CheckpointWinRate = state.TrailingWinRate()
	state.LastTriggerRound = round
	if trig.Type == domain.TriggerScheduledReview {
		state.LastReviewRound = round
	}
	state.LastDecision = &domain.DecisionSnapshot{
		Round:      round,
		Trigger:    trig.Type,
		Balance:    agent.Balance,
		Reputation: agent.Reputation,
		WinRate:    state.CheckpointWinRate,
		Summary:    response.Reasoning,
	}
	state.UpdatedAt = s.now()
	if _, err := s.runtime.Save(ctx, state); err != nil {
		return fmt.Errorf("saving runtime for %s: %w", agentID, err)
	}

	if _, err := s.decisions.Append(ctx, domain.DecisionRecord{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Round:      round,
		Trigger:    trig,
		Source:     source,
		Delta:      deltaDesc,
		Reasoning:  response.Reasoning,
		NewVersion: newVersion,
		CreatedAt:  s.now(),
	}); err != nil {
		s.logger.Warn("decision history append for %s: %v", agentID, err)
	}

	if _, err := s.audit.Append(ctx, domain.AuditEvent{
		ID:        uuid.NewString(),
		Kind:      domain.AuditAdvisor,
		AgentID:   agentID,
		Round:     round,
		Amount:    -fee,
		Detail:    fmt.Sprintf("%s handled via %s: %s", trig.Type, source, deltaDesc),
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("audit append for %s: %v", agentID, err)
	}

	for _, action := range response.Partnerships {
		text := fmt.Sprintf("%s %s: %s", action.Action, action.PartnerID, action.Reason)
		switch action.Action {
		case "propose", "accept":
			verdict, why := s.screenPartnership(ctx, agent, policy.Partnership, action)
			text = fmt.Sprintf("%s %s: %s (%s)", action.Action, action.PartnerID, verdict, why)
		}
		s.logger.Info("agent %s partnership %s", agentID, text)
		if s.journal == nil {
			continue
		}
		if err := s.journal.Record(ctx, domain.JournalEntry{
			AgentID:   agentID,
			Round:     round,
			Category:  "partnership",
			Text:      text,
			CreatedAt: s.now(),
		}); err != nil {
			s.logger.Warn("journal write for %s: %v", agentID, err)
		}
	}

	// Narrative journaling is best-effort.
	if s.journal != nil && response.Narrative != "" {
		if err := s.journal.Record(ctx, domain.JournalEntry{
			AgentID:   agentID,
			Round:     round,
			Category:  string(trig.Type),
			Text:      response.Narrative,
			CreatedAt: s.now(),
		}); err != nil {
			s.logger.Warn("journal write for %s: %v", agentID, err)
		}
	}
	return nil
}

// screenPartnership runs an advisor-suggested partner through the same
// screen inbound proposals get, using the partner's live reputation and
// type. Unknown partners are rejected outright.
func (s *Service) screenPartnership(ctx context.Context, agent domain.Agent, policy domain.PartnershipPolicy, action ports.PartnershipAction) (autopilot.PartnershipVerdict, string) {
	partner, err := s.agents.FindByID(ctx, action.PartnerID)
	if err != nil {
		return autopilot.PartnershipReject, fmt.Sprintf("unknown partner %s", action.PartnerID)
	}
	split := action.OfferedSplit
	if split <= 0 {
		split = policy.MinOwnSplit
	}
	return autopilot.EvaluatePartnership(domain.PartnershipProposal{
		ProposerID:         partner.ID,
		ProposerType:       partner.Type,
		ProposerReputation: partner.Reputation,
		OfferedSplit:       split,
		Message:            action.Reason,
	}, policy, agent.Type)
}

// consult asks the advisor within its time budget and falls back to the
// deterministic adjustment on any failure.
func (s *Service) consult(ctx context.Context, agent domain.Agent, trig domain.Trigger, policy domain.Policy, state domain.RuntimeState, round int, market domain.MarketSnapshot) (ports.AdvisorResponse, domain.DecisionSource) {
	if s.advisor == nil {
		return s.fallback(trig, policy), domain.DecisionSourceFallback
	}
	invokeCtx := ctx
	if s.config.AdvisorTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, s.config.AdvisorTimeout)
		defer cancel()
	}
	response, err := s.advisor.Invoke(invokeCtx, ports.AdvisorRequest{
		AgentID: agent.ID,
		Trigger: trig,
		Context: ports.AdvisorContext{
			AgentName:         agent.Name,
			Type:              agent.Type,
			Balance:           agent.Balance,
			Reputation:        agent.Reputation,
			TrailingWinRate:   state.TrailingWinRate(),
			ConsecutiveLosses: state.ConsecutiveLosses,
			LifetimeWins:      state.LifetimeWins,
			LifetimeLosses:    state.LifetimeLosses,
			Round:             round,
			Policy:            policy,
			Market:            market,
			LastDecision:      state.LastDecision,
		},
	})
	if err != nil {
		s.logger.Warn("advisor failed for %s (%s), applying fallback: %v", agent.ID, trig.Type, err)
		return s.fallback(trig, policy), domain.DecisionSourceFallback
	}
	return response, domain.DecisionSourceAdvisor
}

// fallback is the small, safe, pre-defined adjustment applied when no
// advisor answer is available. Losing streaks and win-rate slides loosen
// the target margin to price more competitively; balance distress
// tightens it to extract more per win.
func (s *Service) fallback(trig domain.Trigger, policy domain.Policy) ports.AdvisorResponse {
	step := s.config.MarginStep
	switch trig.Type {
	case domain.TriggerConsecutiveLosses, domain.TriggerWinRateDrop, domain.TriggerReputationDrop:
		target := policy.TargetMargin - step
		if target < policy.MinMargin {
			target = policy.MinMargin
		}
		if target == policy.TargetMargin {
			return ports.AdvisorResponse{
				Reasoning: "fallback: target margin already at the minimum, holding",
				Narrative: fmt.Sprintf("held margin at %.0f%% after %s", policy.TargetMargin*100, trig.Type),
			}
		}
		return ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{TargetMargin: &target},
			Reasoning: fmt.Sprintf("fallback: loosened target margin to %.0f%% to win more auctions", target*100),
			Narrative: fmt.Sprintf("cut margin to %.0f%% after %s", target*100, trig.Type),
		}
	case domain.TriggerLowBalance:
		target := policy.TargetMargin + step
		return ports.AdvisorResponse{
			Delta:     ports.PolicyDelta{TargetMargin: &target},
			Reasoning: fmt.Sprintf("fallback: tightened target margin to %.0f%% to rebuild the balance", target*100),
			Narrative: fmt.Sprintf("raised margin to %.0f%% under balance pressure", target*100),
		}
	default:
		return ports.AdvisorResponse{
			Reasoning: "fallback: scheduled review with no advisor configured, strategy holds",
		}
	}
}

// applyDelta copies the policy and applies the partial update.
func applyDelta(policy domain.Policy, delta ports.PolicyDelta) domain.Policy {
	updated := policy
	if delta.TargetMargin != nil {
		updated.TargetMargin = *delta.TargetMargin
	}
	if delta.MinMargin != nil {
		updated.MinMargin = *delta.MinMargin
	}
	if delta.BidFloor != nil {
		updated.BidFloor = *delta.BidFloor
	}
	if delta.ReviewInterval != nil {
		updated.Review.IntervalRounds = *delta.ReviewInterval
	}
	if len(delta.BlocklistAdd) > 0 || len(delta.BlocklistRemove) > 0 {
		blocklist := make([]string, 0, len(policy.Partnership.Blocklist)+len(delta.BlocklistAdd))
		removed := make(map[string]bool, len(delta.BlocklistRemove))
		for _, id := range delta.BlocklistRemove {
			removed[id] = true
		}
		for _, id := range policy.Partnership.Blocklist {
			if !removed[id] {
				blocklist = append(blocklist, id)
			}
		}
		blocklist = append(blocklist, delta.BlocklistAdd...)
		updated.Partnership.Blocklist = blocklist
	}
	return updated
}

func describeDelta(old, updated domain.Policy) string {
	if old.TargetMargin != updated.TargetMargin {
		return fmt.Sprintf("target margin %.0f%% -> %.0f%%", old.TargetMargin*100, updated.TargetMargin*100)
	}
	if old.MinMargin != updated.MinMargin {
		return fmt.Sprintf("min margin %.0f%% -> %.0f%%", old.MinMargin*100, updated.MinMargin*100)
	}
	if old.BidFloor != updated.BidFloor {
		return fmt.Sprintf("bid floor %s -> %s", old.BidFloor, updated.BidFloor)
	}
	if old.Review.IntervalRounds != updated.Review.IntervalRounds {
		return fmt.Sprintf("review interval %d -> %d rounds", old.Review.IntervalRounds, updated.Review.IntervalRounds)
	}
	return "policy updated"
}
